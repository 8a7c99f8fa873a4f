package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cpstats-sync/internal/domain"
	"github.com/cpstats-sync/internal/history"
	"github.com/cpstats-sync/internal/metrics"
	"github.com/cpstats-sync/internal/service"
)

// Syncer runs synchronization on demand
type Syncer interface {
	RunSyncCycle(ctx context.Context) (domain.CycleSummary, error)
	SyncAccount(ctx context.Context, accountID string) (*domain.PlatformAccount, error)
}

// Services are the collaborators the HTTP API is served from
type Services struct {
	Users        domain.UserDirectory
	Accounts     *service.AccountService
	Scores       *service.ScoreService
	Leaderboards *service.LeaderboardService
	History      *history.Recorder
	Sync         Syncer
}

// ReadinessCheck is a named dependency probe used by /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler provides HTTP handlers for the stats API
type Handler struct {
	services  Services
	checks    []ReadinessCheck
	validator *Validator
	now       func() time.Time
	logger    *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(services Services, logger *slog.Logger, checks ...ReadinessCheck) *Handler {
	return &Handler{
		services:  services,
		checks:    checks,
		validator: NewValidator(),
		now:       time.Now,
		logger:    logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool              `json:"success"`
	Data    interface{}       `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/leaderboard", func(r chi.Router) {
			r.Get("/overall", h.GetOverall)
			r.Get("/overall/users/{userID}", h.GetUserPosition)
			r.Get("/platforms/{platform}", h.GetPlatform)
			r.Get("/platforms/{platform}/accounts/{accountID}", h.GetAccountPosition)
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/score", h.GetScore)
			r.Get("/accounts", h.ListAccounts)
			r.Post("/accounts", h.LinkAccount)
			r.Get("/growth", h.GetGrowth)
			r.Get("/snapshots", h.GetSnapshots)
		})

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Delete("/", h.UnlinkAccount)
			r.Post("/sync", h.SyncAccount)
		})

		r.Post("/admin/sync", h.RunSyncCycle)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// fail maps a service error to its HTTP status. Unexpected errors are logged
// and reported with a generic message.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, rootCause(err, domain.ErrUserNotFound, domain.ErrAccountNotFound, domain.ErrSnapshotNotFound))
	case errors.Is(err, domain.ErrUnknownPlatform),
		errors.Is(err, domain.ErrInvalidMetric),
		errors.Is(err, domain.ErrInvalidWindow),
		errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, rootCause(err, domain.ErrUnknownPlatform, domain.ErrInvalidMetric, domain.ErrInvalidWindow, domain.ErrInvalidRequest))
	case errors.Is(err, domain.ErrAccountExists),
		errors.Is(err, domain.ErrCycleInProgress),
		errors.Is(err, domain.ErrAccountLeased):
		h.writeError(w, http.StatusConflict, rootCause(err, domain.ErrAccountExists, domain.ErrCycleInProgress, domain.ErrAccountLeased))
	default:
		h.logger.Error("failed to "+op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// rootCause returns the first sentinel err wraps, hiding wrapping context
// from API clients.
func rootCause(err error, sentinels ...error) error {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s
		}
	}
	return err
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status. It fails when any dependency
// probe fails.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", c.Name, "error", err)
			failed[c.Name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Error:   "not ready",
			Details: failed,
		})
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}
