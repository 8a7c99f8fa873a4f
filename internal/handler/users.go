package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cpstats-sync/internal/domain"
)

// GetScore returns a user's composite score. A user without accounts has a
// zero score.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := h.services.Users.GetUser(r.Context(), userID); err != nil {
		h.fail(w, "get user", err)
		return
	}

	score, err := h.services.Scores.GetScore(r.Context(), userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		score = &domain.UserScore{UserID: userID}
	} else if err != nil {
		h.fail(w, "get score", err)
		return
	}
	h.writeSuccess(w, score)
}

// ListAccounts returns a user's linked accounts including inactive ones
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.services.Accounts.ListAccounts(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, "list accounts", err)
		return
	}
	if accounts == nil {
		accounts = []*domain.PlatformAccount{}
	}
	h.writeSuccess(w, accounts)
}

// LinkAccount links a platform account to a user
func (h *Handler) LinkAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.LinkAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   domain.ErrInvalidRequest.Error(),
			Details: FormatValidationError(err),
		})
		return
	}

	account, err := h.services.Accounts.LinkAccount(r.Context(), chi.URLParam(r, "userID"), req)
	if err != nil {
		if account != nil {
			// Linked, but the score refresh failed; the next sync recomputes it.
			h.logger.Warn("account linked without score refresh", "account_id", account.ID, "error", err)
		} else {
			h.fail(w, "link account", err)
			return
		}
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    account,
	})
}

// GetAccount returns a platform account by ID
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.services.Accounts.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, "get account", err)
		return
	}
	h.writeSuccess(w, account)
}

// UnlinkAccount soft-deletes a platform account
func (h *Handler) UnlinkAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Accounts.UnlinkAccount(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		h.fail(w, "unlink account", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "unlinked"})
}

// GetGrowth returns the change of a metric over a window
func (h *Handler) GetGrowth(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()

	scope, err := domain.ParseScope(q.Get("scope"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	windowStr := q.Get("window")
	if windowStr == "" {
		windowStr = string(domain.Window7Days)
	}
	window, err := domain.ParseGrowthWindow(windowStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	metricStr := q.Get("metric")
	if metricStr == "" {
		metricStr = string(domain.GrowthProblemsSolved)
	}
	metric, err := domain.ParseGrowthMetric(metricStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := h.services.Users.GetUser(r.Context(), userID); err != nil {
		h.fail(w, "get user", err)
		return
	}
	growth, err := h.services.History.Growth(r.Context(), userID, scope, window, metric, h.now())
	if err != nil {
		h.fail(w, "get growth", err)
		return
	}
	h.writeSuccess(w, growth)
}

// GetSnapshots returns the recent daily snapshot series of a scope
func (h *Handler) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()

	scope, err := domain.ParseScope(q.Get("scope"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	days := 0
	if daysStr := q.Get("days"); daysStr != "" {
		d, err := strconv.Atoi(daysStr)
		if err != nil || d < 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		days = d
	}

	if _, err := h.services.Users.GetUser(r.Context(), userID); err != nil {
		h.fail(w, "get user", err)
		return
	}
	snapshots, err := h.services.History.Series(r.Context(), userID, scope, days, h.now())
	if err != nil {
		h.fail(w, "list snapshots", err)
		return
	}
	if snapshots == nil {
		snapshots = []domain.StatsSnapshot{}
	}
	h.writeSuccess(w, snapshots)
}
