package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cpstats-sync/internal/domain"
)

// PositionResponse is a single ranked position. Ranked is false when the user
// or account exists but is not eligible for the leaderboard.
type PositionResponse struct {
	Ranked bool                     `json:"ranked"`
	Entry  *domain.LeaderboardEntry `json:"entry,omitempty"`
}

// queryLimit parses the limit parameter. Missing or malformed values return 0,
// which the leaderboard service replaces with its default.
func queryLimit(r *http.Request) int {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			return l
		}
	}
	return 0
}

// GetOverall returns the overall top-N leaderboard
func (h *Handler) GetOverall(w http.ResponseWriter, r *http.Request) {
	metric, err := domain.ParseOverallMetric(r.URL.Query().Get("metric"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	board, err := h.services.Leaderboards.Overall(r.Context(), metric, queryLimit(r))
	if err != nil {
		h.fail(w, "get overall leaderboard", err)
		return
	}
	h.writeSuccess(w, board)
}

// GetUserPosition returns a user's position in the overall leaderboard
func (h *Handler) GetUserPosition(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	metric, err := domain.ParseOverallMetric(r.URL.Query().Get("metric"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := h.services.Leaderboards.UserPosition(r.Context(), metric, userID)
	if err != nil {
		h.fail(w, "get user position", err)
		return
	}
	h.writeSuccess(w, PositionResponse{Ranked: entry != nil, Entry: entry})
}

// GetPlatform returns the top-N leaderboard of one platform
func (h *Handler) GetPlatform(w http.ResponseWriter, r *http.Request) {
	platform, err := domain.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	metric, err := domain.ParsePlatformMetric(r.URL.Query().Get("metric"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	board, err := h.services.Leaderboards.Platform(r.Context(), platform, metric, queryLimit(r))
	if err != nil {
		h.fail(w, "get platform leaderboard", err)
		return
	}
	h.writeSuccess(w, board)
}

// GetAccountPosition returns an account's position in its platform leaderboard
func (h *Handler) GetAccountPosition(w http.ResponseWriter, r *http.Request) {
	platform, err := domain.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	metric, err := domain.ParsePlatformMetric(r.URL.Query().Get("metric"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := h.services.Leaderboards.AccountPosition(r.Context(), platform, metric, chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, "get account position", err)
		return
	}
	h.writeSuccess(w, PositionResponse{Ranked: entry != nil, Entry: entry})
}
