package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SyncAccount refreshes one account immediately. Fetch failures are recorded
// on the returned account rather than failing the request.
func (h *Handler) SyncAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.services.Sync.SyncAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, "sync account", err)
		return
	}
	h.writeSuccess(w, account)
}

// RunSyncCycle runs a full sync cycle and returns its summary
func (h *Handler) RunSyncCycle(w http.ResponseWriter, r *http.Request) {
	summary, err := h.services.Sync.RunSyncCycle(r.Context())
	if err != nil {
		h.fail(w, "run sync cycle", err)
		return
	}
	h.writeSuccess(w, summary)
}
