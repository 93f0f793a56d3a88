package api

import (
	"encoding/json"
	"net/http"
)

// ListSchedulers — GET /api/v1/schedulers
func (h *Handler) ListSchedulers(w http.ResponseWriter, r *http.Request) {
	List(w, h.schedulers.Status())
}

// GetScheduler — GET /api/v1/schedulers/{name}
func (h *Handler) GetScheduler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, st := range h.schedulers.Status() {
		if st.Name == name {
			Success(w, st)
			return
		}
	}
	NotFound(w, "scheduler not found")
}

// SetSchedulerEnabled — PUT /api/v1/schedulers/{name}/enabled
func (h *Handler) SetSchedulerEnabled(w http.ResponseWriter, r *http.Request) {
	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		BadRequest(w, "enabled is required")
		return
	}

	name := r.PathValue("name")
	if HandleError(w, h.logger, h.schedulers.SetEnabled(name, *req.Enabled)) {
		return
	}

	for _, st := range h.schedulers.Status() {
		if st.Name == name {
			Success(w, st)
			return
		}
	}
	NotFound(w, "scheduler not found")
}

// GetCanceller — GET /api/v1/canceller
func (h *Handler) GetCanceller(w http.ResponseWriter, r *http.Request) {
	if h.canceller == nil {
		NotFound(w, "canceller is not configured")
		return
	}
	stats, err := h.canceller.Stats(r.Context())
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	Success(w, CancellerFromStats(h.canceller.Name(), stats))
}
