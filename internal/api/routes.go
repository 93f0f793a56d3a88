package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		RequestID(h.logger),
		Observe(),
		Recovery(),
	)

	// Schedulers
	mux.Handle("GET /schedulers", chain(http.HandlerFunc(h.ListSchedulers)))
	mux.Handle("GET /api/v1/schedulers", chain(http.HandlerFunc(h.ListSchedulers)))
	mux.Handle("GET /api/v1/schedulers/{name}", chain(http.HandlerFunc(h.GetScheduler)))
	mux.Handle("PUT /api/v1/schedulers/{name}/enabled", chain(http.HandlerFunc(h.SetSchedulerEnabled)))

	// Build requests
	mux.Handle("GET /api/v1/buildrequests/{id}", chain(http.HandlerFunc(h.GetBuildRequest)))

	// Canceller
	mux.Handle("GET /api/v1/canceller", chain(http.HandlerFunc(h.GetCanceller)))
}
