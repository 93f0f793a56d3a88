package api

import (
	"net/http"
	"strconv"

	"github.com/shaiso/Conveyor/internal/domain"
)

// GetBuildRequest — GET /api/v1/buildrequests/{id}
func (h *Handler) GetBuildRequest(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil {
		NotFound(w, "build requests are not available")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, "invalid build request id")
		return
	}

	br, err := h.requests.GetByID(r.Context(), domain.BuildRequestID(id))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, BuildRequestFromDomain(br))
}
