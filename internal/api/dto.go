package api

import (
	"time"

	"github.com/shaiso/Conveyor/internal/canceller"
	"github.com/shaiso/Conveyor/internal/domain"
)

// SetEnabledRequest — запрос на включение/выключение scheduler.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// CancellerResponse — состояние canceller.
type CancellerResponse struct {
	Name          string `json:"name"`
	Tracked       int    `json:"tracked"`
	Builders      int    `json:"builders"`
	Reconfiguring bool   `json:"reconfiguring"`
	Deferred      int    `json:"deferred,omitempty"`
}

// CancellerFromStats конвертирует canceller.Stats в CancellerResponse.
func CancellerFromStats(name string, s canceller.Stats) CancellerResponse {
	return CancellerResponse{
		Name:          name,
		Tracked:       s.Tracked,
		Builders:      s.Builders,
		Reconfiguring: s.Reconfiguring,
		Deferred:      s.Deferred,
	}
}

// BuildRequestResponse — build request с итогом в текстовом виде.
type BuildRequestResponse struct {
	ID          domain.BuildRequestID `json:"id"`
	BuildsetID  domain.BuildsetID     `json:"buildset_id"`
	BuilderName string                `json:"builder_name"`
	Complete    bool                  `json:"complete"`
	Results     string                `json:"results,omitempty"`
	SubmittedAt time.Time             `json:"submitted_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// BuildRequestFromDomain конвертирует domain.BuildRequest в BuildRequestResponse.
func BuildRequestFromDomain(br *domain.BuildRequest) BuildRequestResponse {
	resp := BuildRequestResponse{
		ID:          br.ID,
		BuildsetID:  br.BuildsetID,
		BuilderName: br.BuilderName,
		Complete:    br.Complete,
		SubmittedAt: br.SubmittedAt,
		CompletedAt: br.CompletedAt,
	}
	if br.Results != nil {
		resp.Results = br.Results.String()
	}
	return resp
}
