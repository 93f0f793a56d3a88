package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/Conveyor/internal/canceller"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/scheduler"
)

// Schedulers — schedulers master (см. scheduler.Manager).
type Schedulers interface {
	Status() []scheduler.Status
	SetEnabled(name string, enabled bool) error
}

// Canceller — источник состояния canceller (см. canceller.Canceller).
type Canceller interface {
	Name() string
	Stats(ctx context.Context) (canceller.Stats, error)
}

// BuildRequests — чтение build requests (см. repo.BuildRequestRepo).
type BuildRequests interface {
	GetByID(ctx context.Context, id domain.BuildRequestID) (*domain.BuildRequest, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	schedulers Schedulers
	canceller  Canceller
	requests   BuildRequests
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Schedulers Schedulers

	// Canceller — nil, если отмена устаревших build requests выключена.
	Canceller Canceller

	BuildRequests BuildRequests

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		schedulers: cfg.Schedulers,
		canceller:  cfg.Canceller,
		requests:   cfg.BuildRequests,
		logger:     logger.With("component", "api"),
	}
}
