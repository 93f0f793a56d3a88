package buildsets

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Store сохраняет buildset и его build requests (см. repo.BuildsetRepo).
type Store interface {
	Create(ctx context.Context, req domain.BuildsetRequest) (domain.Buildset, error)
}

// Publisher публикует события о новых build requests (см. mq.Publisher).
type Publisher interface {
	PublishBuildRequestNew(ctx context.Context, payload mq.BuildRequestNewPayload) error
}

// Config — конфигурация Creator.
type Config struct {
	Store     Store
	Publisher Publisher
	Logger    *slog.Logger
}

// Creator создаёт buildsets для schedulers.
type Creator struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// New создаёт Creator.
func New(cfg Config) *Creator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    logger.With("component", "buildsets"),
	}
}

// AddBuildset создаёт buildset и публикует buildrequest.new
// для каждого build request.
//
// Buildset к моменту публикации уже сохранён, поэтому ошибка публикации
// только логируется: подписчики дочитают незавершённые build requests
// из БД при следующей реконфигурации.
func (c *Creator) AddBuildset(ctx context.Context, req domain.BuildsetRequest) (domain.Buildset, error) {
	bs, err := c.store.Create(ctx, req)
	if err != nil {
		return domain.Buildset{}, err
	}

	telemetry.BuildsetsCreated.WithLabelValues(req.Scheduler).Inc()
	c.logger.Info("buildset created",
		"bsid", bs.ID,
		"scheduler", req.Scheduler,
		"builders", len(bs.BuildRequestIDs),
	)

	if c.publisher == nil {
		return bs, nil
	}

	// по возрастанию builder id, чтобы порядок событий был стабильным
	for _, builderID := range slices.Sorted(maps.Keys(bs.BuildRequestIDs)) {
		payload := mq.BuildRequestNewPayload{
			BuildRequestID: bs.BuildRequestIDs[builderID],
			BuildsetID:     bs.ID,
			BuilderID:      builderID,
			BuilderName:    bs.BuilderNames[builderID],
			SourceStamps:   req.SourceStamps,
		}
		if err := c.publisher.PublishBuildRequestNew(ctx, payload); err != nil {
			c.logger.Warn("failed to publish buildrequest.new",
				"brid", payload.BuildRequestID,
				"bsid", bs.ID,
				"error", err,
			)
		}
	}

	return bs, nil
}

// AddBuildsetForSourceStamps создаёт buildset для builders и source stamps
// от имени scheduler.
func (c *Creator) AddBuildsetForSourceStamps(ctx context.Context, scheduler, reason string, builders []string, stamps []domain.SourceStamp) (domain.Buildset, error) {
	return c.AddBuildset(ctx, domain.BuildsetRequest{
		Scheduler:    scheduler,
		Reason:       reason,
		Builders:     builders,
		SourceStamps: stamps,
	})
}
