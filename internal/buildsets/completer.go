package buildsets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// CompletionStore завершает buildsets (см. repo.BuildsetRepo).
type CompletionStore interface {
	CompleteIfFinished(ctx context.Context, id domain.BuildsetID) (domain.Result, bool, error)
}

// CompletionPublisher публикует buildset.complete (см. mq.Publisher).
type CompletionPublisher interface {
	PublishBuildsetComplete(ctx context.Context, payload mq.BuildsetCompletePayload) error
}

// CompleterConfig — конфигурация Completer.
type CompleterConfig struct {
	Store     CompletionStore
	Publisher CompletionPublisher

	// Conn — соединение с RabbitMQ для событий buildrequest.complete.
	// Если nil, завершения подаются через OnBuildRequestComplete.
	Conn *mq.Connection

	Logger *slog.Logger
}

// Completer завершает buildset, когда завершён последний из его
// build requests, и сообщает об этом triggerable schedulers.
type Completer struct {
	store     CompletionStore
	publisher CompletionPublisher
	conn      *mq.Connection
	logger    *slog.Logger

	consumer   *mq.Consumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewCompleter создаёт Completer.
func NewCompleter(cfg CompleterConfig) *Completer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		conn:      cfg.Conn,
		logger:    logger.With("component", "buildset-completer"),
	}
}

// Start подписывается на buildrequest.complete.
func (c *Completer) Start(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	sub := mq.Subscription{Exchange: mq.ExchangeBuildRequests, RoutingKey: mq.RoutingKeyBuildRequestComplete}
	queue, err := mq.DeclareSubscriberQueue(ctx, c.conn, "buildsets.completer", sub)
	if err != nil {
		cancel()
		return fmt.Errorf("declare completer queue: %w", err)
	}

	c.consumer = mq.NewConsumer(c.conn, c.logger, mq.ConsumerConfig{
		Queue:          string(queue),
		Handler:        c.handleBuildRequestComplete,
		Types:          []mq.MessageType{mq.MessageTypeBuildRequestComplete},
		Prefetch:       10,
		RequeueOnError: true,
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("completer consumer error", "queue", queue, "error", err)
		}
	}()

	c.logger.Info("buildset completer started")
	return nil
}

// Stop останавливает consumer.
func (c *Completer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	if c.consumer != nil {
		c.consumer.Stop()
	}
	c.wg.Wait()
}

func (c *Completer) handleBuildRequestComplete(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.BuildRequestCompletePayload](&delivery.Message)
	if err != nil {
		telemetry.FromContext(ctx).Error("failed to parse buildrequest.complete payload", "error", err)
		return err
	}
	return c.OnBuildRequestComplete(ctx, payload.BuildsetID)
}

// OnBuildRequestComplete завершает buildset, если это был его последний
// build request. Повторные события для завершённого buildset ничего не делают.
func (c *Completer) OnBuildRequestComplete(ctx context.Context, bsid domain.BuildsetID) error {
	result, finished, err := c.store.CompleteIfFinished(ctx, bsid)
	if errors.Is(err, repo.ErrNotFound) {
		// событие от чужой БД или удалённого buildset: повтор не поможет
		c.logger.Warn("buildrequest.complete for unknown buildset", "bsid", bsid)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete buildset %d: %w", bsid, err)
	}
	if !finished {
		return nil
	}

	telemetry.BuildsetsCompleted.WithLabelValues(result.String()).Inc()
	c.logger.Info("buildset complete", "bsid", bsid, "results", result.String())

	// buildset уже отмечен завершённым, повторная доставка события
	// ничего не опубликует, поэтому ошибка только логируется
	if err := c.publisher.PublishBuildsetComplete(ctx, mq.BuildsetCompletePayload{
		BuildsetID: bsid,
		Results:    result,
	}); err != nil {
		c.logger.Error("failed to publish buildset.complete", "bsid", bsid, "error", err)
	}
	return nil
}
