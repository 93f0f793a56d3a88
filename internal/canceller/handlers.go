package canceller

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// eventsQueue возвращает имя очереди событий этого экземпляра.
func (c *Canceller) eventsQueue() mq.Queue {
	return mq.Queue("canceller." + c.name + ".events")
}

// startConsumers объявляет очередь событий и запускает её consumer.
//
// Все три вида событий идут через одну очередь и один consumer
// с prefetch 1: завершение build request не может обогнать
// его создание, а коммит применяется строго между ними.
func (c *Canceller) startConsumers(ctx context.Context) error {
	queue := c.eventsQueue()
	err := mq.DeclareMergedQueue(ctx, c.conn, queue,
		mq.Subscription{Exchange: mq.ExchangeChanges, RoutingKey: mq.RoutingKeyChangeNew},
		mq.Subscription{Exchange: mq.ExchangeBuildRequests, RoutingKey: mq.RoutingKeyBuildRequestNew},
		mq.Subscription{Exchange: mq.ExchangeBuildRequests, RoutingKey: mq.RoutingKeyBuildRequestComplete},
	)
	if err != nil {
		return fmt.Errorf("declare canceller queue: %w", err)
	}

	consumer := mq.NewConsumer(c.conn, c.logger, mq.ConsumerConfig{
		Queue:   string(queue),
		Handler: c.handleEvent,
		Types: []mq.MessageType{
			mq.MessageTypeChangeNew,
			mq.MessageTypeBuildRequestNew,
			mq.MessageTypeBuildRequestComplete,
		},
		Prefetch:       1,
		RequeueOnError: true,
		MaxAttempts:    maxDeliveryAttempts,
	})
	c.consumers = append(c.consumers, consumer)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("canceller consumer error", "queue", queue, "error", err)
		}
	}()
	return nil
}

// handleEvent направляет событие очереди обработчику его типа.
func (c *Canceller) handleEvent(ctx context.Context, delivery *mq.Delivery) error {
	switch delivery.Message.Type {
	case mq.MessageTypeChangeNew:
		return c.handleChange(ctx, delivery)
	case mq.MessageTypeBuildRequestNew:
		return c.handleBuildRequestNew(ctx, delivery)
	case mq.MessageTypeBuildRequestComplete:
		return c.handleBuildRequestComplete(ctx, delivery)
	}
	return fmt.Errorf("%w: canceller does not handle %s", mq.ErrMalformedPayload, delivery.Message.Type)
}

// handleChange обрабатывает событие о новом коммите.
func (c *Canceller) handleChange(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ChangeNewPayload](&delivery.Message)
	logger := telemetry.FromContext(ctx)
	if err != nil {
		logger.Error("failed to parse change.new payload", "error", err)
		return err
	}

	logger.Debug("received change.new event",
		"change_id", payload.ChangeID,
		"project", payload.Project,
		"branch", payload.Branch,
	)

	return c.NotifyChange(ctx, payload.Change)
}

// handleBuildRequestNew обрабатывает событие о новом build request.
func (c *Canceller) handleBuildRequestNew(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.BuildRequestNewPayload](&delivery.Message)
	logger := telemetry.FromContext(ctx)
	if err != nil {
		logger.Error("failed to parse buildrequest.new payload", "error", err)
		return err
	}

	logger.Debug("received buildrequest.new event",
		"brid", payload.BuildRequestID,
		"builder", payload.BuilderName,
	)

	return c.NotifyNewBuildRequest(ctx, PendingBuildRequest{
		ID:           payload.BuildRequestID,
		BuilderName:  payload.BuilderName,
		SourceStamps: payload.SourceStamps,
	})
}

// handleBuildRequestComplete обрабатывает событие о завершении build request.
func (c *Canceller) handleBuildRequestComplete(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.BuildRequestCompletePayload](&delivery.Message)
	logger := telemetry.FromContext(ctx)
	if err != nil {
		logger.Error("failed to parse buildrequest.complete payload", "error", err)
		return err
	}

	logger.Debug("received buildrequest.complete event",
		"brid", payload.BuildRequestID,
		"results", payload.Results,
	)

	return c.NotifyCompleteBuildRequest(ctx, payload.BuildRequestID)
}
