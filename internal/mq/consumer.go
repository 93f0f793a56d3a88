package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/telemetry"
)

// ErrMalformedPayload — payload не соответствует типу сообщения.
// Такие сообщения отклоняются без повторной доставки.
var ErrMalformedPayload = errors.New("malformed payload")

// Handler обрабатывает сообщение. Ошибка означает nack.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Message — конверт сообщения; Payload содержит json.RawMessage.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// Attempt возвращает номер доставки, начиная с 1.
//
// Quorum-очереди передают счётчик в x-delivery-count, для классических
// очередей известно только, была ли доставка повторной.
func (d *Delivery) Attempt() int {
	switch n := d.Raw.Headers["x-delivery-count"].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	}
	if d.Raw.Redelivered {
		return 2
	}
	return 1
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue string

	// Handler — обработчик сообщений.
	Handler Handler

	// Types — ожидаемые типы сообщений. Сообщения других типов
	// подтверждаются без обработки. Пустой список принимает все.
	Types []MessageType

	// Prefetch — количество неподтверждённых сообщений на consumer.
	Prefetch int

	// RequeueOnError — возвращать сообщение в очередь при ошибке обработчика.
	// Иначе сообщение отклоняется (в DLQ, если она настроена).
	RequeueOnError bool

	// MaxAttempts — после стольких доставок сообщение больше не
	// возвращается в очередь. 0 — без ограничения.
	MaxAttempts int
}

// Consumer потребляет сообщения из очереди RabbitMQ и переживает
// переподключения соединения.
type Consumer struct {
	conn   *Connection
	logger *slog.Logger
	cfg    ConsumerConfig

	cancelFunc context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		conn:   conn,
		logger: logger.With("queue", cfg.Queue),
		cfg:    cfg,
	}
}

// Start потребляет сообщения до Stop или отмены ctx.
// Возвращает ошибку контекста.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		// подписка на переподключение до открытия канала, чтобы не пропустить его
		reconnected := c.conn.ReconnectNotify()

		deliveries, err := c.open()
		if err != nil {
			c.logger.Error("failed to consume", "error", err)
		} else {
			c.logger.Info("consumer started")
			c.drain(ctx, deliveries)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
			c.logger.Info("restarting consumer after reconnect")
		}
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

func (c *Consumer) open() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	// ack вручную после обработчика
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// drain обрабатывает сообщения, пока канал открыт и ctx не отменён.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}
			c.handle(ctx, raw)
		}
	}
}

// envelope — Message с необработанным payload.
type envelope struct {
	Message
	Payload json.RawMessage `json:"payload"`
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var env envelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		c.settle(raw, "malformed")
		return
	}
	msg := env.Message
	msg.Payload = env.Payload

	if len(c.cfg.Types) > 0 && !slices.Contains(c.cfg.Types, msg.Type) {
		c.logger.Debug("skipping message of unexpected type", "type", msg.Type, "message_id", msg.ID)
		c.settle(raw, "skip")
		return
	}

	delivery := &Delivery{Message: msg, Raw: raw}
	logger := c.logger.With("message_id", msg.ID, "type", msg.Type)
	logger.Debug("received message", "attempt", delivery.Attempt())

	err := c.cfg.Handler(telemetry.WithLogger(ctx, logger), delivery)
	switch {
	case err == nil:
		c.settle(raw, "ack")
	case errors.Is(err, ErrMalformedPayload):
		logger.Error("rejecting malformed message", "error", err)
		c.settle(raw, "malformed")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// остановка consumer: сообщение вернётся другому подписчику
		c.settle(raw, "requeue")
	case c.cfg.RequeueOnError && (c.cfg.MaxAttempts == 0 || delivery.Attempt() < c.cfg.MaxAttempts):
		logger.Warn("handler failed, requeueing", "attempt", delivery.Attempt(), "error", err)
		c.settle(raw, "requeue")
	default:
		logger.Error("handler failed, rejecting", "attempt", delivery.Attempt(), "error", err)
		c.settle(raw, "reject")
	}
}

// settle подтверждает или отклоняет сообщение и учитывает исход.
func (c *Consumer) settle(raw amqp.Delivery, outcome string) {
	var err error
	switch outcome {
	case "ack", "skip":
		err = raw.Ack(false)
	case "requeue":
		err = raw.Nack(false, true)
	default:
		err = raw.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn("failed to settle message", "outcome", outcome, "error", err)
	}
	telemetry.MQMessages.WithLabelValues(c.cfg.Queue, outcome).Inc()
}

// ParsePayload декодирует payload сообщения в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	data, ok := msg.Payload.(json.RawMessage)
	if !ok {
		// сообщение собрано в процессе, а не получено из очереди
		var err error
		if data, err = json.Marshal(msg.Payload); err != nil {
			return result, fmt.Errorf("marshal payload: %w", err)
		}
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, msg.Type, err)
	}
	return result, nil
}
