package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeChangeNew            MessageType = "change.new"
	MessageTypeBuildRequestNew      MessageType = "buildrequest.new"
	MessageTypeBuildRequestComplete MessageType = "buildrequest.complete"
	MessageTypeBuildsetComplete     MessageType = "buildset.complete"
	MessageTypeBuildRequestCancel   MessageType = "buildrequest.cancel"
)

// Publisher публикует события и команды Conveyor в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — конверт события: {"id", "type", "payload", "timestamp"}.
// ID используется потребителями для журналирования и дедупликации.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым ID и текущим временем в UTC.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ChangeNewPayload — новый коммит.
type ChangeNewPayload struct {
	domain.Change
}

// BuildRequestNewPayload — новый build request.
//
// BuilderName и SourceStamps необязательны: если их нет,
// потребитель дочитывает их из БД.
type BuildRequestNewPayload struct {
	BuildRequestID domain.BuildRequestID `json:"buildrequest_id"`
	BuildsetID     domain.BuildsetID     `json:"buildset_id"`
	BuilderID      domain.BuilderID      `json:"builder_id"`
	BuilderName    string                `json:"builder_name,omitempty"`
	SourceStamps   []domain.SourceStamp  `json:"sourcestamps,omitempty"`
}

// BuildRequestCompletePayload — build request завершён.
type BuildRequestCompletePayload struct {
	BuildRequestID domain.BuildRequestID `json:"buildrequest_id"`
	BuildsetID     domain.BuildsetID     `json:"buildset_id"`
	Results        domain.Result         `json:"results"`
}

// BuildsetCompletePayload — все build requests buildset завершены.
type BuildsetCompletePayload struct {
	BuildsetID domain.BuildsetID `json:"buildset_id"`
	Results    domain.Result     `json:"results"`
}

// CancelBuildRequestPayload — команда отмены build request.
type CancelBuildRequestPayload struct {
	BuildRequestID domain.BuildRequestID `json:"buildrequest_id"`
	Reason         string                `json:"reason"`
}

// route — exchange и routing key типа сообщения.
type route struct {
	exchange Exchange
	key      RoutingKey
}

// routes задаёт, куда уходит каждый тип сообщения.
var routes = map[MessageType]route{
	MessageTypeChangeNew:            {ExchangeChanges, RoutingKeyChangeNew},
	MessageTypeBuildRequestNew:      {ExchangeBuildRequests, RoutingKeyBuildRequestNew},
	MessageTypeBuildRequestComplete: {ExchangeBuildRequests, RoutingKeyBuildRequestComplete},
	MessageTypeBuildsetComplete:     {ExchangeBuildsets, RoutingKeyBuildsetComplete},
	MessageTypeBuildRequestCancel:   {ExchangeControl, RoutingKeyBuildRequestCancel},
}

// Publish отправляет msg в exchange с routingKey.
// Сообщение persistent и переживает рестарт брокера.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	err = p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         string(msg.Type),
			AppId:        connectionName,
			Body:         body,
		})
	})
	if err != nil {
		telemetry.MQMessages.WithLabelValues(string(exchange), "publish_error").Inc()
		return fmt.Errorf("publish %s to %s/%s: %w", msg.Type, exchange, routingKey, err)
	}

	telemetry.MQMessages.WithLabelValues(string(exchange), "published").Inc()
	p.logger.Debug("published message", "exchange", exchange, "routing_key", routingKey, "message_id", msg.ID, "type", msg.Type)
	return nil
}

// send публикует payload по маршруту своего типа.
func (p *Publisher) send(ctx context.Context, msgType MessageType, payload any) error {
	r, ok := routes[msgType]
	if !ok {
		return fmt.Errorf("no route for message type %q", msgType)
	}
	return p.Publish(ctx, r.exchange, r.key, NewMessage(msgType, payload))
}

// PublishChange сообщает canceller о новом коммите.
func (p *Publisher) PublishChange(ctx context.Context, change domain.Change) error {
	return p.send(ctx, MessageTypeChangeNew, ChangeNewPayload{Change: change})
}

// PublishBuildRequestNew сообщает canceller о новом build request.
func (p *Publisher) PublishBuildRequestNew(ctx context.Context, payload BuildRequestNewPayload) error {
	return p.send(ctx, MessageTypeBuildRequestNew, payload)
}

// PublishBuildRequestComplete сообщает canceller и completer
// о завершении build request.
func (p *Publisher) PublishBuildRequestComplete(ctx context.Context, payload BuildRequestCompletePayload) error {
	return p.send(ctx, MessageTypeBuildRequestComplete, payload)
}

// PublishBuildsetComplete сообщает triggerable schedulers о завершении buildset.
func (p *Publisher) PublishBuildsetComplete(ctx context.Context, payload BuildsetCompletePayload) error {
	return p.send(ctx, MessageTypeBuildsetComplete, payload)
}

// PublishCancelBuildRequest отправляет build engine команду отмены.
func (p *Publisher) PublishCancelBuildRequest(ctx context.Context, id domain.BuildRequestID, reason string) error {
	return p.send(ctx, MessageTypeBuildRequestCancel, CancelBuildRequestPayload{BuildRequestID: id, Reason: reason})
}
