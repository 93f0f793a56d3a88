package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
//
// События (changes, buildrequests, buildsets) публикуются в topic exchanges:
// у каждого подписчика своя очередь. Команды (control) — в direct exchange.
const (
	ExchangeChanges       Exchange = "conveyor.changes"
	ExchangeBuildRequests Exchange = "conveyor.buildrequests"
	ExchangeBuildsets     Exchange = "conveyor.buildsets"
	ExchangeControl       Exchange = "conveyor.control"
	ExchangeDLQ           Exchange = "conveyor.dlq"
)

// Queues — имена очередей.
const (
	// QueueControlCancel — команды отмены build requests.
	// Потребитель: build engine (вне этого модуля).
	QueueControlCancel Queue = "control.buildrequests.cancel"

	// QueueDLQControl — DLQ для команд.
	QueueDLQControl Queue = "dlq.control"
)

// Routing keys.
const (
	RoutingKeyChangeNew            RoutingKey = "change.new"
	RoutingKeyBuildRequestNew      RoutingKey = "buildrequest.new"
	RoutingKeyBuildRequestComplete RoutingKey = "buildrequest.complete"
	RoutingKeyBuildsetComplete     RoutingKey = "buildset.complete"
	RoutingKeyBuildRequestCancel   RoutingKey = "buildrequest.cancel"
	RoutingKeyDLQControl           RoutingKey = "control"
)

// SetupTopology объявляет exchanges и общие очереди.
// Очереди подписчиков объявляются через DeclareSubscriberQueue.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Создаём queues
		if err := declareQueues(ch); err != nil {
			return err
		}

		// 3. Привязываем queues к exchanges
		if err := bindQueues(ch); err != nil {
			return err
		}

		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeChanges, "topic"},
		{ExchangeBuildRequests, "topic"},
		{ExchangeBuildsets, "topic"},
		{ExchangeControl, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт общие очереди.
func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQControl),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// команды отмены — с DLQ
		{QueueControlCancel, dlqArgs},
		{QueueDLQControl, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает общие очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueControlCancel, RoutingKeyBuildRequestCancel, ExchangeControl},
		{QueueDLQControl, RoutingKeyDLQControl, ExchangeDLQ},
	}

	for _, b := range bindings {
		if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// Subscription — подписка сервиса на события одного exchange.
type Subscription struct {
	Exchange   Exchange
	RoutingKey RoutingKey
}

// SubscriberQueue возвращает имя очереди подписчика:
// "<subscriber>.<routing key>", например "canceller.main.change.new".
func SubscriberQueue(subscriber string, key RoutingKey) Queue {
	return Queue(subscriber + "." + string(key))
}

// subscriberQueueArgs — очереди подписчиков quorum: брокер ведёт
// x-delivery-count, по которому Consumer ограничивает повторы.
var subscriberQueueArgs = amqp.Table{"x-queue-type": "quorum"}

// DeclareSubscriberQueue объявляет durable очередь подписчика
// и привязывает её к exchange.
func DeclareSubscriberQueue(ctx context.Context, conn *Connection, subscriber string, sub Subscription) (Queue, error) {
	queue := SubscriberQueue(subscriber, sub.RoutingKey)
	if err := DeclareMergedQueue(ctx, conn, queue, sub); err != nil {
		return "", err
	}
	return queue, nil
}

// DeclareMergedQueue объявляет одну durable очередь, привязанную
// ко всем subs. События разных exchanges попадают в неё в порядке
// прихода на брокер, и один consumer получает их в этом порядке.
func DeclareMergedQueue(ctx context.Context, conn *Connection, queue Queue, subs ...Subscription) error {
	if len(subs) == 0 {
		return fmt.Errorf("queue %s: no subscriptions", queue)
	}
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(string(queue), true, false, false, false, subscriberQueueArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		for _, sub := range subs {
			if err := ch.QueueBind(string(queue), string(sub.RoutingKey), string(sub.Exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s/%s: %w", queue, sub.Exchange, sub.RoutingKey, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.changes (topic)               ┐
    conveyor.buildrequests (topic)         ├── canceller.<name>.events
      change.new, buildrequest.new,        ┘     Consumer: canceller (one, in order)
      buildrequest.complete
    └── buildsets.completer.buildrequest.complete
                                            Consumer: buildset completer

    conveyor.buildsets (topic)
    └── <subscriber>.buildset.complete       Consumer: triggerable schedulers

    conveyor.control (direct)
    └── control.buildrequests.cancel [routing: buildrequest.cancel]
            Consumer: build engine
            DLQ: dlq.control
  `
}

// DeclareExclusiveQueue объявляет временную очередь с именем от сервера
// (exclusive, auto-delete) и привязывает её к exchange.
// Используется короткоживущими процессами (conveyor-cli).
func DeclareExclusiveQueue(ctx context.Context, conn *Connection, sub Subscription) (Queue, error) {
	var queue Queue
	err := conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return fmt.Errorf("declare exclusive queue: %w", err)
		}
		if err := ch.QueueBind(q.Name, string(sub.RoutingKey), string(sub.Exchange), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q.Name, sub.Exchange, err)
		}
		queue = Queue(q.Name)
		return nil
	})
	if err != nil {
		return "", err
	}
	return queue, nil
}
