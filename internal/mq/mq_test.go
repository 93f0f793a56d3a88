package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
)

func TestSubscriberQueue(t *testing.T) {
	got := SubscriberQueue("canceller.main", RoutingKeyChangeNew)
	if got != "canceller.main.change.new" {
		t.Errorf("unexpected queue name %q", got)
	}
}

func TestSubscriberQueueArgs_Quorum(t *testing.T) {
	// Attempt опирается на x-delivery-count, который ведут только quorum-очереди
	if got := subscriberQueueArgs["x-queue-type"]; got != "quorum" {
		t.Errorf("expected quorum subscriber queues, got %v", got)
	}
}

func TestParsePayload_RoundTripThroughWire(t *testing.T) {
	payload := BuildRequestNewPayload{
		BuildRequestID: 11,
		BuildsetID:     3,
		BuilderID:      77,
		BuilderName:    "linux",
		SourceStamps: []domain.SourceStamp{
			{Project: "p", Codebase: "c", Repository: "r", Branch: "main"},
		},
	}
	msg := NewMessage(MessageTypeBuildRequestNew, payload)

	// Сообщение проходит через JSON, как в consumer
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var received Message
	if err := json.Unmarshal(body, &received); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ParsePayload[BuildRequestNewPayload](&received)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if received.Type != MessageTypeBuildRequestNew {
		t.Errorf("unexpected type %q", received.Type)
	}
}

func TestParsePayload_ChangeIsFlat(t *testing.T) {
	raw := `{"id":"1","type":"change.new","payload":{"change_id":5,"project":"p","branch":"main"}}`

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := ParsePayload[ChangeNewPayload](&msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ChangeID != 5 || got.Branch != "main" {
		t.Errorf("unexpected change %+v", got.Change)
	}
}

// fakeCancelPublisher падает заданное количество раз.
type fakeCancelPublisher struct {
	failures int
	calls    int
	reasons  []string
}

func (f *fakeCancelPublisher) PublishCancelBuildRequest(_ context.Context, _ domain.BuildRequestID, reason string) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	f.reasons = append(f.reasons, reason)
	return nil
}

func TestController_Retries(t *testing.T) {
	pub := &fakeCancelPublisher{failures: 2}
	c := NewController(ControllerConfig{Publisher: pub, Attempts: 3, Delay: time.Millisecond})

	if err := c.CancelBuildRequest(context.Background(), 7, "obsolete"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.calls != 3 {
		t.Errorf("expected 3 calls, got %d", pub.calls)
	}
	if diff := cmp.Diff([]string{"obsolete"}, pub.reasons); diff != "" {
		t.Errorf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestController_GivesUp(t *testing.T) {
	pub := &fakeCancelPublisher{failures: 10}
	c := NewController(ControllerConfig{Publisher: pub, Attempts: 2, Delay: time.Millisecond})

	if err := c.CancelBuildRequest(context.Background(), 7, "obsolete"); err == nil {
		t.Fatal("expected error")
	}
	if pub.calls != 2 {
		t.Errorf("expected 2 calls, got %d", pub.calls)
	}
}

func TestParsePayload_RawEnvelope(t *testing.T) {
	raw := `{"id":"2","type":"buildset.complete","payload":{"buildset_id":9,"results":2}}`

	// consumer оставляет payload необработанным
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := env.Message
	msg.Payload = env.Payload

	got, err := ParsePayload[BuildsetCompletePayload](&msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := BuildsetCompletePayload{BuildsetID: 9, Results: domain.ResultFailure}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if msg.Type != MessageTypeBuildsetComplete || msg.ID != "2" {
		t.Errorf("unexpected envelope %+v", msg)
	}

	// payload другого формата
	msg.Payload = json.RawMessage(`[1, 2]`)
	if _, err := ParsePayload[BuildsetCompletePayload](&msg); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestDelivery_Attempt(t *testing.T) {
	tests := []struct {
		name     string
		delivery amqp.Delivery
		want     int
	}{
		{name: "first", want: 1},
		{name: "redelivered", delivery: amqp.Delivery{Redelivered: true}, want: 2},
		{name: "quorum count", delivery: amqp.Delivery{Redelivered: true, Headers: amqp.Table{"x-delivery-count": int64(4)}}, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Delivery{Raw: tt.delivery}
			if got := d.Attempt(); got != tt.want {
				t.Errorf("Attempt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRoutes_CoverAllMessageTypes(t *testing.T) {
	types := []MessageType{
		MessageTypeChangeNew,
		MessageTypeBuildRequestNew,
		MessageTypeBuildRequestComplete,
		MessageTypeBuildsetComplete,
		MessageTypeBuildRequestCancel,
	}
	for _, typ := range types {
		r, ok := routes[typ]
		if !ok {
			t.Errorf("no route for %s", typ)
			continue
		}
		if r.exchange == "" || r.key == "" {
			t.Errorf("incomplete route for %s: %+v", typ, r)
		}
	}

	// событие о завершении build request уходит туда же, где его ждут consumers
	if r := routes[MessageTypeBuildRequestComplete]; r.exchange != ExchangeBuildRequests || r.key != RoutingKeyBuildRequestComplete {
		t.Errorf("unexpected route %+v", r)
	}
}
