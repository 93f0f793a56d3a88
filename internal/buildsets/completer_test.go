package buildsets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
)

type fakeCompletionStore struct {
	result   domain.Result
	finished bool
	err      error
	calls    []domain.BuildsetID
}

func (s *fakeCompletionStore) CompleteIfFinished(_ context.Context, id domain.BuildsetID) (domain.Result, bool, error) {
	s.calls = append(s.calls, id)
	return s.result, s.finished, s.err
}

type fakeCompletionPublisher struct {
	payloads []mq.BuildsetCompletePayload
	err      error
}

func (p *fakeCompletionPublisher) PublishBuildsetComplete(_ context.Context, payload mq.BuildsetCompletePayload) error {
	p.payloads = append(p.payloads, payload)
	return p.err
}

func newCompleter(store *fakeCompletionStore, pub *fakeCompletionPublisher) *Completer {
	return NewCompleter(CompleterConfig{
		Store:     store,
		Publisher: pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestCompleter_PublishesWhenFinished(t *testing.T) {
	store := &fakeCompletionStore{result: domain.ResultFailure, finished: true}
	pub := &fakeCompletionPublisher{}
	c := newCompleter(store, pub)

	if err := c.OnBuildRequestComplete(context.Background(), 7); err != nil {
		t.Fatalf("OnBuildRequestComplete: %v", err)
	}

	want := []mq.BuildsetCompletePayload{{BuildsetID: 7, Results: domain.ResultFailure}}
	if diff := cmp.Diff(want, pub.payloads); diff != "" {
		t.Errorf("payloads mismatch (-want +got):\n%s", diff)
	}
}

func TestCompleter_PendingRequests(t *testing.T) {
	store := &fakeCompletionStore{finished: false}
	pub := &fakeCompletionPublisher{}
	c := newCompleter(store, pub)

	if err := c.OnBuildRequestComplete(context.Background(), 7); err != nil {
		t.Fatalf("OnBuildRequestComplete: %v", err)
	}
	if len(store.calls) != 1 {
		t.Errorf("expected 1 store call, got %d", len(store.calls))
	}
	if len(pub.payloads) != 0 {
		t.Errorf("nothing must be published while requests are pending, got %+v", pub.payloads)
	}
}

func TestCompleter_StoreError(t *testing.T) {
	storeErr := errors.New("db down")
	store := &fakeCompletionStore{err: storeErr}
	pub := &fakeCompletionPublisher{}
	c := newCompleter(store, pub)

	// ошибка хранилища возвращается, чтобы сообщение было доставлено повторно
	if err := c.OnBuildRequestComplete(context.Background(), 3); !errors.Is(err, storeErr) {
		t.Errorf("expected store error, got %v", err)
	}
	if len(pub.payloads) != 0 {
		t.Errorf("nothing must be published on error, got %+v", pub.payloads)
	}
}

func TestCompleter_UnknownBuildset(t *testing.T) {
	store := &fakeCompletionStore{err: fmt.Errorf("lock buildset: %w", repo.ErrNotFound)}
	pub := &fakeCompletionPublisher{}
	c := newCompleter(store, pub)

	// повторная доставка не поможет, сообщение подтверждается
	if err := c.OnBuildRequestComplete(context.Background(), 404); err != nil {
		t.Errorf("unknown buildset must not be retried, got %v", err)
	}
	if len(pub.payloads) != 0 {
		t.Errorf("nothing must be published, got %+v", pub.payloads)
	}
}

func TestCompleter_PublishErrorIsLogged(t *testing.T) {
	store := &fakeCompletionStore{result: domain.ResultSuccess, finished: true}
	pub := &fakeCompletionPublisher{err: errors.New("broker down")}
	c := newCompleter(store, pub)

	if err := c.OnBuildRequestComplete(context.Background(), 5); err != nil {
		t.Errorf("publish error must not be returned, got %v", err)
	}
}

func TestCompleter_HandleDelivery(t *testing.T) {
	store := &fakeCompletionStore{result: domain.ResultWarnings, finished: true}
	pub := &fakeCompletionPublisher{}
	c := newCompleter(store, pub)

	msg := mq.NewMessage(mq.MessageTypeBuildRequestComplete, mq.BuildRequestCompletePayload{
		BuildRequestID: 11,
		BuildsetID:     4,
		Results:        domain.ResultWarnings,
	})
	if err := c.handleBuildRequestComplete(context.Background(), &mq.Delivery{Message: *msg}); err != nil {
		t.Fatalf("handleBuildRequestComplete: %v", err)
	}
	if diff := cmp.Diff([]domain.BuildsetID{4}, store.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if len(pub.payloads) != 1 || pub.payloads[0].Results != domain.ResultWarnings {
		t.Errorf("unexpected payloads: %+v", pub.payloads)
	}
}

func TestCompleter_StartWithoutConn(t *testing.T) {
	c := newCompleter(&fakeCompletionStore{}, &fakeCompletionPublisher{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()
}
