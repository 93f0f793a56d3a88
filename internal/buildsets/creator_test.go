package buildsets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
)

type fakeStore struct {
	requests []domain.BuildsetRequest
	err      error
}

func (s *fakeStore) Create(_ context.Context, req domain.BuildsetRequest) (domain.Buildset, error) {
	if s.err != nil {
		return domain.Buildset{}, s.err
	}
	s.requests = append(s.requests, req)
	bs := domain.Buildset{
		ID:              9,
		BuildRequestIDs: map[domain.BuilderID]domain.BuildRequestID{},
		BuilderNames:    map[domain.BuilderID]string{},
	}
	for i, name := range req.Builders {
		id := domain.BuilderID(i + 1)
		bs.BuildRequestIDs[id] = domain.BuildRequestID(100 + i)
		bs.BuilderNames[id] = name
	}
	return bs, nil
}

type fakePublisher struct {
	payloads []mq.BuildRequestNewPayload
	err      error
}

func (p *fakePublisher) PublishBuildRequestNew(_ context.Context, payload mq.BuildRequestNewPayload) error {
	p.payloads = append(p.payloads, payload)
	return p.err
}

func newCreator(store *fakeStore, pub *fakePublisher) *Creator {
	return New(Config{Store: store, Publisher: pub, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestCreator_PublishesBuildRequests(t *testing.T) {
	store, pub := &fakeStore{}, &fakePublisher{}
	c := newCreator(store, pub)

	stamps := []domain.SourceStamp{{Codebase: "app", Branch: "main"}}
	bs, err := c.AddBuildsetForSourceStamps(context.Background(), "nightly", "because", []string{"linux", "mac"}, stamps)
	if err != nil {
		t.Fatalf("AddBuildsetForSourceStamps: %v", err)
	}
	if bs.ID != 9 {
		t.Errorf("bsid = %d, want 9", bs.ID)
	}

	want := []mq.BuildRequestNewPayload{
		{BuildRequestID: 100, BuildsetID: 9, BuilderID: 1, BuilderName: "linux", SourceStamps: stamps},
		{BuildRequestID: 101, BuildsetID: 9, BuilderID: 2, BuilderName: "mac", SourceStamps: stamps},
	}
	if diff := cmp.Diff(want, pub.payloads); diff != "" {
		t.Errorf("payloads mismatch (-want +got):\n%s", diff)
	}

	if len(store.requests) != 1 || store.requests[0].Scheduler != "nightly" || store.requests[0].Reason != "because" {
		t.Errorf("unexpected store requests: %+v", store.requests)
	}
}

func TestCreator_StoreError(t *testing.T) {
	store, pub := &fakeStore{err: errors.New("database is down")}, &fakePublisher{}
	c := newCreator(store, pub)

	if _, err := c.AddBuildset(context.Background(), domain.BuildsetRequest{Builders: []string{"a"}}); err == nil {
		t.Fatal("expected error")
	}
	if len(pub.payloads) != 0 {
		t.Errorf("nothing must be published, got %d", len(pub.payloads))
	}
}

func TestCreator_PublishErrorKeepsBuildset(t *testing.T) {
	store, pub := &fakeStore{}, &fakePublisher{err: errors.New("channel closed")}
	c := newCreator(store, pub)

	bs, err := c.AddBuildset(context.Background(), domain.BuildsetRequest{Builders: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("AddBuildset: %v", err)
	}
	if len(bs.BuildRequestIDs) != 2 {
		t.Errorf("expected 2 build requests, got %v", bs.BuildRequestIDs)
	}
	// публикация пробуется для каждого build request
	if len(pub.payloads) != 2 {
		t.Errorf("expected 2 publish attempts, got %d", len(pub.payloads))
	}
}
