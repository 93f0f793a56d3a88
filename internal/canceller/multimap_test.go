package canceller

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMultimap_InsertDedupsKeys(t *testing.T) {
	m := newMultimap[string, int]()

	if err := m.Insert(1, []string{"x", "y", "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"x", "y"}, m.Keys(1)); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if m.KeyCount() != 2 {
		t.Errorf("expected 2 buckets, got %d", m.KeyCount())
	}

	// Без ключей значение не регистрируется
	if err := m.Insert(2, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Has(2) {
		t.Error("value without keys must not be stored")
	}

	if err := m.Insert(1, []string{"z"}); !errors.Is(err, ErrAlreadyTracked) {
		t.Errorf("expected ErrAlreadyTracked, got %v", err)
	}
}

func TestMultimap_RemoveKey(t *testing.T) {
	m := newMultimap[string, int]()
	_ = m.Insert(3, []string{"x"})
	_ = m.Insert(1, []string{"x", "y"})
	_ = m.Insert(2, []string{"y"})

	removed, err := m.RemoveKey("x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]int{1, 3}, removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2}, m.Values("y")); diff != "" {
		t.Errorf("bucket y mismatch (-want +got):\n%s", diff)
	}
	if err := m.verify(); err != nil {
		t.Fatal(err)
	}

	// Отсутствующий ключ
	if removed, err := m.RemoveKey("nope"); removed != nil || err != nil {
		t.Errorf("expected nothing, got %v, %v", removed, err)
	}
}

func TestMultimap_RemoveReportsMissingBucket(t *testing.T) {
	m := newMultimap[string, int]()
	_ = m.Insert(1, []string{"x", "y"})
	delete(m.byKey, "y")

	ok, err := m.Remove(1)
	if !ok {
		t.Error("value should be reported as removed")
	}
	if !errors.Is(err, ErrIndexCorrupted) {
		t.Errorf("expected ErrIndexCorrupted, got %v", err)
	}
	if m.Has(1) || m.KeyCount() != 0 {
		t.Error("value must be removed from all remaining buckets")
	}
}

func TestMultimap_VerifyDetectsEmptyBucket(t *testing.T) {
	m := newMultimap[string, int]()
	m.byKey["x"] = map[int]struct{}{}

	if err := m.verify(); !errors.Is(err, ErrIndexCorrupted) {
		t.Errorf("expected ErrIndexCorrupted, got %v", err)
	}
}
