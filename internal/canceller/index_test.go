package canceller

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/ssfilter"
)

func stamp(codebase, branch string) domain.SourceStamp {
	return domain.SourceStamp{Project: "p", Codebase: codebase, Repository: "r", Branch: branch}
}

func change(codebase, branch string) domain.Change {
	return domain.Change{Project: "p", Codebase: codebase, Repository: "r", Branch: branch}
}

// newTestIndex создаёт индекс с фильтром "всё" для builders a и b.
func newTestIndex(t *testing.T) (*Index, *[]domain.BuildRequestID) {
	t.Helper()
	var cancelled []domain.BuildRequestID
	fs, err := NewFilterSet([]FilterTuple{{Builders: []string{"a", "b"}, Filter: ssfilter.MatchAll()}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ix := NewIndex(fs, nil, func(id domain.BuildRequestID) {
		cancelled = append(cancelled, id)
	})
	return ix, &cancelled
}

func TestDefaultBranchKey(t *testing.T) {
	tests := []struct {
		branch   string
		expected string
	}{
		{"refs/changes/12/3456/7", "refs/changes/12/3456"},
		{"refs/changes/12/3456/8", "refs/changes/12/3456"},
		{"refs/changes/12/3456", "refs/changes/12/3456"},
		{"refs/changes/ab/cd/1", "refs/changes/ab/cd/1"},
		{"main", "main"},
		{"feature/refs/changes/1/2/3", "feature/refs/changes/1/2/3"},
	}

	for _, tt := range tests {
		if got := DefaultBranchKey(tt.branch); got != tt.expected {
			t.Errorf("DefaultBranchKey(%q) = %q, expected %q", tt.branch, got, tt.expected)
		}
	}
}

func TestBranchKeyByName(t *testing.T) {
	fn, err := BranchKeyByName("none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fn("refs/changes/1/2/3") != "refs/changes/1/2/3" {
		t.Error("none strategy should not change branch")
	}

	if _, err := BranchKeyByName("fancy"); !errors.Is(err, ErrUnknownBranchKey) {
		t.Errorf("expected ErrUnknownBranchKey, got %v", err)
	}
}

func TestCheckFilters(t *testing.T) {
	err := CheckFilters([]FilterTuple{
		{Builders: nil, Filter: ssfilter.MatchAll()},
		{Builders: []string{"a"}, Filter: nil},
	})
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	var cfgErr *domain.ConfigError
	if errors.As(err, &cfgErr) && len(cfgErr.Problems) != 2 {
		t.Errorf("expected 2 problems, got %v", cfgErr.Problems)
	}
}

func TestIndex_NewAndChange(t *testing.T) {
	ix, cancelled := newTestIndex(t)

	// Два build request на одной ветке, один на другой
	mustTrack(t, ix, 1, "a", stamp("c", "main"))
	mustTrack(t, ix, 2, "b", stamp("c", "main"))
	mustTrack(t, ix, 3, "a", stamp("c", "dev"))

	ids, err := ix.OnChange(change("c", "main"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff([]domain.BuildRequestID{1, 2}, ids); diff != "" {
		t.Errorf("cancelled ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]domain.BuildRequestID{1, 2}, *cancelled); diff != "" {
		t.Errorf("callback ids mismatch (-want +got):\n%s", diff)
	}
	if !ix.IsTracked(3) || ix.Len() != 1 {
		t.Error("build request on dev must stay tracked")
	}

	// Повторный коммит в ту же ветку ничего не отменяет
	ids, _ = ix.OnChange(change("c", "main"))
	if len(ids) != 0 {
		t.Errorf("expected nothing, got %v", ids)
	}
	assertInvariants(t, ix)
}

func TestIndex_PatchsetsShareBranch(t *testing.T) {
	ix, _ := newTestIndex(t)

	mustTrack(t, ix, 1, "a", stamp("c", "refs/changes/12/3456/1"))

	ids, _ := ix.OnChange(change("c", "refs/changes/12/3456/2"))
	if diff := cmp.Diff([]domain.BuildRequestID{1}, ids); diff != "" {
		t.Errorf("cancelled ids mismatch (-want +got):\n%s", diff)
	}
}

func TestIndex_MissingBranchIsAllOrNothing(t *testing.T) {
	ix, _ := newTestIndex(t)

	tracked, err := ix.OnNewBuildRequest(1, "a", []domain.SourceStamp{
		stamp("c1", "main"),
		stamp("c2", ""),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracked || ix.IsTracked(1) {
		t.Error("build request with a branchless stamp must not be tracked")
	}
}

func TestIndex_UnmatchedBuilder(t *testing.T) {
	ix, _ := newTestIndex(t)

	tracked, _ := ix.OnNewBuildRequest(1, "other", []domain.SourceStamp{stamp("c", "main")})
	if tracked {
		t.Error("builder without filters must not be tracked")
	}
	if ix.IsMatched("other", stamp("c", "main")) {
		t.Error("IsMatched should be false for unknown builder")
	}
}

func TestIndex_MultiCodebase(t *testing.T) {
	fs, _ := NewFilterSet([]FilterTuple{{
		Builders: []string{"a"},
		Filter:   ssfilter.MustCompile(ssfilter.Spec{Codebase: ssfilter.ValueFilter{NotEq: []string{"lib"}}}),
	}})
	ix := NewIndex(fs, nil, nil)

	// Только совпавшие stamps дают ключи
	tracked, err := ix.OnNewBuildRequest(1, "a", []domain.SourceStamp{
		stamp("app", "main"),
		stamp("web", "main"),
		stamp("lib", "main"),
	})
	if err != nil || !tracked {
		t.Fatalf("expected tracked, err=%v", err)
	}
	if len(ix.Keys(1)) != 2 {
		t.Errorf("expected 2 keys, got %v", ix.Keys(1))
	}

	// Коммит в lib не отменяет
	if ids, _ := ix.OnChange(change("lib", "main")); len(ids) != 0 {
		t.Errorf("expected nothing, got %v", ids)
	}

	// Коммит в web отменяет и чистит ключ app
	ids, err := ix.OnChange(change("web", "main"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]domain.BuildRequestID{1}, ids); diff != "" {
		t.Errorf("cancelled ids mismatch (-want +got):\n%s", diff)
	}
	if ix.tracked.KeyCount() != 0 {
		t.Errorf("all buckets should be gone, got %d", ix.tracked.KeyCount())
	}
}

func TestIndex_Complete(t *testing.T) {
	ix, cancelled := newTestIndex(t)

	mustTrack(t, ix, 1, "a", stamp("c", "main"))

	if err := ix.OnCompleteBuildRequest(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Повторное завершение и неизвестный id — no-op
	if err := ix.OnCompleteBuildRequest(1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ix.OnCompleteBuildRequest(99); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if ids, _ := ix.OnChange(change("c", "main")); len(ids) != 0 {
		t.Errorf("completed request must not be cancelled, got %v", ids)
	}
	if len(*cancelled) != 0 {
		t.Errorf("no callbacks expected, got %v", *cancelled)
	}
}

func TestIndex_DuplicateNew(t *testing.T) {
	ix, _ := newTestIndex(t)

	mustTrack(t, ix, 1, "a", stamp("c", "main"))
	_, err := ix.OnNewBuildRequest(1, "a", []domain.SourceStamp{stamp("c", "dev")})
	if !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("expected ErrAlreadyTracked, got %v", err)
	}
	// Старые ключи не тронуты
	if diff := cmp.Diff([]SourceStampKey{{Project: "p", Codebase: "c", Repository: "r", Branch: "main"}}, ix.Keys(1)); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestIndex_CorruptionIsReported(t *testing.T) {
	ix, cancelled := newTestIndex(t)

	mustTrack(t, ix, 1, "a", stamp("c1", "main"), stamp("c2", "main"))

	// Ломаем индекс: удаляем корзину второго ключа
	delete(ix.tracked.byKey, SourceStampKey{Project: "p", Codebase: "c2", Repository: "r", Branch: "main"})

	ids, err := ix.OnChange(change("c1", "main"))
	if !errors.Is(err, ErrIndexCorrupted) {
		t.Fatalf("expected ErrIndexCorrupted, got %v", err)
	}
	// Отмена всё равно выполнена
	if diff := cmp.Diff([]domain.BuildRequestID{1}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if len(*cancelled) != 1 {
		t.Errorf("expected 1 callback, got %v", *cancelled)
	}
}

func TestIndex_ReconfigureKeepsTracked(t *testing.T) {
	ix, _ := newTestIndex(t)
	mustTrack(t, ix, 1, "a", stamp("c", "refs/changes/1/2/3"))

	// Новые правила: ничего не отслеживать, ключ ветки как есть
	ix.Reconfigure(nil, IdentityBranchKey)

	if tracked, _ := ix.OnNewBuildRequest(2, "a", []domain.SourceStamp{stamp("c", "main")}); tracked {
		t.Error("new requests follow new filters")
	}
	if !ix.IsTracked(1) {
		t.Error("already tracked request must stay")
	}
}

// Случайные последовательности операций сохраняют инварианты.
func TestIndex_RandomInterleavings(t *testing.T) {
	branches := []string{"main", "dev", "refs/changes/1/2/1", "refs/changes/1/2/2", "refs/changes/3/4/1"}
	codebases := []string{"app", "lib"}

	for seed := range uint64(50) {
		rng := rand.New(rand.NewPCG(seed, seed*7+1))
		ix, cancelled := newTestIndex(t)

		live := map[domain.BuildRequestID]bool{}
		nextID := domain.BuildRequestID(1)

		for step := 0; step < 300; step++ {
			switch rng.IntN(3) {
			case 0:
				var stamps []domain.SourceStamp
				for _, cb := range codebases {
					if rng.IntN(2) == 0 {
						stamps = append(stamps, stamp(cb, branches[rng.IntN(len(branches))]))
					}
				}
				tracked, err := ix.OnNewBuildRequest(nextID, "a", stamps)
				if err != nil {
					t.Fatalf("seed %d: unexpected error: %v", seed, err)
				}
				if tracked {
					live[nextID] = true
				}
				nextID++

			case 1:
				if nextID > 1 {
					id := domain.BuildRequestID(rng.IntN(int(nextID)-1) + 1)
					if err := ix.OnCompleteBuildRequest(id); err != nil {
						t.Fatalf("seed %d: unexpected error: %v", seed, err)
					}
					delete(live, id)
				}

			case 2:
				*cancelled = (*cancelled)[:0]
				ch := change(codebases[rng.IntN(len(codebases))], branches[rng.IntN(len(branches))])
				key := ix.key(ch.SourceStamp())

				// Ожидаемые ids: живые запросы с этим ключом
				var want []domain.BuildRequestID
				for id := range live {
					if slices.Contains(ix.Keys(id), key) {
						want = append(want, id)
					}
				}
				slices.Sort(want)

				ids, err := ix.OnChange(ch)
				if err != nil {
					t.Fatalf("seed %d: unexpected error: %v", seed, err)
				}
				if !slices.Equal(want, ids) || !slices.Equal(want, *cancelled) {
					t.Fatalf("seed %d: expected %v, got %v (callbacks %v)", seed, want, ids, *cancelled)
				}
				for _, id := range ids {
					delete(live, id)
				}
			}

			if err := ix.verify(); err != nil {
				t.Fatalf("seed %d step %d: %v", seed, step, err)
			}
			if ix.Len() != len(live) {
				t.Fatalf("seed %d step %d: expected %d tracked, got %d", seed, step, len(live), ix.Len())
			}
		}
	}
}

func mustTrack(t *testing.T, ix *Index, id domain.BuildRequestID, builder string, stamps ...domain.SourceStamp) {
	t.Helper()
	tracked, err := ix.OnNewBuildRequest(id, builder, stamps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tracked {
		t.Fatalf("build request %d should be tracked", id)
	}
}

func assertInvariants(t *testing.T, ix *Index) {
	t.Helper()
	if err := ix.verify(); err != nil {
		t.Fatal(err)
	}
}
