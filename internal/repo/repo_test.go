package repo

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shaiso/Conveyor/internal/domain"
)

func TestDecodeStamps(t *testing.T) {
	data := []byte(`[{"project":"p","codebase":"app","repository":"git://app","branch":"main","revision":"abc"},{"codebase":"lib"}]`)

	got, err := decodeStamps(data)
	if err != nil {
		t.Fatalf("decodeStamps: %v", err)
	}
	want := []domain.SourceStamp{
		{Project: "p", Codebase: "app", Repository: "git://app", Branch: "main", Revision: "abc"},
		{Codebase: "lib"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stamps mismatch (-want +got):\n%s", diff)
	}

	// пустое значение — нет stamps
	if got, err := decodeStamps(nil); err != nil || got != nil {
		t.Errorf("decodeStamps(nil) = %v, %v", got, err)
	}

	if _, err := decodeStamps([]byte(`{"broken"`)); err == nil {
		t.Error("expected error for broken json")
	}
}

func TestToResult(t *testing.T) {
	if toResult(nil) != nil {
		t.Error("NULL results must stay nil")
	}
	v := int32(domain.ResultFailure)
	if got := toResult(&v); got == nil || *got != domain.ResultFailure {
		t.Errorf("toResult = %v, want FAILURE", got)
	}
}

func TestNonNil(t *testing.T) {
	if nonNilStamps(nil) == nil {
		t.Error("nil stamps must become an empty slice")
	}
	if nonNilProps(nil) == nil {
		t.Error("nil properties must become an empty map")
	}
}

func TestIsLockConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "wrapped serialization failure", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "40001"}), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}},
		{name: "not a pg error", err: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLockConflict(tt.err); got != tt.want {
				t.Errorf("isLockConflict = %v, want %v", got, tt.want)
			}
		})
	}
}
