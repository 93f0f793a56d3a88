package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWorstOf(t *testing.T) {
	tests := []struct {
		a, b     Result
		expected Result
	}{
		{ResultSuccess, ResultSuccess, ResultSuccess},
		{ResultSuccess, ResultWarnings, ResultWarnings},
		{ResultFailure, ResultWarnings, ResultFailure},
		{ResultFailure, ResultException, ResultException},
		{ResultCancelled, ResultException, ResultCancelled},
		{ResultRetry, ResultCancelled, ResultRetry},
		{ResultSkipped, ResultSuccess, ResultSuccess},
		{ResultSkipped, ResultSkipped, ResultSkipped},
	}

	for _, tt := range tests {
		if got := WorstOf(tt.a, tt.b); got != tt.expected {
			t.Errorf("WorstOf(%s, %s) = %s, expected %s", tt.a, tt.b, got, tt.expected)
		}
		// Порядок аргументов не важен
		if got := WorstOf(tt.b, tt.a); got != tt.expected {
			t.Errorf("WorstOf(%s, %s) = %s, expected %s", tt.b, tt.a, got, tt.expected)
		}
	}
}

func TestResult_Words(t *testing.T) {
	for r := ResultSuccess; r <= ResultCancelled; r++ {
		if !r.IsValid() {
			t.Errorf("%d should be valid", r)
		}
		parsed, err := ParseResult(strings.ToUpper(r.String()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if parsed != r {
			t.Errorf("expected %s, got %s", r, parsed)
		}
	}

	if Result(42).IsValid() {
		t.Error("42 should not be valid")
	}
	if _, err := ParseResult("great"); err == nil {
		t.Error("expected error for unknown word")
	}
}

func TestSortByCodebase(t *testing.T) {
	stamps := []SourceStamp{
		{Codebase: "web", Branch: "main"},
		{Codebase: "", Branch: "dev"},
		{Codebase: "api"},
	}
	SortByCodebase(stamps)

	var got []string
	for _, s := range stamps {
		got = append(got, s.Codebase)
	}
	if diff := cmp.Diff([]string{"", "api", "web"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	if stamps[1].HasBranch() {
		t.Error("api stamp has no branch")
	}
}

func TestConfigErrors(t *testing.T) {
	errs := ConfigErrors{Component: "trigger"}
	if errs.Err() != nil {
		t.Fatal("empty ConfigErrors should produce nil")
	}

	errs.Add("schedulerNames is required")
	errs.Addf("unknown scheduler %q", "x")

	err := errs.Err()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if len(cfgErr.Problems) != 2 {
		t.Errorf("expected 2 problems, got %d", len(cfgErr.Problems))
	}
	if !strings.Contains(err.Error(), "for trigger") {
		t.Errorf("error should name component: %v", err)
	}
}
