package ssfilter

import (
	"errors"
	"testing"

	"github.com/shaiso/Conveyor/internal/domain"
)

func TestFilter_Empty(t *testing.T) {
	f := MatchAll()
	if !f.IsMatched(domain.SourceStamp{Project: "p", Branch: "main"}) {
		t.Error("empty filter should match everything")
	}
}

func TestFilter_Fields(t *testing.T) {
	ss := domain.SourceStamp{
		Project:    "conveyor",
		Codebase:   "api",
		Repository: "https://example.com/conveyor.git",
		Branch:     "refs/changes/12/3456/2",
	}

	tests := []struct {
		name     string
		spec     Spec
		expected bool
	}{
		{
			name:     "project eq",
			spec:     Spec{Project: ValueFilter{Eq: []string{"other", "conveyor"}}},
			expected: true,
		},
		{
			name:     "project eq miss",
			spec:     Spec{Project: ValueFilter{Eq: []string{"other"}}},
			expected: false,
		},
		{
			name:     "codebase not_eq",
			spec:     Spec{Codebase: ValueFilter{NotEq: []string{"api"}}},
			expected: false,
		},
		{
			name:     "branch regex anchored",
			spec:     Spec{Branch: ValueFilter{Regex: []string{`refs/changes/`}}},
			expected: true,
		},
		{
			name:     "regex does not match in the middle",
			spec:     Spec{Branch: ValueFilter{Regex: []string{`changes/`}}},
			expected: false,
		},
		{
			name:     "branch not_regex",
			spec:     Spec{Branch: ValueFilter{NotRegex: []string{`refs/heads/`, `refs/changes/`}}},
			expected: false,
		},
		{
			name: "fields are ANDed",
			spec: Spec{
				Project: ValueFilter{Eq: []string{"conveyor"}},
				Branch:  ValueFilter{Eq: []string{"main"}},
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Compile(tt.spec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := f.IsMatched(ss); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestCompile_InvalidRegex(t *testing.T) {
	_, err := Compile(Spec{
		Branch:  ValueFilter{Regex: []string{"("}},
		Project: ValueFilter{NotRegex: []string{"[a-"}},
	})
	if !errors.Is(err, ErrInvalidRegex) {
		t.Fatalf("expected ErrInvalidRegex, got %v", err)
	}
}
