package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/trigger"
)

// run выполняет команду и возвращает stdout и stderr.
func run(t *testing.T, jsonMode bool, build func(func() *Output) *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	out := NewOutputTo(jsonMode, &stdout, &stderr)

	cmd := build(func() *Output { return out })
	cmd.SetArgs(args)
	cmd.SetOut(&stderr)
	cmd.SetErr(&stderr)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return v
}

func TestNextBuild(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want NextBuildResult
	}{
		{
			name: "daily",
			args: []string{"--hour", "3", "--timezone", "UTC", "--now", "2024-01-01T10:00:00Z", "-n", "2"},
			want: NextBuildResult{
				Expression: "0 3 * * *",
				Times:      []time.Time{mustTime(t, "2024-01-02T03:00:00Z"), mustTime(t, "2024-01-03T03:00:00Z")},
			},
		},
		{
			name: "days of week",
			// 2024-01-01 — понедельник
			args: []string{"--hour", "3", "--day-of-week", "mon,fri", "--timezone", "UTC", "--now", "2024-01-01T10:00:00Z", "-n", "2"},
			want: NextBuildResult{
				Expression: "0 3 * * 1,5",
				Times:      []time.Time{mustTime(t, "2024-01-05T03:00:00Z"), mustTime(t, "2024-01-08T03:00:00Z")},
			},
		},
		{
			name: "after last build",
			args: []string{"--minute", "30", "--timezone", "UTC", "--now", "2024-01-01T10:00:00Z", "--last", "2024-01-01T08:30:00Z"},
			want: NextBuildResult{
				Expression: "30 * * * *",
				Times:      []time.Time{mustTime(t, "2024-01-01T09:30:00Z")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := run(t, true, NewNextBuildCmd, tt.args...)
			if err != nil {
				t.Fatalf("next-build: %v", err)
			}
			var got NextBuildResult
			if err := json.Unmarshal([]byte(stdout), &got); err != nil {
				t.Fatalf("unmarshal %q: %v", stdout, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("next-build mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNextBuild_InvalidFlags(t *testing.T) {
	for _, args := range [][]string{
		{"--hour", "25"},
		{"--minute", "x"},
		{"--timezone", "Mars/Olympus"},
		{"--now", "yesterday"},
	} {
		if _, _, err := run(t, false, NewNextBuildCmd, args...); err == nil {
			t.Errorf("next-build %v: expected error", args)
		}
	}
}

func TestNextBuild_FromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	cfg := `
schedulers:
  - {name: nightly, kind: nightly, builders: [linux], hour: 1, minute: 15, timezone: UTC}
  - {name: deploy, kind: triggerable, builders: [deployer]}
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	stdout, _, err := run(t, false, NewNextBuildCmd, "--config", path, "--scheduler", "nightly", "--now", "2024-01-01T10:00:00Z", "--count", "2")
	if err != nil {
		t.Fatalf("next-build: %v", err)
	}
	// без --last первая сборка немедленная
	for _, want := range []string{"1  2024-01-01T10:00:00Z", "2  2024-01-02T01:15:00Z"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output lacks %q:\n%s", want, stdout)
		}
	}

	if _, _, err := run(t, false, NewNextBuildCmd, "--config", path, "--scheduler", "deploy"); err == nil {
		t.Error("triggerable scheduler has no calendar")
	}
}

func TestBranchKey(t *testing.T) {
	stdout, _, err := run(t, false, NewBranchKeyCmd, "refs/changes/12/3456/7", "main")
	if err != nil {
		t.Fatalf("branch-key: %v", err)
	}
	for _, want := range []string{"refs/changes/12/3456/7  refs/changes/12/3456", "main"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output lacks %q:\n%s", want, stdout)
		}
	}

	stdout, _, err = run(t, true, NewBranchKeyCmd, "--strategy", "none", "refs/changes/12/3456/7")
	if err != nil {
		t.Fatalf("branch-key: %v", err)
	}
	if !strings.Contains(stdout, `"key": "refs/changes/12/3456/7"`) {
		t.Errorf("identity key expected:\n%s", stdout)
	}

	if _, _, err := run(t, false, NewBranchKeyCmd, "--strategy", "gerrit", "main"); err == nil {
		t.Error("unknown strategy must fail")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(good, []byte("schedulers:\n  - {name: t, kind: triggerable, builders: [a]}\n"), 0o644)
	os.WriteFile(bad, []byte("schedulers:\n  - {name: p, kind: periodic, builders: [a], interval: often}\n"), 0o644)

	_, stderr, err := run(t, false, NewValidateCmd, good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(stderr, "ok (1 schedulers)") {
		t.Errorf("unexpected stderr: %s", stderr)
	}

	_, stderr, err = run(t, false, NewValidateCmd, good, bad, filepath.Join(dir, "missing.yaml"))
	if !errors.Is(err, ErrInvalidConfigFiles) {
		t.Fatalf("expected ErrInvalidConfigFiles, got %v", err)
	}
	if !strings.Contains(err.Error(), "2 of 3") {
		t.Errorf("unexpected error: %v", err)
	}
	if !strings.Contains(stderr, "Error: "+bad) {
		t.Errorf("bad file not reported: %s", stderr)
	}
}

func TestClient(t *testing.T) {
	var gotBody map[string]bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/schedulers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"name": "nightly", "kind": "Nightly", "builders": ["linux"], "enabled": true}], "total": 1}`))
	})
	mux.HandleFunc("PUT /api/v1/schedulers/{name}/enabled", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "nightly" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": {"code": "NOT_FOUND", "message": "scheduler not found"}}`))
			return
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"data": {"name": "nightly", "kind": "Nightly", "enabled": false}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL + "/")
	ctx := context.Background()

	// 1. список
	schedulers, err := client.ListSchedulers(ctx)
	if err != nil {
		t.Fatalf("ListSchedulers: %v", err)
	}
	want := []SchedulerResponse{{Name: "nightly", Kind: "Nightly", Builders: []string{"linux"}, Enabled: true}}
	if diff := cmp.Diff(want, schedulers); diff != "" {
		t.Errorf("schedulers mismatch (-want +got):\n%s", diff)
	}

	// 2. выключение
	s, err := client.SetSchedulerEnabled(ctx, "nightly", false)
	if err != nil {
		t.Fatalf("SetSchedulerEnabled: %v", err)
	}
	if s.Enabled || gotBody["enabled"] {
		t.Errorf("scheduler must be disabled: %+v, body %v", s, gotBody)
	}

	// 3. ошибка API
	_, err = client.SetSchedulerEnabled(ctx, "missing", true)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if !IsNotFound(err) || apiErr.Message != "scheduler not found" {
		t.Errorf("unexpected api error %+v", apiErr)
	}
}

func TestSchedulerListCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"name": "deploy", "kind": "Triggerable", "builders": ["a", "b"], "enabled": true, "pending": 2}], "total": 1}`))
	}))
	defer srv.Close()

	build := func(outputFn func() *Output) *cobra.Command {
		return NewSchedulerCmd(func() *Client { return NewClient(srv.URL) }, outputFn)
	}
	stdout, _, err := run(t, false, build, "list")
	if err != nil {
		t.Fatalf("scheduler list: %v", err)
	}
	for _, want := range []string{"NAME", "deploy", "a,b", "Triggerable"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output lacks %q:\n%s", want, stdout)
		}
	}
}

// fakeTarget — triggerable scheduler с заранее известным итогом.
type fakeTarget struct {
	bsid    domain.BuildsetID
	result  domain.Result
	gotReqs []domain.TriggerRequest
}

func (f *fakeTarget) Trigger(_ context.Context, req domain.TriggerRequest) (*domain.Triggered, error) {
	f.gotReqs = append(f.gotReqs, req)
	done := make(chan domain.BuildsetOutcome, 1)
	done <- domain.BuildsetOutcome{Result: f.result}
	return &domain.Triggered{
		BuildsetID:      f.bsid,
		BuildRequestIDs: map[domain.BuilderID]domain.BuildRequestID{1: 10},
		Done:            done,
	}, nil
}

func TestRunTrigger(t *testing.T) {
	target := &fakeTarget{bsid: 5, result: domain.ResultFailure}
	env := triggerEnv{
		baseURL: "https://ci.example.com",
		resolver: trigger.ResolverFunc(func(name string) (trigger.Target, error) {
			if name != "deploy" {
				return nil, errors.New("unknown")
			}
			return target, nil
		}),
	}

	var stdout, stderr bytes.Buffer
	out := NewOutputTo(false, &stdout, &stderr)

	opts := TriggerOptions{
		Schedulers: []string{"deploy"},
		Properties: []string{"env=staging", "note=a=b"},
		Stamp:      domain.SourceStamp{Codebase: "app", Branch: "main"},
	}
	outcome, err := runTrigger(context.Background(), out, env, opts)
	if err != nil {
		t.Fatalf("runTrigger: %v", err)
	}

	// 1. без ожидания итог — SUCCESS
	if outcome.Result != domain.ResultSuccess || outcome.Status != "triggered deploy" {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	if len(target.gotReqs) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(target.gotReqs))
	}
	req := target.gotReqs[0]
	if req.Properties["env"].Value != "staging" || req.Properties["note"].Value != "a=b" {
		t.Errorf("unexpected properties: %v", req.Properties)
	}
	if diff := cmp.Diff([]domain.SourceStamp{{Codebase: "app", Branch: "main"}}, req.SourceStamps); diff != "" {
		t.Errorf("stamps mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(stderr.String(), "https://ci.example.com/#/buildrequests/10") {
		t.Errorf("link not printed: %s", stderr.String())
	}

	// 2. с ожиданием итог берётся из buildset
	opts.Wait = true
	outcome, err = runTrigger(context.Background(), out, env, opts)
	if err != nil {
		t.Fatalf("runTrigger: %v", err)
	}
	if outcome.Result != domain.ResultFailure {
		t.Errorf("result = %s, want failure", outcome.Result)
	}
	if err := printOutcome(out, outcome); !errors.Is(err, ErrTriggerFailed) {
		t.Errorf("expected ErrTriggerFailed, got %v", err)
	}
	if !strings.Contains(stdout.String(), "deploy") {
		t.Errorf("buildsets not printed: %s", stdout.String())
	}
}

func TestParseProperties(t *testing.T) {
	got, err := parseProperties([]string{"a=1", "b="})
	if err != nil {
		t.Fatalf("parseProperties: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"a": "1", "b": ""}, got); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseProperties([]string{bad}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestPrintOutcome_Warnings(t *testing.T) {
	var stdout, stderr bytes.Buffer
	out := NewOutputTo(true, &stdout, &stderr)

	err := printOutcome(out, trigger.Outcome{
		Result:    domain.ResultWarnings,
		Status:    "triggered a",
		Buildsets: map[string]domain.BuildsetID{"a": 1},
	})
	if err != nil {
		t.Errorf("warnings must not fail: %v", err)
	}
	var got TriggerResult
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Result != "warnings" || got.Buildsets["a"] != 1 {
		t.Errorf("unexpected result: %+v", got)
	}
}
