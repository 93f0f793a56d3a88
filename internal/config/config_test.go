package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/scheduler"
)

const sampleYAML = `
buildbot_url: https://ci.example.com/
canceller:
  branch_key: default
  filters:
    - builders: [linux, mac]
      project:
        eq: [app]
      branch:
        not_eq: [main]
schedulers:
  - name: nightly
    kind: nightly
    builders: [linux]
    minute: 30
    hour: [1, 13]
    day_of_week: mon,fri
    timezone: UTC
    branch: main
    codebases: [app]
  - name: hourly
    kind: periodic
    builders: [mac]
    interval: 1h
  - name: deploy
    kind: triggerable
    builders: [deployer]
    properties:
      env: staging
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDecode_YAML(t *testing.T) {
	f, _, err := Decode("conveyor.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if f.BuildbotURL != "https://ci.example.com/" {
		t.Errorf("buildbot_url = %q", f.BuildbotURL)
	}
	if len(f.Schedulers) != 3 {
		t.Fatalf("expected 3 schedulers, got %d", len(f.Schedulers))
	}
	if diff := cmp.Diff(scheduler.Field{1, 13}, f.Schedulers[0].Hour); diff != "" {
		t.Errorf("hour mismatch (-want +got):\n%s", diff)
	}
	if f.Schedulers[1].Interval != "1h" {
		t.Errorf("interval = %q", f.Schedulers[1].Interval)
	}

	triggerable := f.Triggerable()
	if len(triggerable) != 1 || triggerable[0].Name != "deploy" {
		t.Errorf("unexpected triggerable: %+v", triggerable)
	}
	if triggerable[0].Properties["env"] != "staging" {
		t.Errorf("properties = %v", triggerable[0].Properties)
	}

	// фильтр применяется к builders из конфигурации
	tuples, err := f.Canceller.FilterTuples()
	if err != nil {
		t.Fatalf("FilterTuples: %v", err)
	}
	if len(tuples) != 1 {
		t.Fatalf("expected 1 filter, got %d", len(tuples))
	}
	if !tuples[0].Filter.IsMatched(domain.SourceStamp{Project: "app", Branch: "feature"}) {
		t.Error("feature branch of app must match")
	}
	if tuples[0].Filter.IsMatched(domain.SourceStamp{Project: "app", Branch: "main"}) {
		t.Error("main branch must not match")
	}
}

func TestDecode_JSON(t *testing.T) {
	data := `{"schedulers": [{"name": "t", "kind": "triggerable", "builders": ["a"]}]}`
	f, _, err := Decode("conveyor.json", []byte(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Canceller != nil {
		t.Error("canceller must be nil when not configured")
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestDecode_Strict(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
	}{
		{name: "unknown top-level field", path: "c.yaml", data: "buildbot: x\n"},
		{name: "unknown scheduler field", path: "c.yaml", data: "schedulers:\n  - name: a\n    cron: '* * * * *'\n"},
		{name: "trailing json", path: "c.json", data: `{} {}`},
		{name: "broken yaml", path: "c.yml", data: "schedulers: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Decode(tt.path, []byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFile_ValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "relative url", data: "buildbot_url: ci/\n"},
		{name: "unknown branch key", data: "canceller:\n  branch_key: gerrit\n  filters: []\n"},
		{name: "bad regex", data: "canceller:\n  filters:\n    - builders: [a]\n      branch: {regex: ['(']}\n"},
		{name: "empty builders", data: "canceller:\n  filters:\n    - builders: []\n"},
		{name: "bad interval", data: "schedulers:\n  - {name: p, kind: periodic, builders: [a], interval: often}\n"},
		{name: "duplicate scheduler", data: "schedulers:\n  - {name: t, kind: triggerable, builders: [a]}\n  - {name: t, kind: triggerable, builders: [b]}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _, err := Decode("c.yaml", []byte(tt.data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if err := f.Validate(); !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestManager_LoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path, discardLogger())
	f, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != f {
		t.Error("Get must return the loaded config")
	}
	updates := m.Subscribe(1)

	// 1. без изменений ничего не публикуется
	published, err := m.Reload()
	if err != nil || published {
		t.Errorf("Reload unchanged = %v, %v", published, err)
	}

	// 2. ошибочная конфигурация не заменяет текущую
	writeFile(t, path, "schedulers:\n  - {name: p, kind: periodic, builders: [a], interval: often}\n")
	if _, err := m.Reload(); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if m.Get() != f {
		t.Error("invalid config must not replace the current one")
	}

	// 3. корректная публикуется
	writeFile(t, path, "schedulers:\n  - {name: t, kind: triggerable, builders: [a]}\n")
	published, err = m.Reload()
	if err != nil || !published {
		t.Fatalf("Reload = %v, %v", published, err)
	}
	select {
	case got := <-updates:
		if len(got.Schedulers) != 1 || got.Schedulers[0].Name != "t" {
			t.Errorf("unexpected update: %+v", got)
		}
	default:
		t.Fatal("no update published")
	}
}

func TestManager_SlowSubscriberGetsLatest(t *testing.T) {
	m := NewManager("unused.yaml", discardLogger())
	ch := m.Subscribe(1)

	first, second := &File{BuildbotURL: "https://a/"}, &File{BuildbotURL: "https://b/"}
	m.publish(first)
	m.publish(second)

	if got := <-ch; got != second {
		t.Errorf("expected latest config, got %+v", got)
	}
}

func TestManager_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	writeFile(t, path, "schedulers: []\n")

	m := NewManager(path, discardLogger())
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// даём watcher время подписаться на каталог
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "schedulers:\n  - {name: t, kind: triggerable, builders: [a]}\n")

	select {
	case got := <-updates:
		if len(got.Schedulers) != 1 {
			t.Errorf("unexpected update: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not detected")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("DB_URL", "postgresql://db/conveyor")
	t.Setenv("RABBITMQ_URL", "")
	t.Setenv("MASTER_PORT", "9100")
	t.Setenv("CONVEYOR_CONFIG", "/etc/conveyor.yaml")

	want := Env{
		DBURL:      "postgresql://db/conveyor",
		MasterPort: 9100,
		ConfigPath: "/etc/conveyor.yaml",
	}
	if diff := cmp.Diff(want, LoadEnv()); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}

	t.Setenv("MASTER_PORT", "not-a-port")
	if got := LoadEnv().MasterPort; got != DefaultMasterPort {
		t.Errorf("invalid port must fall back to default, got %d", got)
	}
}
