package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// State — состояние timed scheduler.
type State string

const (
	// StateInactive — scheduler создан, но не активирован.
	StateInactive State = "inactive"

	// StateScheduled — ждёт следующего времени сборки.
	StateScheduled State = "scheduled"

	// StateStarting — запускает buildset.
	StateStarting State = "starting"

	// StateStopped — деактивирован.
	StateStopped State = "stopped"
)

// StateStore — хранилище checkpoint (время последнего запуска) по имени scheduler.
type StateStore interface {
	LoadCheckpoint(ctx context.Context, scheduler string) (*time.Time, error)
	SaveCheckpoint(ctx context.Context, scheduler string, at time.Time) error
}

// BuildStarter создаёт buildset с build requests (см. buildsets.Creator).
type BuildStarter interface {
	AddBuildset(ctx context.Context, req domain.BuildsetRequest) (domain.Buildset, error)
}

// NextTimeFunc вычисляет следующее время сборки по последнему запуску.
// last == nil означает, что запусков ещё не было.
type NextTimeFunc func(last *time.Time, now time.Time) (time.Time, error)

// TimedConfig — общая конфигурация timed schedulers.
type TimedConfig struct {
	// Name — уникальное имя scheduler.
	Name string

	// Builders — builders, для которых создаются build requests.
	Builders []string

	// Reason — причина запуска (default: "The <Kind> scheduler named '<name>' triggered this build").
	Reason string

	// SourceStamps — source stamps buildset. Если пусто, используется
	// один stamp с пустым codebase и веткой Branch.
	SourceStamps []domain.SourceStamp

	// Branch — ветка для source stamp по умолчанию.
	Branch string

	// Properties — свойства buildset.
	Properties map[string]any

	// Disabled — scheduler создаётся выключенным.
	Disabled bool

	Store   StateStore
	Starter BuildStarter
	Logger  *slog.Logger
}

// Timed — основа schedulers, запускающих сборки по времени.
//
// Одна горутина на scheduler: ждёт следующего времени, сохраняет
// checkpoint, затем синхронно запускает buildset. Пока запуск не
// завершён, следующий таймер не ставится, поэтому тики не пересекаются.
// Следующее время считается от checkpoint; если оно уже прошло,
// сборка запускается сразу.
type Timed struct {
	name       string
	kind       string
	reason     string
	builders   []string
	stamps     []domain.SourceStamp
	properties map[string]any

	store   StateStore
	starter BuildStarter
	logger  *slog.Logger

	mu        sync.Mutex
	next      NextTimeFunc
	enabled   bool
	state     State
	last      *time.Time
	nextBuild time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// stopping закрывается, когда Deactivate завершил остановку цикла
	stopping chan struct{}

	wake chan struct{}
}

// checkTimedConfig проверяет общую часть конфигурации.
func checkTimedConfig(cfg TimedConfig, errs *domain.ConfigErrors) {
	if cfg.Name == "" {
		errs.Add("name is required")
	}
	if len(cfg.Builders) == 0 {
		errs.Add("builderNames must be a non-empty list")
	}
	for _, b := range cfg.Builders {
		if b == "" {
			errs.Add("builder name must not be empty")
			break
		}
	}
	if cfg.Store == nil {
		errs.Add("state store is required")
	}
	if cfg.Starter == nil {
		errs.Add("build starter is required")
	}
}

func newTimed(kind string, cfg TimedConfig, next NextTimeFunc) *Timed {
	reason := cfg.Reason
	if reason == "" {
		reason = fmt.Sprintf("The %s scheduler named '%s' triggered this build", kind, cfg.Name)
	}

	stamps := slices.Clone(cfg.SourceStamps)
	if len(stamps) == 0 {
		stamps = []domain.SourceStamp{{Branch: cfg.Branch}}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Timed{
		name:       cfg.Name,
		kind:       kind,
		reason:     reason,
		builders:   slices.Clone(cfg.Builders),
		stamps:     stamps,
		properties: maps.Clone(cfg.Properties),
		store:      cfg.Store,
		starter:    cfg.Starter,
		logger:     telemetry.WithScheduler(logger, cfg.Name).With("kind", kind),
		next:       next,
		enabled:    !cfg.Disabled,
		state:      StateInactive,
		wake:       make(chan struct{}, 1),
	}
}

// Name возвращает имя scheduler.
func (t *Timed) Name() string { return t.name }

// Kind возвращает тип scheduler ("Periodic", "Nightly").
func (t *Timed) Kind() string { return t.kind }

// Reason возвращает причину запуска, записываемую в buildset.
func (t *Timed) Reason() string { return t.reason }

// Builders возвращает имена builders.
func (t *Timed) Builders() []string { return slices.Clone(t.builders) }

// State возвращает текущее состояние.
func (t *Timed) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Enabled возвращает флаг включённости.
func (t *Timed) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// LastBuild возвращает последний checkpoint.
func (t *Timed) LastBuild() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	last := *t.last
	return &last
}

// NextBuildTime возвращает запланированное время следующей сборки.
func (t *Timed) NextBuildTime() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextBuild, !t.nextBuild.IsZero()
}

// Activate загружает checkpoint и запускает цикл scheduler.
//
// Для выключенного scheduler ничего не делает. Цикл живёт,
// пока не вызван Deactivate или не отменён ctx. Если идёт
// Deactivate, Activate ждёт его завершения, чтобы два цикла
// никогда не работали одновременно.
func (t *Timed) Activate(ctx context.Context) error {
	t.mu.Lock()
	for t.stopping != nil {
		stopping := t.stopping
		t.mu.Unlock()
		select {
		case <-stopping:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.mu.Lock()
	}
	if !t.enabled {
		t.mu.Unlock()
		t.logger.Debug("scheduler disabled, not activating")
		return nil
	}
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	last, err := t.store.LoadCheckpoint(ctx, t.name)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", t.name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// пока грузился checkpoint, цикл запустил другой Activate
	// или началась деактивация
	if t.cancel != nil || t.stopping != nil || !t.enabled {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.last = last
	t.cancel = cancel
	t.done = done
	t.state = StateScheduled

	go t.loop(loopCtx, done)

	t.logger.Info("scheduler activated", "last_build", last)
	return nil
}

// Deactivate останавливает цикл.
//
// Если buildset в этот момент запускается, Deactivate дожидается
// завершения запуска; новые запуски не планируются. Цикл считается
// активным, пока остановка не завершена.
func (t *Timed) Deactivate() {
	t.mu.Lock()
	if stopping := t.stopping; stopping != nil {
		t.mu.Unlock()
		<-stopping
		return
	}
	cancel, done := t.cancel, t.done
	stopping := make(chan struct{})
	t.stopping = stopping
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	t.mu.Lock()
	t.cancel = nil
	t.done = nil
	t.stopping = nil
	t.state = StateStopped
	t.nextBuild = time.Time{}
	t.mu.Unlock()
	close(stopping)

	t.logger.Info("scheduler deactivated")
}

// SetEnabled включает или выключает scheduler.
// Включение активирует его, выключение деактивирует.
func (t *Timed) SetEnabled(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()

	if enabled {
		return t.Activate(ctx)
	}
	t.Deactivate()
	return nil
}

// setNext заменяет функцию вычисления следующего времени
// и перепланирует таймер.
func (t *Timed) setNext(next NextTimeFunc) {
	t.mu.Lock()
	t.next = next
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// loop — цикл scheduler. Владеет единственным таймером.
func (t *Timed) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if next, ok := t.scheduleNext(); ok {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-t.wake:
			stopTimer(timer)
			continue
		case <-timerC:
		}

		t.fire(ctx)
	}
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// scheduleNext вычисляет следующее время от checkpoint.
func (t *Timed) scheduleNext() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := t.next(t.last, time.Now())
	if err != nil {
		t.logger.Error("cannot compute next build time", "error", err)
		t.nextBuild = time.Time{}
		t.state = StateScheduled
		return time.Time{}, false
	}

	t.nextBuild = next
	t.state = StateScheduled
	t.logger.Debug("next build scheduled", "at", next)
	return next, true
}

// fire сохраняет checkpoint и запускает buildset.
func (t *Timed) fire(ctx context.Context) {
	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	t.state = StateStarting
	t.last = &now
	t.mu.Unlock()

	// Запуск не прерывается остановкой: Deactivate ждёт его завершения
	startCtx := context.WithoutCancel(ctx)

	// checkpoint пишется до запуска: после рестарта интервал
	// отсчитывается от этой попытки
	if err := t.store.SaveCheckpoint(startCtx, t.name, now); err != nil {
		t.logger.Error("failed to save checkpoint", "error", err)
	}

	if err := t.startBuild(startCtx); err != nil {
		t.logger.Error("failed to start build", "error", err)
	}
}

// startBuild создаёт buildset со всеми builders scheduler.
func (t *Timed) startBuild(ctx context.Context) error {
	if !t.Enabled() {
		t.logger.Debug("scheduler disabled, not starting build")
		return nil
	}

	req := domain.BuildsetRequest{
		Scheduler:    t.name,
		Reason:       t.reason,
		Builders:     slices.Clone(t.builders),
		SourceStamps: slices.Clone(t.stamps),
		Properties:   schedulerProperties(t.name, t.properties),
	}

	bs, err := t.starter.AddBuildset(ctx, req)
	if err != nil {
		telemetry.SchedulerStartErrors.WithLabelValues(t.name).Inc()
		return err
	}

	telemetry.SchedulerBuildsStarted.WithLabelValues(t.name).Inc()
	t.logger.Info("started buildset", "bsid", bs.ID, "builders", len(t.builders))
	return nil
}

// schedulerProperties собирает свойства buildset с источником "Scheduler".
func schedulerProperties(name string, extra map[string]any) map[string]domain.PropertyValue {
	props := make(map[string]domain.PropertyValue, len(extra)+1)
	for k, v := range extra {
		props[k] = domain.PropertyValue{Value: v, Source: "Scheduler"}
	}
	props["scheduler"] = domain.PropertyValue{Value: name, Source: "Scheduler"}
	return props
}
