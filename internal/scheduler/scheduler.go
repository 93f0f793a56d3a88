package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Scheduler — общий интерфейс schedulers.
type Scheduler interface {
	Name() string
	Builders() []string
}

// timedScheduler — scheduler с собственным циклом (Periodic, Nightly).
type timedScheduler interface {
	Scheduler
	Activate(ctx context.Context) error
	Deactivate()
	Kind() string
	Enabled() bool
	LastBuild() *time.Time
	NextBuildTime() (time.Time, bool)
	SetEnabled(ctx context.Context, enabled bool) error
}

// Status — состояние scheduler для /schedulers и CLI.
type Status struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Builders  []string   `json:"builders"`
	Enabled   bool       `json:"enabled"`
	LastBuild *time.Time `json:"last_build,omitempty"`
	NextBuild *time.Time `json:"next_build,omitempty"`
	Pending   int        `json:"pending,omitempty"`
}

// ManagerConfig — конфигурация Manager.
type ManagerConfig struct {
	Deps

	// Conn — соединение с RabbitMQ для событий buildset.complete.
	// Если nil, завершения доставляются только через OnBuildsetComplete.
	Conn *mq.Connection

	// Subscriber — префикс очереди подписчика (default: "schedulers.master").
	Subscriber string

	// Exclusive — использовать временную очередь вместо durable
	// (для короткоживущих процессов).
	Exclusive bool
}

// Manager держит именованные schedulers master и применяет
// к ним новую конфигурацию.
type Manager struct {
	deps       Deps
	conn       *mq.Connection
	subscriber string
	exclusive  bool
	logger     *slog.Logger

	mu         sync.Mutex
	defs       map[string]Definition
	schedulers map[string]Scheduler
	runCtx     context.Context

	consumer   *mq.Consumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager создаёт Manager без schedulers. Schedulers задаются через Apply.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Deps.Logger = logger

	subscriber := cfg.Subscriber
	if subscriber == "" {
		subscriber = "schedulers.master"
	}

	return &Manager{
		deps:       cfg.Deps,
		conn:       cfg.Conn,
		subscriber: subscriber,
		exclusive:  cfg.Exclusive,
		logger:     logger.With("component", "schedulers"),
		defs:       make(map[string]Definition),
		schedulers: make(map[string]Scheduler),
	}
}

// Apply применяет новый набор schedulers.
//
// Все описания проверяются до изменений: при ошибке конфигурации
// текущие schedulers остаются как есть. Неизменённые schedulers
// продолжают работать, изменённые timed schedulers перезапускаются
// (checkpoint загружается заново), triggerable перенастраиваются
// без потери ожидающих trigger steps.
func (m *Manager) Apply(ctx context.Context, defs []Definition) error {
	next, err := indexDefinitions(defs)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 1. Собираем новые и изменённые schedulers
	var errs []error
	built := make(map[string]Scheduler)
	for name, d := range next {
		old, ok := m.defs[name]
		if ok && reflect.DeepEqual(old, d) {
			continue
		}
		if ok && old.Kind == KindTriggerable && d.Kind == KindTriggerable {
			if err := d.checkTriggerable(m.deps); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		s, err := d.Build(m.deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		built[name] = s
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	// 2. Останавливаем удалённые и заменяемые
	for name, s := range m.schedulers {
		d, keep := next[name]
		if keep && reflect.DeepEqual(m.defs[name], d) {
			continue
		}
		if _, replaced := built[name]; !keep || replaced {
			m.stopScheduler(s)
			delete(m.schedulers, name)
			m.logger.Info("scheduler removed", "scheduler", name)
		}
	}

	// 3. Перенастраиваем triggerable на месте
	for name, d := range next {
		t, ok := m.schedulers[name].(*Triggerable)
		if !ok || reflect.DeepEqual(m.defs[name], d) {
			continue
		}
		t.Reconfigure(d.triggerableConfig(m.deps))
		m.logger.Info("scheduler reconfigured", "scheduler", name)
	}

	// 4. Устанавливаем новые
	for name, s := range built {
		m.schedulers[name] = s
		m.logger.Info("scheduler added", "scheduler", name, "kind", next[name].Kind)
		if m.runCtx == nil {
			continue
		}
		if ts, ok := s.(timedScheduler); ok {
			if err := ts.Activate(m.runCtx); err != nil {
				errs = append(errs, err)
			}
		}
	}

	m.defs = next
	return errors.Join(errs...)
}

func (m *Manager) stopScheduler(s Scheduler) {
	switch s := s.(type) {
	case timedScheduler:
		s.Deactivate()
	case *Triggerable:
		s.Stop()
	}
}

// Start подписывается на buildset.complete и активирует timed schedulers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.runCtx != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	m.runCtx = ctx
	m.mu.Unlock()

	if m.conn != nil {
		if err := m.startConsumer(ctx); err != nil {
			cancel()
			m.mu.Lock()
			m.runCtx = nil
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, s := range m.schedulers {
		if ts, ok := s.(timedScheduler); ok {
			if err := ts.Activate(ctx); err != nil {
				m.logger.Error("failed to activate scheduler", "scheduler", ts.Name(), "error", err)
				errs = append(errs, err)
			}
		}
	}

	m.logger.Info("schedulers started", "count", len(m.schedulers))
	return errors.Join(errs...)
}

// Stop останавливает consumer и все schedulers.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancelFunc
	m.cancelFunc = nil
	m.runCtx = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if m.consumer != nil {
		m.consumer.Stop()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedulers {
		m.stopScheduler(s)
	}
	m.logger.Info("schedulers stopped")
}

// startConsumer объявляет очередь и запускает consumer buildset.complete.
func (m *Manager) startConsumer(ctx context.Context) error {
	sub := mq.Subscription{Exchange: mq.ExchangeBuildsets, RoutingKey: mq.RoutingKeyBuildsetComplete}

	var queue mq.Queue
	var err error
	if m.exclusive {
		queue, err = mq.DeclareExclusiveQueue(ctx, m.conn, sub)
	} else {
		queue, err = mq.DeclareSubscriberQueue(ctx, m.conn, m.subscriber, sub)
	}
	if err != nil {
		return fmt.Errorf("declare schedulers queue: %w", err)
	}

	m.consumer = mq.NewConsumer(m.conn, m.logger, mq.ConsumerConfig{
		Queue:    string(queue),
		Handler:  m.handleBuildsetComplete,
		Types:    []mq.MessageType{mq.MessageTypeBuildsetComplete},
		Prefetch: 10,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("schedulers consumer error", "queue", queue, "error", err)
		}
	}()
	return nil
}

// handleBuildsetComplete обрабатывает событие о завершении buildset.
func (m *Manager) handleBuildsetComplete(ctx context.Context, delivery *mq.Delivery) error {
	logger := telemetry.FromContext(ctx)
	payload, err := mq.ParsePayload[mq.BuildsetCompletePayload](&delivery.Message)
	if err != nil {
		logger.Error("failed to parse buildset.complete payload", "error", err)
		return err
	}

	if !m.OnBuildsetComplete(payload.BuildsetID, payload.Results) {
		logger.Debug("buildset not awaited here", "bsid", payload.BuildsetID)
	}
	return nil
}

// OnBuildsetComplete передаёт итог buildset triggerable scheduler,
// который его создал. Возвращает false, если buildset никто не ждёт.
func (m *Manager) OnBuildsetComplete(bsid domain.BuildsetID, result domain.Result) bool {
	m.mu.Lock()
	var triggerables []*Triggerable
	for _, s := range m.schedulers {
		if t, ok := s.(*Triggerable); ok {
			triggerables = append(triggerables, t)
		}
	}
	m.mu.Unlock()

	for _, t := range triggerables {
		if t.OnBuildsetComplete(bsid, result) {
			return true
		}
	}
	return false
}

// Resolve возвращает triggerable scheduler по имени.
func (m *Manager) Resolve(name string) (*Triggerable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedulers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchedulerNotFound, name)
	}
	t, ok := s.(*Triggerable)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTriggerable, name)
	}
	return t, nil
}

// SetEnabled включает или выключает timed scheduler до следующего
// изменения его описания в конфигурации.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	s, ok := m.schedulers[name]
	runCtx := m.runCtx
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSchedulerNotFound, name)
	}
	ts, ok := s.(timedScheduler)
	if !ok {
		return fmt.Errorf("%w: %s has no schedule to toggle", ErrNotTimed, name)
	}
	if runCtx == nil {
		return ErrNotStarted
	}

	if err := ts.SetEnabled(runCtx, enabled); err != nil {
		return err
	}
	m.logger.Info("scheduler toggled", "scheduler", name, "enabled", enabled)
	return nil
}

// Names возвращает имена schedulers по алфавиту.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.schedulers))
	for name := range m.schedulers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Status возвращает состояние всех schedulers по алфавиту.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		st := Status{Name: s.Name(), Builders: s.Builders()}
		switch s := s.(type) {
		case timedScheduler:
			st.Kind = s.Kind()
			st.Enabled = s.Enabled()
			st.LastBuild = s.LastBuild()
			if next, ok := s.NextBuildTime(); ok {
				st.NextBuild = &next
			}
		case *Triggerable:
			st.Kind = "Triggerable"
			st.Enabled = true
			st.Pending = s.Pending()
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}
