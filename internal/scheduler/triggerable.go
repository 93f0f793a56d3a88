package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// TriggerableConfig — конфигурация Triggerable scheduler.
type TriggerableConfig struct {
	Name       string
	Builders   []string
	Reason     string
	Properties map[string]any
	Starter    BuildStarter
	Logger     *slog.Logger
}

// Triggerable создаёт buildsets по запросу trigger step
// и сообщает об их завершении.
type Triggerable struct {
	name       string
	reason     string
	builders   []string
	properties map[string]any
	starter    BuildStarter
	logger     *slog.Logger

	mu      sync.Mutex
	waiters map[domain.BuildsetID]chan domain.BuildsetOutcome
	stopped bool
}

// NewTriggerable создаёт Triggerable scheduler.
func NewTriggerable(cfg TriggerableConfig) (*Triggerable, error) {
	errs := domain.ConfigErrors{Component: "triggerable scheduler " + cfg.Name}
	if cfg.Name == "" {
		errs.Add("name is required")
	}
	if len(cfg.Builders) == 0 {
		errs.Add("builderNames must be a non-empty list")
	}
	if cfg.Starter == nil {
		errs.Add("build starter is required")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Triggerable{
		name:    cfg.Name,
		logger:  telemetry.WithScheduler(logger, cfg.Name).With("kind", "Triggerable"),
		waiters: make(map[domain.BuildsetID]chan domain.BuildsetOutcome),
	}
	s.Reconfigure(cfg)
	return s, nil
}

// Reconfigure меняет builders, причину и свойства.
// Ожидающие trigger steps сохраняются. Имя не меняется.
func (s *Triggerable) Reconfigure(cfg TriggerableConfig) {
	reason := cfg.Reason
	if reason == "" {
		reason = fmt.Sprintf("The Triggerable scheduler named '%s' triggered this build", s.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
	s.builders = slices.Clone(cfg.Builders)
	s.properties = maps.Clone(cfg.Properties)
	s.starter = cfg.Starter
}

// Name возвращает имя scheduler.
func (s *Triggerable) Name() string { return s.name }

// Builders возвращает имена builders.
func (s *Triggerable) Builders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.builders)
}

// Trigger создаёт buildset.
//
// Done получит итог buildset, когда придёт событие buildset.complete
// (или ошибку, если scheduler остановлен раньше).
func (s *Triggerable) Trigger(ctx context.Context, req domain.TriggerRequest) (*domain.Triggered, error) {
	// Блокировка держится на время создания buildset: событие
	// о завершении не может прийти раньше регистрации ожидания.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrSchedulerStopped
	}

	props := schedulerProperties(s.name, s.properties)
	// свойства trigger step важнее свойств scheduler
	maps.Copy(props, req.Properties)

	bsReq := domain.BuildsetRequest{
		Scheduler:     s.name,
		Reason:        s.reason,
		Builders:      slices.Clone(s.builders),
		SourceStamps:  slices.Clone(req.SourceStamps),
		Properties:    props,
		WaitedFor:     req.WaitedFor,
		ParentBuildID: req.ParentBuildID,
	}

	bs, err := s.starter.AddBuildset(ctx, bsReq)
	if err != nil {
		return nil, fmt.Errorf("add buildset for %s: %w", s.name, err)
	}

	done := make(chan domain.BuildsetOutcome, 1)
	s.waiters[bs.ID] = done

	s.logger.Info("triggered buildset",
		"bsid", bs.ID,
		"waited_for", req.WaitedFor,
		"builders", len(s.builders),
	)

	return &domain.Triggered{
		BuildsetID:      bs.ID,
		BuildRequestIDs: maps.Clone(bs.BuildRequestIDs),
		Done:            done,
	}, nil
}

// OnBuildsetComplete доставляет итог buildset ожидающему trigger step.
// Возвращает false, если buildset создан не этим scheduler.
func (s *Triggerable) OnBuildsetComplete(bsid domain.BuildsetID, result domain.Result) bool {
	s.mu.Lock()
	done, ok := s.waiters[bsid]
	delete(s.waiters, bsid)
	s.mu.Unlock()

	if !ok {
		return false
	}

	s.logger.Debug("buildset complete", "bsid", bsid, "results", result)
	done <- domain.BuildsetOutcome{Result: result}
	return true
}

// Pending возвращает количество buildsets, ожидающих завершения.
func (s *Triggerable) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Stop завершает всех ожидающих ошибкой ErrSchedulerStopped.
func (s *Triggerable) Stop() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = make(map[domain.BuildsetID]chan domain.BuildsetOutcome)
	s.stopped = true
	s.mu.Unlock()

	for bsid, done := range waiters {
		s.logger.Debug("abandoning buildset wait", "bsid", bsid)
		done <- domain.BuildsetOutcome{Err: ErrSchedulerStopped}
	}
}
