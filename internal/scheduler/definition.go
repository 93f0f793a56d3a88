package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Типы schedulers в конфигурации.
const (
	KindPeriodic    = "periodic"
	KindNightly     = "nightly"
	KindTriggerable = "triggerable"
)

// Definition — описание scheduler в конфигурации master.
type Definition struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Builders []string `json:"builders"`
	Reason   string   `json:"reason,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`

	// periodic: Go duration ("10m", "1h30m")
	Interval string `json:"interval,omitempty"`

	// nightly
	Minute     Field  `json:"minute,omitempty"`
	Hour       Field  `json:"hour,omitempty"`
	DayOfMonth Field  `json:"day_of_month,omitempty"`
	Month      Field  `json:"month,omitempty"`
	DayOfWeek  Field  `json:"day_of_week,omitempty"`
	Timezone   string `json:"timezone,omitempty"`

	// periodic и nightly: что собирать
	Branch    string   `json:"branch,omitempty"`
	Codebases []string `json:"codebases,omitempty"`

	Properties map[string]any `json:"properties,omitempty"`
}

// Deps — зависимости, общие для всех schedulers.
type Deps struct {
	Store   StateStore
	Starter BuildStarter
	Logger  *slog.Logger
}

// Calendar возвращает расписание nightly scheduler.
func (d Definition) Calendar() (CalendarSpec, error) {
	spec := CalendarSpec{
		Minute:     d.Minute,
		Hour:       d.Hour,
		DayOfMonth: d.DayOfMonth,
		Month:      d.Month,
		DayOfWeek:  d.DayOfWeek,
	}
	if d.Timezone != "" {
		loc, err := time.LoadLocation(d.Timezone)
		if err != nil {
			return CalendarSpec{}, fmt.Errorf("%w: scheduler %s: timezone %q: %v", domain.ErrInvalidConfig, d.Name, d.Timezone, err)
		}
		spec.Location = loc
	}
	return spec, nil
}

func (d Definition) timedConfig(deps Deps) TimedConfig {
	var stamps []domain.SourceStamp
	for _, cb := range d.Codebases {
		stamps = append(stamps, domain.SourceStamp{Codebase: cb, Branch: d.Branch})
	}
	return TimedConfig{
		Name:         d.Name,
		Builders:     d.Builders,
		Reason:       d.Reason,
		SourceStamps: stamps,
		Branch:       d.Branch,
		Properties:   d.Properties,
		Disabled:     d.Enabled != nil && !*d.Enabled,
		Store:        deps.Store,
		Starter:      deps.Starter,
		Logger:       deps.Logger,
	}
}

// Build создаёт scheduler по описанию.
func (d Definition) Build(deps Deps) (Scheduler, error) {
	switch d.Kind {
	case KindPeriodic:
		interval, err := time.ParseDuration(d.Interval)
		if err != nil {
			return nil, fmt.Errorf("%w: scheduler %s: interval %q: %v", domain.ErrInvalidConfig, d.Name, d.Interval, err)
		}
		p, err := NewPeriodic(PeriodicConfig{TimedConfig: d.timedConfig(deps), Interval: interval})
		if err != nil {
			return nil, err
		}
		return p, nil

	case KindNightly:
		cal, err := d.Calendar()
		if err != nil {
			return nil, err
		}
		n, err := NewNightly(NightlyConfig{TimedConfig: d.timedConfig(deps), Calendar: cal})
		if err != nil {
			return nil, err
		}
		return n, nil

	case KindTriggerable:
		t, err := NewTriggerable(d.triggerableConfig(deps))
		if err != nil {
			return nil, err
		}
		return t, nil

	default:
		return nil, fmt.Errorf("%w: scheduler %s: unknown kind %q", domain.ErrInvalidConfig, d.Name, d.Kind)
	}
}

func (d Definition) triggerableConfig(deps Deps) TriggerableConfig {
	return TriggerableConfig{
		Name:       d.Name,
		Builders:   d.Builders,
		Reason:     d.Reason,
		Properties: d.Properties,
		Starter:    deps.Starter,
		Logger:     deps.Logger,
	}
}

// checkTriggerable проверяет описание triggerable без создания scheduler.
func (d Definition) checkTriggerable(deps Deps) error {
	_, err := NewTriggerable(d.triggerableConfig(deps))
	return err
}

// indexDefinitions проверяет имена и возвращает описания по имени.
func indexDefinitions(defs []Definition) (map[string]Definition, error) {
	out := make(map[string]Definition, len(defs))
	var errs []error
	for _, d := range defs {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%w: scheduler name is required", domain.ErrInvalidConfig))
			continue
		}
		if _, dup := out[d.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate scheduler name %q", domain.ErrInvalidConfig, d.Name))
			continue
		}
		out[d.Name] = d
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate проверяет описания schedulers, не подключаясь к БД и брокеру.
func Validate(defs []Definition) error {
	if _, err := indexDefinitions(defs); err != nil {
		return err
	}

	deps := Deps{Store: nopStore{}, Starter: nopStarter{}, Logger: slog.New(slog.DiscardHandler)}
	var errs []error
	for _, d := range defs {
		if _, err := d.Build(deps); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopStore struct{}

func (nopStore) LoadCheckpoint(context.Context, string) (*time.Time, error) { return nil, nil }
func (nopStore) SaveCheckpoint(context.Context, string, time.Time) error    { return nil }

type nopStarter struct{}

func (nopStarter) AddBuildset(context.Context, domain.BuildsetRequest) (domain.Buildset, error) {
	return domain.Buildset{}, nil
}
