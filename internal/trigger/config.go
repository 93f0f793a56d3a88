package trigger

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/props"
)

// PropertySource — источник свойств, переданных trigger step.
const PropertySource = "Trigger"

// Config — конфигурация trigger step.
//
// Source stamps задаются одним способом:
//   - SourceStamp или SourceStamps — явные stamps
//   - AlwaysUseLatest — последняя ревизия каждого codebase
//   - UpdateSourceStamp — stamps build с ревизией из got_revision
//     (по умолчанию, если не задан другой способ)
//   - UpdateSourceStamp: false — stamps build как есть
//
// Значения в stamps и SetProperties могут быть props.Renderable
// или строками с шаблоном; они вычисляются по свойствам build
// при выполнении шага.
type Config struct {
	// Schedulers — имена triggerable schedulers (могут быть шаблонами).
	Schedulers []string

	// Unimportant — schedulers, чей итог не влияет на итог шага.
	Unimportant []string

	// WaitForFinish — ждать завершения запущенных buildsets.
	WaitForFinish bool

	SourceStamp  map[string]any
	SourceStamps []map[string]any

	// UpdateSourceStamp: nil, bool или props.Renderable.
	UpdateSourceStamp any

	// AlwaysUseLatest: nil, bool или props.Renderable.
	AlwaysUseLatest any

	// SetProperties — свойства для запускаемых buildsets.
	SetProperties map[string]any

	// CopyProperties — свойства build, копируемые в запускаемые buildsets.
	CopyProperties []string

	// BaseURL — адрес web UI для ссылок ("https://ci.example.com/").
	BaseURL string

	Resolver  Resolver
	Builds    BuildLookup
	Links     LinkReporter
	Canceller Canceller
	Logger    *slog.Logger
}

// isSet — значение задано и не является литералом false.
func isSet(v any) bool {
	return v != nil && !props.IsLiteralFalse(v)
}

func isLiteral(name string) bool {
	return !strings.Contains(name, "{{")
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	errs := domain.ConfigErrors{Component: "trigger"}

	if len(c.Schedulers) == 0 {
		errs.Add("schedulerNames must be a non-empty list")
	}

	// проверка возможна, только если все имена известны заранее
	if slices.IndexFunc(c.Schedulers, func(s string) bool { return !isLiteral(s) }) < 0 {
		for _, name := range c.Unimportant {
			if isLiteral(name) && !slices.Contains(c.Schedulers, name) {
				errs.Addf("unimportantSchedulerNames must be a subset of schedulerNames: %q", name)
			}
		}
	}

	explicit := c.SourceStamp != nil
	if explicit && len(c.SourceStamps) > 0 {
		errs.Add("you can't specify both sourceStamp and sourceStamps")
	}
	explicit = explicit || len(c.SourceStamps) > 0

	if explicit && isSet(c.UpdateSourceStamp) {
		errs.Add("you can't specify sourceStamp(s) and updateSourceStamp")
	}
	if explicit && isSet(c.AlwaysUseLatest) {
		errs.Add("you can't specify sourceStamp(s) and alwaysUseLatest")
	}
	if isSet(c.UpdateSourceStamp) && isSet(c.AlwaysUseLatest) {
		errs.Add("you can't specify both alwaysUseLatest and updateSourceStamp")
	}

	for name, v := range c.SetProperties {
		if name == "" {
			errs.Addf("set_properties: empty property name (value %v)", v)
		}
	}

	if c.Resolver == nil {
		errs.Add("scheduler resolver is required")
	}

	return errs.Err()
}

// Build — build, в котором выполняется trigger step.
type Build struct {
	ID           int64
	Properties   *props.Properties
	SourceStamps []domain.SourceStamp

	// GotRevisions — фактические ревизии по codebase после checkout.
	GotRevisions map[string]string

	// Connected сообщает, живо ли соединение с агентом.
	// nil означает "соединение есть".
	Connected func() bool
}

func (b Build) connected() bool {
	return b.Connected == nil || b.Connected()
}

// sourceStamps вычисляет source stamps для запускаемых buildsets.
func (s *Step) sourceStamps(build Build) ([]domain.SourceStamp, error) {
	p := build.Properties

	// 1. Явные stamps
	if s.cfg.SourceStamp != nil {
		ss, err := renderStamp(s.cfg.SourceStamp, p)
		if err != nil {
			return nil, err
		}
		return []domain.SourceStamp{ss}, nil
	}
	if len(s.cfg.SourceStamps) > 0 {
		out := make([]domain.SourceStamp, 0, len(s.cfg.SourceStamps))
		for _, raw := range s.cfg.SourceStamps {
			ss, err := renderStamp(raw, p)
			if err != nil {
				return nil, err
			}
			out = append(out, ss)
		}
		return out, nil
	}

	// 2. Последняя ревизия: codebase без ревизии
	latest, err := props.RenderBool(s.cfg.AlwaysUseLatest, p)
	if err != nil {
		return nil, fmt.Errorf("render alwaysUseLatest: %w", err)
	}
	if latest {
		out := make([]domain.SourceStamp, 0, len(build.SourceStamps))
		for _, ss := range build.SourceStamps {
			out = append(out, domain.SourceStamp{
				Project:    ss.Project,
				Codebase:   ss.Codebase,
				Repository: ss.Repository,
			})
		}
		return out, nil
	}

	// 3. Stamps build, с got_revision или как есть
	update := s.updateByDefault
	if s.cfg.UpdateSourceStamp != nil {
		update, err = props.RenderBool(s.cfg.UpdateSourceStamp, p)
		if err != nil {
			return nil, fmt.Errorf("render updateSourceStamp: %w", err)
		}
	}

	out := slices.Clone(build.SourceStamps)
	if update {
		for i := range out {
			if rev, ok := build.GotRevisions[out[i].Codebase]; ok && rev != "" {
				out[i].Revision = rev
			}
		}
	}
	return out, nil
}

// renderStamp вычисляет явный source stamp.
func renderStamp(raw map[string]any, p *props.Properties) (domain.SourceStamp, error) {
	var ss domain.SourceStamp
	fields := map[string]*string{
		"project":    &ss.Project,
		"codebase":   &ss.Codebase,
		"repository": &ss.Repository,
		"branch":     &ss.Branch,
		"revision":   &ss.Revision,
	}
	for key, value := range raw {
		dst, ok := fields[key]
		if !ok {
			continue
		}
		rendered, err := props.RenderString(value, p)
		if err != nil {
			return domain.SourceStamp{}, fmt.Errorf("render source stamp %s: %w", key, err)
		}
		*dst = rendered
	}
	return ss, nil
}

// properties вычисляет свойства для запускаемых buildsets.
func (s *Step) properties(build Build) (map[string]domain.PropertyValue, error) {
	out := make(map[string]domain.PropertyValue, len(s.cfg.SetProperties)+len(s.cfg.CopyProperties))

	for _, name := range s.cfg.CopyProperties {
		if v, ok := build.Properties.Get(name); ok {
			out[name] = domain.PropertyValue{Value: v, Source: PropertySource}
		}
	}

	for name, raw := range s.cfg.SetProperties {
		v, err := props.RenderValue(raw, build.Properties)
		if err != nil {
			return nil, fmt.Errorf("render property %s: %w", name, err)
		}
		out[name] = domain.PropertyValue{Value: v, Source: PropertySource}
	}
	return out, nil
}

// schedulerNames вычисляет имена schedulers и набор неважных.
func (s *Step) schedulerNames(build Build) ([]string, map[string]bool, error) {
	names := make([]string, 0, len(s.cfg.Schedulers))
	for _, raw := range s.cfg.Schedulers {
		name, err := props.RenderString(raw, build.Properties)
		if err != nil {
			return nil, nil, fmt.Errorf("render scheduler name %q: %w", raw, err)
		}
		names = append(names, name)
	}

	unimportant := make(map[string]bool, len(s.cfg.Unimportant))
	for _, raw := range s.cfg.Unimportant {
		name, err := props.RenderString(raw, build.Properties)
		if err != nil {
			return nil, nil, fmt.Errorf("render scheduler name %q: %w", raw, err)
		}
		unimportant[name] = true
	}
	return names, unimportant, nil
}

func cloneConfig(c Config) Config {
	c.Schedulers = slices.Clone(c.Schedulers)
	c.Unimportant = slices.Clone(c.Unimportant)
	c.SourceStamp = maps.Clone(c.SourceStamp)
	c.SourceStamps = slices.Clone(c.SourceStamps)
	c.SetProperties = maps.Clone(c.SetProperties)
	c.CopyProperties = slices.Clone(c.CopyProperties)
	return c
}
