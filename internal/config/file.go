package config

import (
	"errors"
	"net/url"

	"github.com/shaiso/Conveyor/internal/canceller"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/ssfilter"
)

// File — конфигурация master из YAML или JSON файла.
//
//	buildbot_url: https://ci.example.com/
//	canceller:
//	  branch_key: default
//	  filters:
//	    - builders: [linux, mac]
//	      branch: {not_eq: [main]}
//	schedulers:
//	  - name: nightly
//	    kind: nightly
//	    builders: [linux]
//	    hour: 3
type File struct {
	// BuildbotURL — адрес web UI для ссылок trigger step.
	BuildbotURL string `json:"buildbot_url,omitempty"`

	// Canceller — nil отключает отмену устаревших build requests.
	Canceller *CancellerConfig `json:"canceller,omitempty"`

	Schedulers []scheduler.Definition `json:"schedulers,omitempty"`
}

// CancellerConfig — настройки canceller.
type CancellerConfig struct {
	Name      string         `json:"name,omitempty"`
	BranchKey string         `json:"branch_key,omitempty"`
	Filters   []FilterConfig `json:"filters"`
}

// FilterConfig — фильтр source stamps для набора builders.
type FilterConfig struct {
	Builders []string `json:"builders"`
	ssfilter.Spec
}

// Validate проверяет конфигурацию целиком.
func (f *File) Validate() error {
	errs := domain.ConfigErrors{Component: "master config"}

	if f.BuildbotURL != "" {
		if u, err := url.Parse(f.BuildbotURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs.Addf("buildbot_url: %q is not an absolute URL", f.BuildbotURL)
		}
	}

	var out []error
	if f.Canceller != nil {
		if _, err := f.Canceller.BranchKeyFunc(); err != nil {
			errs.Addf("canceller.branch_key: %v", err)
		}
		if _, err := f.Canceller.FilterTuples(); err != nil {
			out = append(out, err)
		}
	}
	if err := scheduler.Validate(f.Schedulers); err != nil {
		out = append(out, err)
	}

	return errors.Join(append([]error{errs.Err()}, out...)...)
}

// FilterTuples компилирует фильтры для canceller.Reconfigure.
func (c *CancellerConfig) FilterTuples() ([]canceller.FilterTuple, error) {
	errs := domain.ConfigErrors{Component: "canceller"}
	tuples := make([]canceller.FilterTuple, 0, len(c.Filters))
	for i, fc := range c.Filters {
		filter, err := ssfilter.Compile(fc.Spec)
		if err != nil {
			errs.Addf("filter %d: %v", i, err)
			continue
		}
		tuples = append(tuples, canceller.FilterTuple{Builders: fc.Builders, Filter: filter})
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if err := canceller.CheckFilters(tuples); err != nil {
		return nil, err
	}
	return tuples, nil
}

// BranchKeyFunc возвращает стратегию ключа ветки.
func (c *CancellerConfig) BranchKeyFunc() (canceller.BranchKeyFunc, error) {
	return canceller.BranchKeyByName(c.BranchKey)
}

// Triggerable возвращает только triggerable schedulers.
func (f *File) Triggerable() []scheduler.Definition {
	var out []scheduler.Definition
	for _, d := range f.Schedulers {
		if d.Kind == scheduler.KindTriggerable {
			out = append(out, d)
		}
	}
	return out
}
