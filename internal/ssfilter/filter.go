// Package ssfilter реализует фильтры source stamps.
//
// Фильтр проверяет поля project, codebase, repository и branch.
// Для каждого поля можно задать списки значений:
//
//	eq         — значение должно совпадать с одним из списка
//	not_eq     — значение не должно совпадать ни с одним
//	regex      — хотя бы одно выражение совпадает с началом значения
//	not_regex  — ни одно выражение не совпадает
//
// Условия внутри поля и между полями объединяются через AND.
package ssfilter

import (
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ErrInvalidRegex — регулярное выражение не компилируется.
var ErrInvalidRegex = errors.New("invalid filter regex")

// ValueFilter — условия для одного поля source stamp.
//
// Пустой ValueFilter пропускает любое значение.
type ValueFilter struct {
	Eq       []string `json:"eq,omitempty" yaml:"eq,omitempty"`
	NotEq    []string `json:"not_eq,omitempty" yaml:"not_eq,omitempty"`
	Regex    []string `json:"regex,omitempty" yaml:"regex,omitempty"`
	NotRegex []string `json:"not_regex,omitempty" yaml:"not_regex,omitempty"`
}

// Spec — декларативное описание фильтра (из конфигурации).
type Spec struct {
	Project    ValueFilter `json:"project,omitzero" yaml:"project,omitempty"`
	Codebase   ValueFilter `json:"codebase,omitzero" yaml:"codebase,omitempty"`
	Repository ValueFilter `json:"repository,omitzero" yaml:"repository,omitempty"`
	Branch     ValueFilter `json:"branch,omitzero" yaml:"branch,omitempty"`
}

// Filter — скомпилированный фильтр source stamps.
type Filter struct {
	project    fieldMatcher
	codebase   fieldMatcher
	repository fieldMatcher
	branch     fieldMatcher
}

// Compile компилирует Spec в Filter.
func Compile(spec Spec) (*Filter, error) {
	var f Filter
	var errs []error

	fields := []struct {
		name string
		vf   ValueFilter
		dst  *fieldMatcher
	}{
		{"project", spec.Project, &f.project},
		{"codebase", spec.Codebase, &f.codebase},
		{"repository", spec.Repository, &f.repository},
		{"branch", spec.Branch, &f.branch},
	}

	for _, field := range fields {
		m, err := compileField(field.vf)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field.name, err))
			continue
		}
		*field.dst = m
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &f, nil
}

// MustCompile как Compile, но паникует при ошибке.
// Используется в тестах и для статических фильтров.
func MustCompile(spec Spec) *Filter {
	f, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	return f
}

// MatchAll возвращает фильтр, пропускающий любой source stamp.
func MatchAll() *Filter {
	return &Filter{}
}

// IsMatched проверяет source stamp.
func (f *Filter) IsMatched(ss domain.SourceStamp) bool {
	return f.project.match(ss.Project) &&
		f.codebase.match(ss.Codebase) &&
		f.repository.match(ss.Repository) &&
		f.branch.match(ss.Branch)
}

// fieldMatcher — скомпилированные условия для одного поля.
type fieldMatcher struct {
	eq       []string
	notEq    []string
	regex    []*regexp.Regexp
	notRegex []*regexp.Regexp
}

func compileField(vf ValueFilter) (fieldMatcher, error) {
	m := fieldMatcher{
		eq:    slices.Clone(vf.Eq),
		notEq: slices.Clone(vf.NotEq),
	}

	var err error
	if m.regex, err = compileRegexps(vf.Regex); err != nil {
		return fieldMatcher{}, err
	}
	if m.notRegex, err = compileRegexps(vf.NotRegex); err != nil {
		return fieldMatcher{}, err
	}
	return m, nil
}

// compileRegexps компилирует выражения с привязкой к началу строки.
func compileRegexps(exprs []string) ([]*regexp.Regexp, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	result := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(`^(?:` + expr + `)`)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidRegex, expr, err)
		}
		result = append(result, re)
	}
	return result, nil
}

func (m fieldMatcher) match(value string) bool {
	if len(m.eq) > 0 && !slices.Contains(m.eq, value) {
		return false
	}
	if slices.Contains(m.notEq, value) {
		return false
	}
	if len(m.regex) > 0 && !anyMatch(m.regex, value) {
		return false
	}
	if anyMatch(m.notRegex, value) {
		return false
	}
	return true
}

func anyMatch(res []*regexp.Regexp, value string) bool {
	for _, re := range res {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}
