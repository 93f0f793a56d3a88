package canceller

import (
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Predicate — условие на source stamp (см. ssfilter.Filter).
type Predicate interface {
	IsMatched(ss domain.SourceStamp) bool
}

// FilterTuple — фильтр для набора builders.
type FilterTuple struct {
	Builders []string
	Filter   Predicate
}

// CheckFilters проверяет конфигурацию фильтров.
func CheckFilters(filters []FilterTuple) error {
	errs := domain.ConfigErrors{Component: "canceller"}
	for i, f := range filters {
		if len(f.Builders) == 0 {
			errs.Addf("filter %d: builders list is empty", i)
		}
		for _, b := range f.Builders {
			if b == "" {
				errs.Addf("filter %d: builder name is empty", i)
				break
			}
		}
		if f.Filter == nil {
			errs.Addf("filter %d: source stamp filter is required", i)
		}
	}
	return errs.Err()
}

// FilterSet — фильтры по имени builder.
//
// Build request подходит, если хотя бы один фильтр его builder
// пропускает source stamp. После установки в индекс не изменяется,
// при реконфигурации заменяется целиком.
type FilterSet struct {
	byBuilder map[string][]Predicate
}

// NewFilterSet создаёт FilterSet из проверенных кортежей.
func NewFilterSet(filters []FilterTuple) (*FilterSet, error) {
	if err := CheckFilters(filters); err != nil {
		return nil, err
	}
	fs := &FilterSet{byBuilder: make(map[string][]Predicate)}
	for _, f := range filters {
		fs.AddFilter(f.Builders, f.Filter)
	}
	return fs, nil
}

// AddFilter добавляет фильтр для каждого из builders.
func (fs *FilterSet) AddFilter(builders []string, p Predicate) {
	if p == nil {
		panic(fmt.Sprintf("canceller: nil predicate for builders %v", builders))
	}
	if fs.byBuilder == nil {
		fs.byBuilder = make(map[string][]Predicate)
	}
	for _, b := range builders {
		fs.byBuilder[b] = append(fs.byBuilder[b], p)
	}
}

// IsMatched проверяет, отслеживается ли source stamp для builder.
func (fs *FilterSet) IsMatched(builderName string, ss domain.SourceStamp) bool {
	if fs == nil {
		return false
	}
	for _, p := range fs.byBuilder[builderName] {
		if p.IsMatched(ss) {
			return true
		}
	}
	return false
}

// Builders возвращает количество builders с фильтрами.
func (fs *FilterSet) Builders() int {
	if fs == nil {
		return 0
	}
	return len(fs.byBuilder)
}
