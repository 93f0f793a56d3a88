package canceller

import (
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
)

// SourceStampKey — идентичность ветки: (project, codebase, repository, branch key).
type SourceStampKey struct {
	Project    string
	Codebase   string
	Repository string
	Branch     string
}

func (k SourceStampKey) String() string {
	return fmt.Sprintf("%s/%s/%s@%s", k.Project, k.Codebase, k.Repository, k.Branch)
}

// Index отслеживает активные build requests по веткам.
//
// Когда в ветку приходит новый коммит, все build requests этой ветки
// становятся устаревшими: индекс забывает их и вызывает onCancel.
//
// Index не делает I/O и не потокобезопасен: им владеет одна горутина
// (dispatch loop в Canceller).
type Index struct {
	filters   *FilterSet
	branchKey BranchKeyFunc
	tracked   *multimap[SourceStampKey, domain.BuildRequestID]
	onCancel  func(domain.BuildRequestID)
}

// NewIndex создаёт индекс.
//
// filters может быть nil (ничего не отслеживается), branchKey nil
// означает DefaultBranchKey, onCancel nil означает, что ids
// только возвращаются из OnChange.
func NewIndex(filters *FilterSet, branchKey BranchKeyFunc, onCancel func(domain.BuildRequestID)) *Index {
	if filters == nil {
		filters = &FilterSet{}
	}
	if branchKey == nil {
		branchKey = DefaultBranchKey
	}
	return &Index{
		filters:   filters,
		branchKey: branchKey,
		tracked:   newMultimap[SourceStampKey, domain.BuildRequestID](),
		onCancel:  onCancel,
	}
}

// Reconfigure заменяет фильтры и стратегию ключа.
// Уже отслеживаемые build requests не трогаются.
func (ix *Index) Reconfigure(filters *FilterSet, branchKey BranchKeyFunc) {
	if filters == nil {
		filters = &FilterSet{}
	}
	if branchKey == nil {
		branchKey = DefaultBranchKey
	}
	ix.filters = filters
	ix.branchKey = branchKey
}

// AddFilter добавляет фильтр к текущему набору.
func (ix *Index) AddFilter(builders []string, p Predicate) {
	ix.filters.AddFilter(builders, p)
}

// IsMatched проверяет, отслеживался бы source stamp для builder.
func (ix *Index) IsMatched(builderName string, ss domain.SourceStamp) bool {
	return ix.filters.IsMatched(builderName, ss)
}

// IsTracked проверяет, отслеживается ли build request.
func (ix *Index) IsTracked(id domain.BuildRequestID) bool {
	return ix.tracked.Has(id)
}

// Keys возвращает ключи, под которыми отслеживается build request.
func (ix *Index) Keys(id domain.BuildRequestID) []SourceStampKey {
	return ix.tracked.Keys(id)
}

// Len возвращает количество отслеживаемых build requests.
func (ix *Index) Len() int {
	return ix.tracked.Len()
}

func (ix *Index) key(ss domain.SourceStamp) SourceStampKey {
	return SourceStampKey{
		Project:    ss.Project,
		Codebase:   ss.Codebase,
		Repository: ss.Repository,
		Branch:     ix.branchKey(ss.Branch),
	}
}

// OnNewBuildRequest начинает отслеживать build request.
//
// Если хотя бы у одного source stamp нет ветки, build request не
// отслеживается совсем. Если ни один source stamp не прошёл фильтры,
// тоже. Возвращает true, если build request теперь отслеживается.
func (ix *Index) OnNewBuildRequest(id domain.BuildRequestID, builderName string, stamps []domain.SourceStamp) (bool, error) {
	var keys []SourceStampKey
	for _, ss := range stamps {
		if !ss.HasBranch() {
			return false, nil
		}
		// достаточно совпадения по одной ветке одного codebase
		if ix.filters.IsMatched(builderName, ss) {
			keys = append(keys, ix.key(ss))
		}
	}
	if len(keys) == 0 {
		return false, nil
	}

	if err := ix.tracked.Insert(id, keys); err != nil {
		return false, err
	}
	return true, nil
}

// OnCompleteBuildRequest перестаёт отслеживать build request.
// Для неотслеживаемого id ничего не делает.
func (ix *Index) OnCompleteBuildRequest(id domain.BuildRequestID) error {
	_, err := ix.tracked.Remove(id)
	return err
}

// OnChange забывает все build requests ветки коммита и вызывает
// onCancel для каждого из них (после всех удалений).
//
// Возвращает отменённые ids по возрастанию. Ошибка ErrIndexCorrupted
// возвращается после вызовов onCancel.
func (ix *Index) OnChange(change domain.Change) ([]domain.BuildRequestID, error) {
	ids, err := ix.tracked.RemoveKey(ix.key(change.SourceStamp()))
	if ix.onCancel != nil {
		for _, id := range ids {
			ix.onCancel(id)
		}
	}
	return ids, err
}

// verify проверяет инварианты индекса (для тестов).
func (ix *Index) verify() error {
	return ix.tracked.verify()
}
