package domain

import (
	"sort"
	"time"
)

// BuildRequestID — идентификатор build request (buildrequests.id).
type BuildRequestID int64

// SourceStamp — состояние исходного кода, на котором строится build.
//
// Пустой Branch означает, что ветка неизвестна
// (например, build запущен на конкретной ревизии).
type SourceStamp struct {
	Project    string `json:"project"`
	Codebase   string `json:"codebase"`
	Repository string `json:"repository"`
	Branch     string `json:"branch,omitempty"`
	Revision   string `json:"revision,omitempty"`
}

// HasBranch возвращает true, если ветка известна.
func (s SourceStamp) HasBranch() bool {
	return s.Branch != ""
}

// SortByCodebase сортирует source stamps по codebase (in-place).
func SortByCodebase(stamps []SourceStamp) {
	sort.SliceStable(stamps, func(i, j int) bool {
		return stamps[i].Codebase < stamps[j].Codebase
	})
}

// Change — новый коммит, обнаруженный в системе контроля версий.
type Change struct {
	ChangeID   int64     `json:"change_id"`
	Project    string    `json:"project"`
	Codebase   string    `json:"codebase"`
	Repository string    `json:"repository"`
	Branch     string    `json:"branch"`
	Revision   string    `json:"revision,omitempty"`
	When       time.Time `json:"when"`
}

// SourceStamp возвращает source stamp, соответствующий коммиту.
func (c Change) SourceStamp() SourceStamp {
	return SourceStamp{
		Project:    c.Project,
		Codebase:   c.Codebase,
		Repository: c.Repository,
		Branch:     c.Branch,
		Revision:   c.Revision,
	}
}
