package canceller

import (
	"fmt"
	"regexp"
	"strings"
)

// BranchKeyFunc нормализует имя ветки в ключ.
//
// Build requests и коммиты с одинаковым ключом считаются
// принадлежащими одной ветке.
type BranchKeyFunc func(branch string) string

// Имена стратегий ключа ветки в конфигурации.
const (
	BranchKeyDefault = "default"
	BranchKeyNone    = "none"
)

var gerritChangeRe = regexp.MustCompile(`^refs/changes/(\d+)/(\d+)/\d+`)

// DefaultBranchKey сворачивает все patchsets одного review в один ключ:
// refs/changes/12/3456/7 → refs/changes/12/3456.
// Остальные ветки возвращаются без изменений.
func DefaultBranchKey(branch string) string {
	if !strings.HasPrefix(branch, "refs/changes/") {
		return branch
	}
	m := gerritChangeRe.FindStringSubmatch(branch)
	if m == nil {
		return branch
	}
	return "refs/changes/" + m[1] + "/" + m[2]
}

// IdentityBranchKey использует имя ветки как есть.
func IdentityBranchKey(branch string) string {
	return branch
}

// BranchKeyByName возвращает стратегию по имени из конфигурации.
// Пустое имя означает стратегию по умолчанию.
func BranchKeyByName(name string) (BranchKeyFunc, error) {
	switch name {
	case "", BranchKeyDefault:
		return DefaultBranchKey, nil
	case BranchKeyNone:
		return IdentityBranchKey, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBranchKey, name)
	}
}
