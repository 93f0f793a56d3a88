package domain

import (
	"fmt"
	"strings"
)

// Result — итог выполнения build или buildset.
//
// Числовые значения совпадают с теми, что хранятся в БД
// (колонка results в buildrequests, builds, buildsets).
type Result int

const (
	// ResultSuccess — build успешно завершён.
	ResultSuccess Result = 0

	// ResultWarnings — build завершён с предупреждениями.
	ResultWarnings Result = 1

	// ResultFailure — build упал.
	ResultFailure Result = 2

	// ResultSkipped — build пропущен.
	ResultSkipped Result = 3

	// ResultException — внутренняя ошибка (конфигурация, агент, инфраструктура).
	ResultException Result = 4

	// ResultRetry — build будет перезапущен.
	ResultRetry Result = 5

	// ResultCancelled — build или шаг отменён.
	ResultCancelled Result = 6
)

var resultWords = [...]string{
	ResultSuccess:   "success",
	ResultWarnings:  "warnings",
	ResultFailure:   "failure",
	ResultSkipped:   "skipped",
	ResultException: "exception",
	ResultRetry:     "retry",
	ResultCancelled: "cancelled",
}

// worstOrder — порядок "тяжести" результатов, от худшего к лучшему.
var worstOrder = [...]Result{
	ResultRetry,
	ResultCancelled,
	ResultException,
	ResultFailure,
	ResultWarnings,
	ResultSuccess,
	ResultSkipped,
}

// String возвращает слово результата ("success", "failure", ...).
func (r Result) String() string {
	if r < 0 || int(r) >= len(resultWords) {
		return fmt.Sprintf("result(%d)", int(r))
	}
	return resultWords[r]
}

// IsValid проверяет, что значение входит в известный набор.
func (r Result) IsValid() bool {
	return r >= 0 && int(r) < len(resultWords)
}

// ParseResult парсит слово результата (регистр не важен).
func ParseResult(s string) (Result, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, w := range resultWords {
		if w == s {
			return Result(i), nil
		}
	}
	return 0, fmt.Errorf("unknown result %q", s)
}

// WorstOf возвращает худший из двух результатов.
//
// Порядок: RETRY > CANCELLED > EXCEPTION > FAILURE > WARNINGS > SUCCESS > SKIPPED.
func WorstOf(a, b Result) Result {
	for _, r := range worstOrder {
		if a == r || b == r {
			return r
		}
	}
	return a
}
