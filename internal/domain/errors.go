package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig — конфигурация компонента некорректна.
//
// Такие ошибки обнаруживаются при создании или реконфигурации
// и блокируют активацию компонента.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError — набор проблем конфигурации одного компонента.
type ConfigError struct {
	Component string
	Problems  []string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(ErrInvalidConfig.Error())
	if e.Component != "" {
		b.WriteString(" for ")
		b.WriteString(e.Component)
	}
	b.WriteString(": ")
	b.WriteString(strings.Join(e.Problems, "; "))
	return b.String()
}

// Unwrap позволяет проверять errors.Is(err, ErrInvalidConfig).
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// ConfigErrors накапливает проблемы конфигурации.
//
//	errs := domain.ConfigErrors{Component: "trigger"}
//	errs.Addf("schedulerNames is required")
//	return errs.Err()
type ConfigErrors struct {
	Component string
	problems  []string
}

// Add добавляет проблему.
func (c *ConfigErrors) Add(problem string) {
	c.problems = append(c.problems, problem)
}

// Addf добавляет форматированную проблему.
func (c *ConfigErrors) Addf(format string, args ...any) {
	c.Add(fmt.Sprintf(format, args...))
}

// Err возвращает *ConfigError или nil, если проблем нет.
func (c *ConfigErrors) Err() error {
	if len(c.problems) == 0 {
		return nil
	}
	return &ConfigError{Component: c.Component, Problems: c.problems}
}
