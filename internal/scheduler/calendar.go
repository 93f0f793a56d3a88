package scheduler

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Conveyor/internal/domain"
)

// calendarParser — парсер cron-выражений с полем секунд.
// Секунды всегда 0: следующее время выпадает на начало минуты.
var calendarParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Field — значения одного поля календаря.
//
// nil — поле не задано, Every ("*") — любое значение.
// Для минут незаданное поле означает 0 (сборка раз в час),
// для остальных полей nil и Every равнозначны.
type Field []int

// Every — любое значение поля.
var Every = Field{}

// IsSet возвращает true, если поле задано явно.
func (f Field) IsSet() bool {
	return f != nil
}

// IsEvery возвращает true для "*".
func (f Field) IsEvery() bool {
	return f != nil && len(f) == 0
}

// dayNames — имена дней недели, 0 = понедельник.
var dayNames = map[string]int{
	"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6,
}

// ParseField парсит поле календаря: "*", "4", "4,34", "tue,3".
// Имена дней недели допускаются, если names != nil.
func ParseField(s string, names map[string]int) (Field, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if s == "*" {
		return Every, nil
	}

	var f Field
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if v, ok := names[part]; ok {
			f = append(f, v)
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid calendar value %q", part)
		}
		f = append(f, v)
	}
	return f, nil
}

// ParseDayOfWeek парсит поле дней недели (0 = понедельник, допускаются имена).
func ParseDayOfWeek(s string) (Field, error) {
	return ParseField(s, dayNames)
}

// UnmarshalJSON принимает число, строку ("*", "4,34", "tue") или список.
func (f *Field) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*f = nil
	case float64:
		*f = Field{int(v)}
	case string:
		parsed, err := ParseField(v, dayNames)
		if err != nil {
			return err
		}
		*f = parsed
	case []any:
		out := Field{}
		for _, item := range v {
			switch iv := item.(type) {
			case float64:
				out = append(out, int(iv))
			case string:
				parsed, err := ParseField(iv, dayNames)
				if err != nil {
					return err
				}
				out = append(out, parsed...)
			default:
				return fmt.Errorf("invalid calendar value %v", item)
			}
		}
		*f = out
	default:
		return fmt.Errorf("invalid calendar field %s", string(data))
	}
	return nil
}

// CalendarSpec — расписание по календарю.
//
// Минуты, часы и месяц ограничивают время через AND. День подходит по
// DayOfMonth ИЛИ DayOfWeek, если заданы оба, иначе по заданному.
// DayOfWeek: 0 = понедельник … 6 = воскресенье.
type CalendarSpec struct {
	Minute     Field
	Hour       Field
	DayOfMonth Field
	Month      Field
	DayOfWeek  Field

	// Location — часовой пояс (default: time.Local).
	Location *time.Location
}

// Validate проверяет диапазоны значений.
func (s CalendarSpec) Validate() error {
	errs := domain.ConfigErrors{Component: "calendar"}
	check := func(name string, f Field, lo, hi int) {
		for _, v := range f {
			if v < lo || v > hi {
				errs.Addf("%s value %d out of range [%d, %d]", name, v, lo, hi)
			}
		}
	}
	check("minute", s.Minute, 0, 59)
	check("hour", s.Hour, 0, 23)
	check("dayOfMonth", s.DayOfMonth, 1, 31)
	check("month", s.Month, 1, 12)
	check("dayOfWeek", s.DayOfWeek, 0, 6)
	return errs.Err()
}

// Expression возвращает эквивалентное cron-выражение из пяти полей
// (дни недели в нумерации cron: 0 = воскресенье).
func (s CalendarSpec) Expression() string {
	minute := "0"
	if s.Minute.IsSet() {
		minute = joinField(s.Minute)
	}

	dow := make(Field, 0, len(s.DayOfWeek))
	for _, d := range s.DayOfWeek {
		dow = append(dow, (d+1)%7)
	}

	return strings.Join([]string{
		minute,
		joinField(s.Hour),
		joinField(s.DayOfMonth),
		joinField(s.Month),
		joinField(dow),
	}, " ")
}

func joinField(f Field) string {
	if len(f) == 0 {
		return "*"
	}
	values := slices.Clone(f)
	slices.Sort(values)
	values = slices.Compact(values)

	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// Calendar — скомпилированное расписание.
type Calendar struct {
	spec     CalendarSpec
	schedule *cron.SpecSchedule
}

// Compile проверяет и компилирует расписание.
func (s CalendarSpec) Compile() (*Calendar, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	parsed, err := calendarParser.Parse("0 " + s.Expression())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	sched, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("unexpected schedule type %T", parsed)
	}
	if s.Location != nil {
		sched.Location = s.Location
	}

	return &Calendar{spec: s, schedule: sched}, nil
}

// Spec возвращает исходное расписание.
func (c *Calendar) Spec() CalendarSpec {
	return c.spec
}

// Next возвращает первое подходящее время строго после last.
// Если запусков ещё не было (last == nil), сборка нужна сразу: now.
func (c *Calendar) Next(last *time.Time, now time.Time) (time.Time, error) {
	if last == nil {
		return now, nil
	}
	next := c.schedule.Next(*last)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w after %s", ErrNoNextBuildTime, last.Format(time.RFC3339))
	}
	return next, nil
}

// NextBuildTime вычисляет следующее время сборки по расписанию.
func NextBuildTime(last *time.Time, spec CalendarSpec, now time.Time) (time.Time, error) {
	cal, err := spec.Compile()
	if err != nil {
		return time.Time{}, err
	}
	return cal.Next(last, now)
}
