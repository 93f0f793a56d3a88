package scheduler

import (
	"github.com/shaiso/Conveyor/internal/domain"
)

// NightlyConfig — конфигурация Nightly scheduler.
type NightlyConfig struct {
	TimedConfig

	// Calendar — расписание. Пустое расписание означает "каждый час".
	Calendar CalendarSpec
}

// Nightly запускает сборки по календарю.
type Nightly struct {
	*Timed
	calendar *Calendar
}

// NewNightly создаёт Nightly scheduler.
func NewNightly(cfg NightlyConfig) (*Nightly, error) {
	errs := domain.ConfigErrors{Component: "nightly scheduler " + cfg.Name}
	checkTimedConfig(cfg.TimedConfig, &errs)
	if err := errs.Err(); err != nil {
		return nil, err
	}

	cal, err := cfg.Calendar.Compile()
	if err != nil {
		return nil, err
	}

	return &Nightly{
		Timed:    newTimed("Nightly", cfg.TimedConfig, cal.Next),
		calendar: cal,
	}, nil
}

// Calendar возвращает текущее расписание.
func (n *Nightly) Calendar() CalendarSpec {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calendar.Spec()
}

// SetCalendar меняет расписание и перепланирует следующий запуск.
func (n *Nightly) SetCalendar(spec CalendarSpec) error {
	cal, err := spec.Compile()
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.calendar = cal
	n.mu.Unlock()

	n.setNext(cal.Next)
	return nil
}
