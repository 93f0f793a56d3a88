package scheduler

import (
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// PeriodicConfig — конфигурация Periodic scheduler.
type PeriodicConfig struct {
	TimedConfig

	// Interval — интервал между запусками (> 0).
	Interval time.Duration
}

// Periodic запускает сборки с фиксированным интервалом.
//
// Интервал отсчитывается между checkpoints (моментами начала запуска),
// а не от завершения предыдущего запуска.
type Periodic struct {
	*Timed
	interval time.Duration
}

// NewPeriodic создаёт Periodic scheduler.
func NewPeriodic(cfg PeriodicConfig) (*Periodic, error) {
	errs := domain.ConfigErrors{Component: "periodic scheduler " + cfg.Name}
	checkTimedConfig(cfg.TimedConfig, &errs)
	if cfg.Interval <= 0 {
		errs.Addf("interval must be positive, got %s", cfg.Interval)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	return &Periodic{
		Timed:    newTimed("Periodic", cfg.TimedConfig, periodicNext(cfg.Interval)),
		interval: cfg.Interval,
	}, nil
}

// Interval возвращает текущий интервал.
func (p *Periodic) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval меняет интервал и перепланирует следующий запуск.
func (p *Periodic) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		errs := domain.ConfigErrors{Component: "periodic scheduler " + p.name}
		errs.Addf("interval must be positive, got %s", interval)
		return errs.Err()
	}
	p.mu.Lock()
	p.interval = interval
	p.mu.Unlock()

	p.setNext(periodicNext(interval))
	return nil
}

// periodicNext: без запусков — сразу, иначе checkpoint + interval.
func periodicNext(interval time.Duration) NextTimeFunc {
	return func(last *time.Time, now time.Time) (time.Time, error) {
		if last == nil {
			return now, nil
		}
		return last.Add(interval), nil
	}
}
