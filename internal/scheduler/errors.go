package scheduler

import "errors"

// Ошибки schedulers.
var (
	// ErrNoNextBuildTime — расписание больше никогда не сработает
	// (например, 30 февраля).
	ErrNoNextBuildTime = errors.New("no next build time")

	// ErrSchedulerNotFound — scheduler с таким именем не настроен.
	ErrSchedulerNotFound = errors.New("scheduler not found")

	// ErrNotTriggerable — scheduler не принимает запросы от trigger step.
	ErrNotTriggerable = errors.New("scheduler is not triggerable")

	// ErrSchedulerStopped — scheduler остановлен.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrNotTimed — у scheduler нет собственного расписания.
	ErrNotTimed = errors.New("scheduler is not timed")

	// ErrNotStarted — Manager ещё не запущен.
	ErrNotStarted = errors.New("schedulers not started")
)
