// Package scheduler реализует schedulers master: запуск сборок
// по времени и по запросу trigger step.
//
// Типы schedulers:
//   - Periodic    — сборка каждые Interval, отсчёт между checkpoints
//   - Nightly     — сборка по календарю (minute/hour/day_of_month/month/day_of_week)
//   - Triggerable — buildset по запросу trigger step, итог приходит
//     через событие buildset.complete
//
// Структура:
//   - calendar.go    — CalendarSpec и вычисление следующего времени (robfig/cron)
//   - timed.go       — общий цикл Periodic и Nightly, checkpoints в StateStore
//   - periodic.go    — Periodic
//   - nightly.go     — Nightly
//   - triggerable.go — Triggerable
//   - definition.go  — описание scheduler в конфигурации master
//   - scheduler.go   — Manager: набор schedulers, Apply, consumer buildset.complete
//
// Использование:
//
//	mgr := scheduler.NewManager(scheduler.ManagerConfig{
//	    Deps: scheduler.Deps{
//	        Store:   stateRepo,
//	        Starter: creator,
//	        Logger:  logger,
//	    },
//	    Conn: mqConn,
//	})
//
//	if err := mgr.Apply(ctx, cfg.Schedulers); err != nil {
//	    return err
//	}
//	if err := mgr.Start(ctx); err != nil {
//	    logger.Error("failed to start schedulers", "error", err)
//	}
//	defer mgr.Stop()
//
// Checkpoint timed scheduler записывается до запуска buildset:
// после рестарта master следующий запуск считается от последней
// попытки, даже если она завершилась ошибкой.
package scheduler
