// Package trigger реализует trigger step: шаг build, который запускает
// buildsets в triggerable schedulers и при необходимости ждёт их итога.
//
// Порядок выполнения:
//  1. Имена schedulers вычисляются по свойствам build, все они должны
//     существовать до первого запуска (иначе EXCEPTION).
//  2. Source stamps и свойства вычисляются один раз для всех schedulers.
//  3. Все schedulers запускаются параллельно, ссылки на build requests
//     публикуются сразу.
//  4. С WaitForFinish шаг ждёт все buildsets одновременно, итог шага —
//     худший итог среди важных schedulers.
//
// Прерывание (отмена ctx) завершает шаг с итогом CANCELLED и отменяет
// незавершённые downstream build requests, если агент ещё на связи.
//
// Использование:
//
//	step, err := trigger.New(trigger.Config{
//	    Schedulers:    []string{"deploy"},
//	    WaitForFinish: true,
//	    Resolver:      trigger.Schedulers(manager),
//	})
//	outcome, err := step.Execute(ctx, build)
package trigger
