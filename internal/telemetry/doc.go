// Package telemetry — логирование и метрики master и CLI.
//
// Логгер настраивается из LOG_LEVEL и LOG_FORMAT, компоненты получают
// его в Config и добавляют свои атрибуты (component, scheduler, brid).
// Метрики регистрируются через promauto при импорте пакета и отдаются
// master на /metrics.
package telemetry
