// Package canceller отменяет build requests, устаревшие из-за новых коммитов.
//
// Структура:
//   - multimap.go  — двунаправленное отображение build request ↔ ключи веток
//   - index.go     — Index: отслеживание build requests по веткам (без I/O)
//   - filterset.go — фильтры source stamps по builders
//   - branchkey.go — нормализация имени ветки (patchsets одного review — одна ветка)
//   - canceller.go — сервис: очередь событий, реконфигурация, отправка отмен
//   - handlers.go  — обработчики событий RabbitMQ
//
// Поток данных:
//
//	buildrequest.new ──► Index.OnNewBuildRequest
//	buildrequest.complete ──► Index.OnCompleteBuildRequest (отложено при реконфигурации)
//	change.new ──► Index.OnChange ──► Controller.CancelBuildRequest
package canceller
