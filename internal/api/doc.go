// Package api содержит HTTP API master.
//
// Структура:
//   - handler.go              — Handler с зависимостями (schedulers, canceller, build requests, logger)
//   - routes.go               — регистрация маршрутов
//   - middleware.go           — middleware (request id, logging, recovery)
//   - response.go             — унифицированные JSON-ответы и обработка ошибок
//   - dto.go                  — Data Transfer Objects (request/response)
//   - scheduler_handler.go    — обработчики для /schedulers и /canceller
//   - buildrequest_handler.go — обработчик для /buildrequests/{id}
//
// API только показывает состояние schedulers, canceller и build requests
// и позволяет временно выключить timed scheduler. Конфигурация меняется
// через файл.
package api
