// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings, очереди подписчиков
//   - publisher.go  — публикация событий и команд
//   - consumer.go   — потребление сообщений из очередей
//   - control.go    — Controller: команды отмены build requests с retry
//
// Типы сообщений:
//   - change.new             — новый коммит
//   - buildrequest.new       — создан build request
//   - buildrequest.complete  — build request завершён
//   - buildset.complete      — buildset завершён
//   - buildrequest.cancel    — команда отмены build request
//
// Exchanges:
//   - conveyor.changes        — события коммитов (topic)
//   - conveyor.buildrequests  — события build requests (topic)
//   - conveyor.buildsets      — события buildsets (topic)
//   - conveyor.control        — команды (direct)
//   - conveyor.dlq            — dead letter queue
package mq
