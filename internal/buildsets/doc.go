// Package buildsets создаёт buildsets с build requests для schedulers
// и сообщает о новых build requests через RabbitMQ.
//
// Completer завершает buildset после последнего buildrequest.complete
// и публикует buildset.complete с худшим из итогов.
package buildsets
