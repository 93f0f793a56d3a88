// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// Команды делятся на три группы:
//   - удалённые: работают с API запущенного master по HTTP и не
//     импортируют его внутренние пакеты (scheduler, canceller)
//   - локальные: считают расписания, ключи веток и проверяют
//     конфигурацию без master; trigger подключается к БД и RabbitMQ
//     напрямую
//   - события: sendchange и complete-request публикуют события
//     в RabbitMQ от имени внешних build engines
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API master. Раскрывает конверт {"data": ...},
// ответ с ошибкой превращает в *APIError (IsNotFound для 404).
//
//	client := cli.NewClient("http://localhost:8010")
//	schedulers, err := client.ListSchedulers(ctx)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.Encoder с отступами) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Successf/Errorf) — в stderr.
// Это позволяет использовать pipe: conveyor scheduler list --json | jq .
//
// ## Commands
//
//   - scheduler: list, show, enable, disable
//   - canceller: состояние canceller
//   - next-build: следующие времена сборки по календарю
//   - branch-key: ключ ветки, по которому canceller сравнивает build requests
//   - validate: проверка файлов конфигурации master
//   - trigger: ручной запуск trigger step (--wait ждёт завершения)
//   - buildrequest: состояние build request
//   - sendchange: публикация нового коммита (change.new)
//   - complete-request: завершение build request (buildrequest.complete)
//
// Удалённые команды создаются фабриками, принимающими clientFn и outputFn —
// замыкания для ленивого создания Client и Output после парсинга
// PersistentFlags.
package cli
