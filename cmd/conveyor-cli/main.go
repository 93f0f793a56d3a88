// Conveyor CLI — инструмент командной строки для master:
// состояние schedulers и canceller через HTTP API, расчёт расписаний,
// проверка конфигурации, ручной запуск trigger step и события
// для внешних build engines.
//
// Использование:
//
//	conveyor [--api-url URL] [--json] <command> [flags]
//
// Команды:
//
//	scheduler         Состояние и переключение schedulers
//	canceller         Состояние canceller
//	next-build        Следующие времена сборки по календарю
//	branch-key        Ключи веток canceller
//	validate          Проверка файлов конфигурации master
//	trigger           Запуск triggerable schedulers
//	sendchange        Публикация нового коммита
//	complete-request  Завершение build request
//	buildrequest      Состояние build request
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/cli"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	telemetry.SetupCLILogger()

	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor CLI — build scheduling tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8010", "Master API URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewSchedulerCmd(clientFn, outputFn),
		cli.NewCancellerCmd(clientFn, outputFn),
		cli.NewNextBuildCmd(outputFn),
		cli.NewBranchKeyCmd(outputFn),
		cli.NewValidateCmd(outputFn),
		cli.NewTriggerCmd(outputFn),
		cli.NewSendChangeCmd(outputFn),
		cli.NewCompleteRequestCmd(outputFn),
		cli.NewBuildRequestCmd(clientFn, outputFn),
	)

	// Ctrl-C прерывает trigger --wait и отменяет запущенные build requests
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
