package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/buildsets"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/props"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/trigger"
)

// PropertySource — источник свойств, заданных в командной строке.
const PropertySource = "Command Line"

// ErrTriggerFailed — итог запущенных buildsets хуже WARNINGS.
var ErrTriggerFailed = errors.New("triggered builds failed")

// TriggerOptions — параметры команды trigger.
type TriggerOptions struct {
	Schedulers  []string
	Unimportant []string
	Wait        bool
	Properties  []string
	Stamp       domain.SourceStamp
	Timeout     time.Duration
}

// TriggerResult — итог команды trigger.
type TriggerResult struct {
	Result    string                       `json:"result"`
	Status    string                       `json:"status"`
	Buildsets map[string]domain.BuildsetID `json:"buildsets"`
}

// triggerEnv — зависимости trigger step.
type triggerEnv struct {
	baseURL   string
	resolver  trigger.Resolver
	builds    trigger.BuildLookup
	canceller trigger.Canceller
	logger    *slog.Logger
}

// NewTriggerCmd создаёт команду ручного запуска trigger step.
func NewTriggerCmd(outputFn func() *Output) *cobra.Command {
	var opts TriggerOptions
	env := config.LoadEnv()

	cmd := &cobra.Command{
		Use:   "trigger SCHEDULER...",
		Short: "Trigger builds through triggerable schedulers of a master config",
		Long: `Trigger builds through triggerable schedulers of a master config.

Buildsets are created in the master database and announced over RabbitMQ.
With --wait the command follows buildset.complete events on its own
exclusive queue and exits non-zero if the important builds failed.
Interrupting a waiting command cancels the build requests it started.`,
		Example: `  conveyor trigger deploy -p env=staging --branch main --wait`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Schedulers = args
			out := outputFn()
			logger := slog.Default()

			ctx := cmd.Context()
			if opts.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
				defer cancel()
			}

			f, err := readConfig(env.ConfigPath)
			if err != nil {
				return err
			}
			if err := f.Validate(); err != nil {
				return err
			}

			pool, err := repo.NewPool(ctx, env.DBURL)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			conn, err := dialBroker(ctx, env.RabbitMQURL, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			publisher := mq.NewPublisher(conn, logger)
			creator := buildsets.New(buildsets.Config{
				Store:     repo.NewBuildsetRepo(pool),
				Publisher: publisher,
				Logger:    logger,
			})

			mgr := scheduler.NewManager(scheduler.ManagerConfig{
				Deps: scheduler.Deps{
					Store:   repo.NewStateRepo(pool),
					Starter: creator,
					Logger:  logger,
				},
				Conn:      conn,
				Exclusive: true,
			})
			if err := mgr.Apply(ctx, f.Triggerable()); err != nil {
				return err
			}
			// очередь buildset.complete должна существовать до создания buildsets
			if err := mgr.Start(ctx); err != nil {
				return err
			}
			defer mgr.Stop()

			outcome, err := runTrigger(ctx, out, triggerEnv{
				baseURL:   f.BuildbotURL,
				resolver:  trigger.Schedulers(mgr),
				builds:    repo.NewBuildRepo(pool),
				canceller: mq.NewController(mq.ControllerConfig{Publisher: publisher, Logger: logger}),
				logger:    logger,
			}, opts)
			if err != nil {
				return err
			}
			return printOutcome(out, outcome)
		},
	}

	cmd.Flags().StringVar(&env.ConfigPath, "config", env.ConfigPath, "Master config file")
	cmd.Flags().StringVar(&env.DBURL, "db-url", env.DBURL, "Postgres DSN (default: $DB_URL or local)")
	cmd.Flags().StringVar(&env.RabbitMQURL, "amqp-url", env.RabbitMQURL, "RabbitMQ URL (default: $RABBITMQ_URL or local)")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "Wait for triggered builds to finish")
	cmd.Flags().StringSliceVar(&opts.Unimportant, "unimportant", nil, "Schedulers whose result is ignored")
	cmd.Flags().StringArrayVarP(&opts.Properties, "property", "p", nil, "Build property (key=value), repeatable")
	cmd.Flags().StringVar(&opts.Stamp.Project, "project", "", "Source stamp project")
	cmd.Flags().StringVar(&opts.Stamp.Codebase, "codebase", "", "Source stamp codebase")
	cmd.Flags().StringVar(&opts.Stamp.Repository, "repository", "", "Source stamp repository")
	cmd.Flags().StringVar(&opts.Stamp.Branch, "branch", "", "Source stamp branch")
	cmd.Flags().StringVar(&opts.Stamp.Revision, "revision", "", "Source stamp revision")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Give up waiting after this duration")

	return cmd
}

// runTrigger выполняет trigger step от имени build без агента.
func runTrigger(ctx context.Context, out *Output, env triggerEnv, opts TriggerOptions) (trigger.Outcome, error) {
	properties, err := parseProperties(opts.Properties)
	if err != nil {
		return trigger.Outcome{}, err
	}

	cfg := trigger.Config{
		Schedulers:    opts.Schedulers,
		Unimportant:   opts.Unimportant,
		WaitForFinish: opts.Wait,
		SetProperties: properties,
		BaseURL:       env.baseURL,
		Resolver:      env.resolver,
		Builds:        env.builds,
		Links:         linkPrinter{out: out},
		Canceller:     env.canceller,
		Logger:        env.logger,
	}
	if opts.Stamp != (domain.SourceStamp{}) {
		cfg.SourceStamp = stampMap(opts.Stamp)
	}

	step, err := trigger.New(cfg)
	if err != nil {
		return trigger.Outcome{}, err
	}

	return step.Execute(ctx, trigger.Build{
		Properties: props.FromMap(nil, PropertySource),
	})
}

// parseProperties разбирает свойства вида key=value.
func parseProperties(raw []string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q, expected key=value", kv)
		}
		out[key] = value
	}
	return out, nil
}

func stampMap(ss domain.SourceStamp) map[string]any {
	return map[string]any{
		"project":    ss.Project,
		"codebase":   ss.Codebase,
		"repository": ss.Repository,
		"branch":     ss.Branch,
		"revision":   ss.Revision,
	}
}

func printOutcome(out *Output, outcome trigger.Outcome) error {
	names := slices.Sorted(maps.Keys(outcome.Buildsets))
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, fmt.Sprint(outcome.Buildsets[name])})
	}
	out.Print([]string{"SCHEDULER", "BUILDSET"}, rows, TriggerResult{
		Result:    outcome.Result.String(),
		Status:    outcome.Status,
		Buildsets: outcome.Buildsets,
	})
	out.Successf("%s: %s", outcome.Status, outcome.Result)

	if domain.WorstOf(outcome.Result, domain.ResultWarnings) != domain.ResultWarnings {
		return fmt.Errorf("%w: %s", ErrTriggerFailed, outcome.Result)
	}
	return nil
}

// linkPrinter выводит ссылки на запущенные build requests и builds.
type linkPrinter struct {
	out *Output
}

func (p linkPrinter) AddLink(_ context.Context, link trigger.Link) {
	p.out.Successf("%s: %s", link.Label, link.URL)
}
