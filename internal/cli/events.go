package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
)

// ChangePublisher публикует change.new (см. mq.Publisher).
type ChangePublisher interface {
	PublishChange(ctx context.Context, change domain.Change) error
}

// RequestCompleter завершает build request в БД (см. repo.BuildRequestRepo).
type RequestCompleter interface {
	Complete(ctx context.Context, id domain.BuildRequestID, result domain.Result) (domain.BuildsetID, error)
}

// CompletePublisher публикует buildrequest.complete (см. mq.Publisher).
type CompletePublisher interface {
	PublishBuildRequestComplete(ctx context.Context, payload mq.BuildRequestCompletePayload) error
}

// dialBroker подключается к RabbitMQ и объявляет топологию.
func dialBroker(ctx context.Context, amqpURL string, logger *slog.Logger) (*mq.Connection, error) {
	if amqpURL == "" {
		amqpURL = mq.DefaultURL()
	}
	conn, err := mq.DialWithRetry(ctx, amqpURL, logger, 3)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	if err := mq.SetupTopology(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// NewSendChangeCmd создаёт команду публикации коммита.
func NewSendChangeCmd(outputFn func() *Output) *cobra.Command {
	var change domain.Change
	var when string
	env := config.LoadEnv()

	cmd := &cobra.Command{
		Use:   "sendchange",
		Short: "Announce a new commit to the master",
		Long: `Announce a new commit to the master.

The change is published as change.new. The obsolete build canceller
cancels pending build requests of the same branch.`,
		Example: `  conveyor sendchange --project app --branch feature --revision abc123`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if change.Branch == "" {
				return fmt.Errorf("--branch is required")
			}
			change.When = time.Now().UTC()
			if when != "" {
				t, err := time.Parse(time.RFC3339, when)
				if err != nil {
					return fmt.Errorf("invalid --when: %w", err)
				}
				change.When = t
			}

			conn, err := dialBroker(cmd.Context(), env.RabbitMQURL, slog.Default())
			if err != nil {
				return err
			}
			defer conn.Close()

			return sendChange(cmd.Context(), outputFn(), mq.NewPublisher(conn, slog.Default()), change)
		},
	}

	cmd.Flags().StringVar(&env.RabbitMQURL, "amqp-url", env.RabbitMQURL, "RabbitMQ URL (default: $RABBITMQ_URL or local)")
	cmd.Flags().Int64Var(&change.ChangeID, "id", 0, "Change ID")
	cmd.Flags().StringVar(&change.Project, "project", "", "Project")
	cmd.Flags().StringVar(&change.Codebase, "codebase", "", "Codebase")
	cmd.Flags().StringVar(&change.Repository, "repository", "", "Repository URL")
	cmd.Flags().StringVar(&change.Branch, "branch", "", "Branch")
	cmd.Flags().StringVar(&change.Revision, "revision", "", "Revision")
	cmd.Flags().StringVar(&when, "when", "", "Commit time, RFC 3339 (default: now)")

	return cmd
}

func sendChange(ctx context.Context, out *Output, pub ChangePublisher, change domain.Change) error {
	if err := pub.PublishChange(ctx, change); err != nil {
		return err
	}
	out.Successf("Change on %s published", change.Branch)
	return nil
}

// NewCompleteRequestCmd создаёт команду завершения build request.
func NewCompleteRequestCmd(outputFn func() *Output) *cobra.Command {
	var results string
	env := config.LoadEnv()

	cmd := &cobra.Command{
		Use:   "complete-request ID",
		Short: "Mark a build request as finished",
		Long: `Mark a build request as finished and publish buildrequest.complete.

Intended for build engines without a native RabbitMQ client.
The master completes the buildset after its last build request.`,
		Example: `  conveyor complete-request 42 --results failure`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid build request id %q", args[0])
			}
			result, err := domain.ParseResult(results)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := repo.NewPool(ctx, env.DBURL)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			conn, err := dialBroker(ctx, env.RabbitMQURL, slog.Default())
			if err != nil {
				return err
			}
			defer conn.Close()

			return completeRequest(ctx, outputFn(), repo.NewBuildRequestRepo(pool),
				mq.NewPublisher(conn, slog.Default()), domain.BuildRequestID(id), result)
		},
	}

	cmd.Flags().StringVar(&env.DBURL, "db-url", env.DBURL, "Postgres DSN (default: $DB_URL or local)")
	cmd.Flags().StringVar(&env.RabbitMQURL, "amqp-url", env.RabbitMQURL, "RabbitMQ URL (default: $RABBITMQ_URL or local)")
	cmd.Flags().StringVar(&results, "results", "success", "Result: success, warnings, failure, skipped, exception, retry, cancelled")

	return cmd
}

func completeRequest(ctx context.Context, out *Output, store RequestCompleter, pub CompletePublisher, id domain.BuildRequestID, result domain.Result) error {
	bsid, err := store.Complete(ctx, id, result)
	if err != nil {
		return fmt.Errorf("build request %d: %w", id, err)
	}
	err = pub.PublishBuildRequestComplete(ctx, mq.BuildRequestCompletePayload{
		BuildRequestID: id,
		BuildsetID:     bsid,
		Results:        result,
	})
	if err != nil {
		return err
	}
	out.Successf("Build request %d completed: %s", id, result)
	return nil
}
