package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewSchedulerCmd создаёт группу команд для schedulers работающего master.
func NewSchedulerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect and toggle schedulers of a running master",
	}

	cmd.AddCommand(
		newSchedulerListCmd(clientFn, outputFn),
		newSchedulerShowCmd(clientFn, outputFn),
		newSchedulerToggleCmd(clientFn, outputFn, true),
		newSchedulerToggleCmd(clientFn, outputFn, false),
	)

	return cmd
}

var schedulerHeaders = []string{"NAME", "KIND", "BUILDERS", "ENABLED", "LAST_BUILD", "NEXT_BUILD", "PENDING"}

func schedulerRow(s SchedulerResponse) []string {
	return []string{
		s.Name, s.Kind, strings.Join(s.Builders, ","),
		strconv.FormatBool(s.Enabled),
		formatTime(s.LastBuild), formatTime(s.NextBuild),
		strconv.Itoa(s.Pending),
	}
}

func newSchedulerListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedulers, err := clientFn().ListSchedulers(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, len(schedulers))
			for i, s := range schedulers {
				rows[i] = schedulerRow(s)
			}
			outputFn().Print(schedulerHeaders, rows, schedulers)
			return nil
		},
	}
}

func newSchedulerShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show scheduler details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := clientFn().GetScheduler(cmd.Context(), args[0])
			if IsNotFound(err) {
				return fmt.Errorf("scheduler %q not found", args[0])
			}
			if err != nil {
				return err
			}
			outputFn().Print(schedulerHeaders, [][]string{schedulerRow(*s)}, s)
			return nil
		},
	}
}

func newSchedulerToggleCmd(clientFn func() *Client, outputFn func() *Output, enable bool) *cobra.Command {
	use, short := "disable NAME", "Stop a timed scheduler from starting builds"
	if enable {
		use, short = "enable NAME", "Let a timed scheduler start builds again"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := clientFn().SetSchedulerEnabled(cmd.Context(), args[0], enable)
			if err != nil {
				return err
			}

			state := "disabled"
			if enable {
				state = "enabled"
			}
			outputFn().Successf("Scheduler %s %s", s.Name, state)
			return nil
		},
	}
}

// NewCancellerCmd создаёт команду состояния canceller.
func NewCancellerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "canceller",
		Short: "Show obsolete build canceller state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFn().GetCanceller(cmd.Context())
			if err != nil {
				return err
			}
			headers := []string{"NAME", "TRACKED", "BUILDERS", "RECONFIGURING", "DEFERRED"}
			row := []string{
				c.Name, strconv.Itoa(c.Tracked), strconv.Itoa(c.Builders),
				strconv.FormatBool(c.Reconfiguring), strconv.Itoa(c.Deferred),
			}
			outputFn().Print(headers, [][]string{row}, c)
			return nil
		},
	}
}

// NewBuildRequestCmd создаёт команду состояния build request.
func NewBuildRequestCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "buildrequest ID",
		Short: "Show build request state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid build request id %q", args[0])
			}
			br, err := clientFn().GetBuildRequest(cmd.Context(), id)
			if IsNotFound(err) {
				return fmt.Errorf("build request %d not found", id)
			}
			if err != nil {
				return err
			}
			headers := []string{"ID", "BUILDSET", "BUILDER", "COMPLETE", "RESULTS", "SUBMITTED", "COMPLETED"}
			row := []string{
				strconv.FormatInt(br.ID, 10), strconv.FormatInt(br.BuildsetID, 10), br.BuilderName,
				strconv.FormatBool(br.Complete), br.Results,
				formatTime(&br.SubmittedAt), formatTime(br.CompletedAt),
			}
			outputFn().Print(headers, [][]string{row}, br)
			return nil
		},
	}
}
