package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/canceller"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/scheduler"
)

// NextBuildResult — время очередной сборки по календарю.
type NextBuildResult struct {
	Expression string      `json:"expression"`
	Times      []time.Time `json:"times"`
}

// NewNextBuildCmd создаёт команду расчёта времени следующих сборок nightly scheduler.
func NewNextBuildCmd(outputFn func() *Output) *cobra.Command {
	var minute, hour, dayOfMonth, month, dayOfWeek, timezone string
	var last, now string
	var count int
	var configPath, schedulerName string

	cmd := &cobra.Command{
		Use:   "next-build",
		Short: "Compute next build times of a calendar schedule",
		Long: `Compute next build times of a calendar schedule.

The schedule comes either from flags or from a nightly scheduler
of a master config (--config FILE --scheduler NAME).

Day of week: 0 = Monday ... 6 = Sunday, names (mon, tue, ...) accepted.`,
		Example: `  conveyor next-build --hour 3 --day-of-week mon,fri
  conveyor next-build --config conveyor.yaml --scheduler nightly --count 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec scheduler.CalendarSpec
			var err error
			if schedulerName != "" {
				spec, err = calendarFromConfig(configPath, schedulerName)
			} else {
				spec, err = calendarFromFlags(minute, hour, dayOfMonth, month, dayOfWeek, timezone)
			}
			if err != nil {
				return err
			}

			cal, err := spec.Compile()
			if err != nil {
				return err
			}

			from := time.Now()
			if now != "" {
				if from, err = time.Parse(time.RFC3339, now); err != nil {
					return fmt.Errorf("invalid --now: %w", err)
				}
			}
			var lastBuild *time.Time
			if last != "" {
				t, err := time.Parse(time.RFC3339, last)
				if err != nil {
					return fmt.Errorf("invalid --last: %w", err)
				}
				lastBuild = &t
			}

			if count < 1 {
				count = 1
			}
			result := NextBuildResult{Expression: spec.Expression()}
			rows := make([][]string, 0, count)
			for i := range count {
				next, err := cal.Next(lastBuild, from)
				if err != nil {
					return err
				}
				result.Times = append(result.Times, next)
				rows = append(rows, []string{strconv.Itoa(i + 1), next.Format(time.RFC3339)})
				lastBuild = &next
			}

			outputFn().Print([]string{"#", "TIME"}, rows, result)
			return nil
		},
	}

	cmd.Flags().StringVar(&minute, "minute", "", "Minutes (default: 0)")
	cmd.Flags().StringVar(&hour, "hour", "", "Hours (default: every hour)")
	cmd.Flags().StringVar(&dayOfMonth, "day-of-month", "", "Days of month")
	cmd.Flags().StringVar(&month, "month", "", "Months")
	cmd.Flags().StringVar(&dayOfWeek, "day-of-week", "", "Days of week")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone (default: local)")
	cmd.Flags().StringVar(&last, "last", "", "Time of the last build (RFC3339)")
	cmd.Flags().StringVar(&now, "now", "", "Current time (RFC3339, default: now)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of build times to print")
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath, "Master config file")
	cmd.Flags().StringVar(&schedulerName, "scheduler", "", "Take the schedule of this nightly scheduler")

	return cmd
}

func calendarFromFlags(minute, hour, dayOfMonth, month, dayOfWeek, timezone string) (scheduler.CalendarSpec, error) {
	var spec scheduler.CalendarSpec
	var err error
	fields := []struct {
		name  string
		value string
		dst   *scheduler.Field
		parse func(string) (scheduler.Field, error)
	}{
		{"minute", minute, &spec.Minute, plainField},
		{"hour", hour, &spec.Hour, plainField},
		{"day-of-month", dayOfMonth, &spec.DayOfMonth, plainField},
		{"month", month, &spec.Month, plainField},
		{"day-of-week", dayOfWeek, &spec.DayOfWeek, scheduler.ParseDayOfWeek},
	}
	for _, f := range fields {
		if *f.dst, err = f.parse(f.value); err != nil {
			return spec, fmt.Errorf("--%s: %w", f.name, err)
		}
	}
	if timezone != "" {
		if spec.Location, err = time.LoadLocation(timezone); err != nil {
			return spec, fmt.Errorf("--timezone: %w", err)
		}
	}
	return spec, nil
}

func plainField(s string) (scheduler.Field, error) {
	return scheduler.ParseField(s, nil)
}

func calendarFromConfig(path, name string) (scheduler.CalendarSpec, error) {
	f, err := readConfig(path)
	if err != nil {
		return scheduler.CalendarSpec{}, err
	}
	for _, d := range f.Schedulers {
		if d.Name != name {
			continue
		}
		if d.Kind != scheduler.KindNightly {
			return scheduler.CalendarSpec{}, fmt.Errorf("scheduler %s is %s, not nightly", name, d.Kind)
		}
		return d.Calendar()
	}
	return scheduler.CalendarSpec{}, fmt.Errorf("%w: %s", scheduler.ErrSchedulerNotFound, name)
}

func readConfig(path string) (*config.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, _, err := config.Decode(path, data)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// NewBranchKeyCmd создаёт команду, показывающую ключи веток canceller.
func NewBranchKeyCmd(outputFn func() *Output) *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "branch-key BRANCH...",
		Short: "Show the branch key the canceller uses for branches",
		Long: `Show the branch key the canceller uses for branches.

Build requests whose source stamps have the same key are superseded
by a newer change on that key.`,
		Example: `  conveyor branch-key refs/changes/12/3456/7 main`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyFn, err := canceller.BranchKeyByName(strategy)
			if err != nil {
				return err
			}

			type branchKey struct {
				Branch string `json:"branch"`
				Key    string `json:"key"`
			}
			keys := make([]branchKey, len(args))
			rows := make([][]string, len(args))
			for i, branch := range args {
				keys[i] = branchKey{Branch: branch, Key: keyFn(branch)}
				rows[i] = []string{keys[i].Branch, keys[i].Key}
			}

			outputFn().Print([]string{"BRANCH", "KEY"}, rows, keys)
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", canceller.BranchKeyDefault, "Branch key strategy (default, none)")

	return cmd
}

// ErrInvalidConfigFiles — хотя бы один файл не прошёл проверку.
var ErrInvalidConfigFiles = errors.New("invalid config files")

// NewValidateCmd создаёт команду проверки файлов конфигурации master.
func NewValidateCmd(outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:     "validate FILE...",
		Short:   "Validate master config files",
		Example: `  conveyor validate conveyor.yaml`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			failed := 0
			for _, path := range args {
				f, err := readConfig(path)
				if err == nil {
					err = f.Validate()
				}
				if err != nil {
					failed++
					out.Errorf("%s: %v", path, err)
					continue
				}
				out.Successf("%s: ok (%d schedulers)", path, len(f.Schedulers))
			}

			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", ErrInvalidConfigFiles, failed, len(args))
			}
			return nil
		},
	}
}
