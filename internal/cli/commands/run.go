package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/leapstack-labs/strata/internal/janitor"
	"github.com/leapstack-labs/strata/internal/scheduler"
	"github.com/leapstack-labs/strata/pkg/core"
	"github.com/spf13/cobra"
)

// RunOptions holds the flag values for the run command.
type RunOptions struct {
	Start           string
	End             string
	SelectModels    []string
	SkipJanitor     bool
	IgnoreCron      bool
	NoAutoUpstream  bool
	NoSignals       bool
	ExitOnEnvUpdate int
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run [environment]",
		Short: "Catch an environment up on its missing intervals",
		Long: `Compute every interval the environment's snapshots are missing, in
dependency order, committing each interval as it completes. A janitor pass
reclaims expired environments first unless --skip-janitor is given.

If the environment is promoted concurrently, the run aborts; committed
intervals are kept.`,
		Example: `  # Catch production up
  strata run

  # Run only two models (and their upstreams)
  strata run dev --select-model staging.orders --select-model marts.order_totals

  # In a cron wrapper, exit 8 instead of 1 when a deploy races the run
  strata run --exit-on-env-update 8`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Start, "start", "s", "", "Start of the catch-up range (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&opts.End, "end", "e", "", "End of the catch-up range (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&opts.SelectModels, "select-model", nil, "Restrict the run to these models (repeatable)")
	cmd.Flags().BoolVar(&opts.SkipJanitor, "skip-janitor", false, "Skip the janitor pass before running")
	cmd.Flags().BoolVar(&opts.IgnoreCron, "ignore-cron", false, "Compute intervals regardless of cadence boundaries")
	cmd.Flags().BoolVar(&opts.NoAutoUpstream, "no-auto-upstream", false, "Do not pull upstream dependencies into the selection")
	cmd.Flags().BoolVar(&opts.NoSignals, "no-signals", false, "Bypass readiness signal evaluation")
	cmd.Flags().IntVar(&opts.ExitOnEnvUpdate, "exit-on-env-update", 0, "Exit code to use when a concurrent promotion aborts the run")

	return cmd
}

func runRun(cmd *cobra.Command, args []string, opts *RunOptions) error {
	rt := FromContext(cmd.Context())
	envName := envFromArgs(args, rt.Config)
	ctx := cmd.Context()

	start, err := parseTimeFlag("start", opts.Start)
	if err != nil {
		return err
	}
	end, err := parseTimeFlag("end", opts.End)
	if err != nil {
		return err
	}

	store, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	backend, err := connectBackend(ctx, rt)
	if err != nil {
		return err
	}
	defer backend.Close()

	if !opts.SkipJanitor {
		if err := janitor.New(store, backend, rt.Logger).Reclaim(ctx, false); err != nil {
			return fmt.Errorf("janitor pass failed: %w", err)
		}
	}

	sched := scheduler.New(store, backend, signalEvaluator(rt.Config), rt.Logger, scheduler.Options{
		Start:          start,
		End:            end,
		SelectModels:   splitModels(opts.SelectModels),
		NoAutoUpstream: opts.NoAutoUpstream,
		IgnoreCron:     opts.IgnoreCron,
		NoSignals:      opts.NoSignals,
		Concurrency:    rt.Config.Concurrency,
		MaxAttempts:    rt.Config.Retries,
	})

	startTime := time.Now()
	if err := sched.Run(ctx, envName); err != nil {
		var conflict *core.ConcurrentUpdateError
		if errors.As(err, &conflict) && opts.ExitOnEnvUpdate != 0 {
			return &ExitCodeError{Code: opts.ExitOnEnvUpdate, Err: err}
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Environment %q up to date (%s).\n",
		envName, time.Since(startTime).Round(time.Millisecond))
	return nil
}
