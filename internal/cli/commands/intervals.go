package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/leapstack-labs/strata/internal/cadence"
	"github.com/leapstack-labs/strata/internal/scheduler"
	"github.com/leapstack-labs/strata/pkg/core"
	"github.com/spf13/cobra"
)

// IntervalsOptions holds the flag values for the intervals command.
type IntervalsOptions struct {
	Start        string
	End          string
	SelectModels []string
	NoSignals    bool
}

// NewIntervalsCommand creates the intervals command.
func NewIntervalsCommand() *cobra.Command {
	opts := &IntervalsOptions{}

	cmd := &cobra.Command{
		Use:   "intervals [environment]",
		Short: "Report missing intervals for an environment",
		Long: `List, per deployed snapshot, the cadence intervals that have not been
computed yet. Nothing is executed; use 'strata run' to close the gaps.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntervals(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Start, "start", "s", "", "Start of the reported range (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&opts.End, "end", "e", "", "End of the reported range (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&opts.SelectModels, "select-model", nil, "Restrict the report to these models (repeatable)")
	cmd.Flags().BoolVar(&opts.NoSignals, "no-signals", false, "Count every missing interval as ready, bypassing signals")

	return cmd
}

func runIntervals(cmd *cobra.Command, args []string, opts *IntervalsOptions) error {
	rt := FromContext(cmd.Context())
	envName := envFromArgs(args, rt.Config)

	start, err := parseTimeFlag("start", opts.Start)
	if err != nil {
		return err
	}
	end, err := parseTimeFlag("end", opts.End)
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	store, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	env, err := store.GetEnvironment(envName)
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("environment not found: %s", envName)
	}

	selected := map[string]bool{}
	for _, name := range splitModels(opts.SelectModels) {
		selected[name] = true
	}

	names := make([]string, 0, len(env.Snapshots))
	for name := range env.Snapshots {
		if len(selected) > 0 && !selected[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	evaluator := signalEvaluator(rt.Config)

	out := cmd.OutOrStdout()
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Model", "Cadence", "Missing", "Ready", "Ranges", "Signals"})

	totalMissing := 0
	for _, name := range names {
		snap, err := store.GetSnapshot(env.Snapshots[name])
		if err != nil {
			return err
		}

		snapStart := start
		if snapStart.IsZero() {
			snapStart = snap.Start
		}
		if snapStart.IsZero() {
			snapStart = end.AddDate(0, 0, -1)
		}
		snapEnd := end
		if boundary, err := cadence.LastBoundary(snap.Cadence, end); err == nil && boundary.Before(snapEnd) {
			snapEnd = boundary
		}

		missing, err := store.MissingIntervals(snap.ID, snapStart, snapEnd, snap.Cadence)
		if err != nil {
			return err
		}
		totalMissing += len(missing)

		ready := len(missing)
		if !opts.NoSignals && len(snap.Signals) > 0 {
			ready = 0
			for _, ivl := range missing {
				ok, err := bucketReady(cmd.Context(), evaluator, snap.Signals, ivl)
				if err != nil {
					return err
				}
				if ok {
					ready++
				}
			}
		}

		t.AppendRow(table.Row{name, snap.Cadence, len(missing), ready,
			formatRanges(missing), formatSignals(snap.Signals)})
	}
	t.Render()

	if totalMissing == 0 {
		fmt.Fprintf(out, "Environment %q has no missing intervals.\n", envName)
	} else {
		fmt.Fprintf(out, "Environment %q is missing %d interval(s).\n", envName, totalMissing)
	}
	return nil
}

// bucketReady reports whether every signal the snapshot declares is ready for
// the given interval.
func bucketReady(ctx context.Context, evaluator scheduler.SignalEvaluator, signals []string, ivl core.Interval) (bool, error) {
	for _, sig := range signals {
		ok, err := evaluator.Evaluate(ctx, sig, ivl)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate signal %q: %w", sig, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func formatRanges(ivls []core.Interval) string {
	if len(ivls) == 0 {
		return "-"
	}
	parts := make([]string, len(ivls))
	for i, ivl := range ivls {
		parts[i] = fmt.Sprintf("[%s, %s)",
			ivl.Start.UTC().Format(time.DateOnly), ivl.End.UTC().Format(time.DateOnly))
	}
	return strings.Join(parts, " ")
}

func formatSignals(signals []string) string {
	if len(signals) == 0 {
		return "-"
	}
	return strings.Join(signals, ", ")
}
