package commands

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/leapstack-labs/strata/internal/executor"
	"github.com/leapstack-labs/strata/internal/plan"
	"github.com/leapstack-labs/strata/internal/scheduler"
	"github.com/leapstack-labs/strata/pkg/core"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// PlanOptions holds the flag values for the plan command.
type PlanOptions struct {
	Start                string
	End                  string
	ExecutionTime        string
	CreateFrom           string
	RestateModels        []string
	SelectModels         []string
	NoGaps               bool
	SkipBackfill         bool
	EmptyBackfill        bool
	ForwardOnly          bool
	EffectiveFrom        string
	NoPrompts            bool
	AutoApply            bool
	NoAutoCategorization bool
	IncludeUnmodified    bool
	NoDiff               bool
}

// NewPlanCommand creates the plan command.
func NewPlanCommand() *cobra.Command {
	opts := &PlanOptions{}

	cmd := &cobra.Command{
		Use:   "plan [environment]",
		Short: "Compute and optionally apply changes to an environment",
		Long: `Compare the local model definitions against an environment's currently
deployed snapshots, categorize every change, and compute the intervals that
must be backfilled before the environment can be promoted.

Without --auto-apply the plan is printed and you are asked to confirm.`,
		Example: `  # Plan against production
  strata plan

  # Plan a development environment seeded from production
  strata plan dev

  # Restate a model (and everything downstream) over a date range
  strata plan --restate-model staging.orders -s 2024-01-01 -e 2024-02-01 --auto-apply

  # Preview only, never executing backfill
  strata plan dev --dry-run --no-prompts`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Start, "start", "s", "", "Start of the plan's interval range (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&opts.End, "end", "e", "", "End of the plan's interval range (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.ExecutionTime, "execution-time", "", "Override 'now' for interval calculations")
	cmd.Flags().StringVar(&opts.CreateFrom, "create-from", "", "Environment to seed a new environment from (default: prod)")
	cmd.Flags().StringArrayVar(&opts.RestateModels, "restate-model", nil, "Model to restate, including downstream dependents (repeatable)")
	cmd.Flags().StringArrayVar(&opts.SelectModels, "select-model", nil, "Restrict the plan to these models (repeatable)")
	cmd.Flags().BoolVar(&opts.NoGaps, "no-gaps", false, "Fail if any required snapshot would retain interval gaps")
	cmd.Flags().BoolVar(&opts.SkipBackfill, "skip-backfill", false, "Promote without executing backfill")
	cmd.Flags().BoolVar(&opts.SkipBackfill, "dry-run", false, "Alias for --skip-backfill")
	cmd.Flags().BoolVar(&opts.EmptyBackfill, "empty-backfill", false, "Mark required intervals computed without executing them")
	cmd.Flags().BoolVar(&opts.ForwardOnly, "forward-only", false, "Categorize all changes forward-only (history is preserved)")
	cmd.Flags().StringVar(&opts.EffectiveFrom, "effective-from", "", "When forward-only logic takes effect (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.NoPrompts, "no-prompts", false, "Fail instead of prompting on ambiguous changes")
	cmd.Flags().BoolVar(&opts.AutoApply, "auto-apply", false, "Apply the plan without confirmation")
	cmd.Flags().BoolVar(&opts.NoAutoCategorization, "no-auto-categorization", false, "Disable automatic change categorization")
	cmd.Flags().BoolVar(&opts.IncludeUnmodified, "include-unmodified", false, "Backfill unmodified models too")
	cmd.Flags().BoolVar(&opts.NoDiff, "no-diff", false, "Hide per-model definition details")

	return cmd
}

func runPlan(cmd *cobra.Command, args []string, opts *PlanOptions) error {
	rt := FromContext(cmd.Context())
	envName := envFromArgs(args, rt.Config)

	buildOpts, err := planBuildOptions(envName, rt, opts, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}

	store, err := openStore(rt)
	if err != nil {
		return err
	}
	defer store.Close()

	// Parsing model files and connecting the backend are independent.
	var (
		models  map[string]*core.Model
		backend executor.Backend
	)
	g, gctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		var err error
		models, err = loadModels(rt)
		return err
	})
	g.Go(func() error {
		var err error
		backend, err = connectBackend(gctx, rt)
		return err
	})
	if err := g.Wait(); err != nil {
		if backend != nil {
			backend.Close()
		}
		return err
	}
	defer backend.Close()

	p, err := plan.NewBuilder(store, rt.Logger).Build(cmd.Context(), models, buildOpts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printPlanSummary(out, p, opts.NoDiff)

	if !p.HasChanges() && countBackfill(p) == 0 && len(p.Restatements) == 0 {
		fmt.Fprintln(out, "No changes to apply.")
		return nil
	}

	if !opts.AutoApply {
		if opts.NoPrompts {
			fmt.Fprintln(out, "Plan not applied (re-run with --auto-apply).")
			return nil
		}
		ok, err := confirm(cmd.InOrStdin(), out, fmt.Sprintf("Apply plan to environment %q? [y/N]: ", envName))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Plan not applied.")
			return nil
		}
	}

	sched := scheduler.New(store, backend, signalEvaluator(rt.Config), rt.Logger, scheduler.Options{
		Concurrency: rt.Config.Concurrency,
		MaxAttempts: rt.Config.Retries,
	})
	env, err := plan.NewApplier(store, backend, sched, rt.Logger).Apply(cmd.Context(), p)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Environment %q promoted to version %d.\n", env.Name, env.Version)
	return nil
}

// planBuildOptions translates flag values into builder options.
func planBuildOptions(envName string, rt *Runtime, opts *PlanOptions, in io.Reader, out io.Writer) (plan.Options, error) {
	start, err := parseTimeFlag("start", opts.Start)
	if err != nil {
		return plan.Options{}, err
	}
	end, err := parseTimeFlag("end", opts.End)
	if err != nil {
		return plan.Options{}, err
	}
	execTime, err := parseTimeFlag("execution-time", opts.ExecutionTime)
	if err != nil {
		return plan.Options{}, err
	}
	effectiveFrom, err := parseTimeFlag("effective-from", opts.EffectiveFrom)
	if err != nil {
		return plan.Options{}, err
	}

	modeStr := rt.Config.Categorizer
	if opts.NoAutoCategorization {
		modeStr = "off"
	}
	mode, err := plan.ParseMode(modeStr)
	if err != nil {
		return plan.Options{}, err
	}

	buildOpts := plan.Options{
		Environment:       envName,
		CreateFrom:        opts.CreateFrom,
		Start:             start,
		End:               end,
		ExecutionTime:     execTime,
		RestateModels:     splitModels(opts.RestateModels),
		SelectModels:      splitModels(opts.SelectModels),
		Mode:              mode,
		NoPrompts:         opts.NoPrompts,
		NoGaps:            opts.NoGaps,
		SkipBackfill:      opts.SkipBackfill,
		EmptyBackfill:     opts.EmptyBackfill,
		ForwardOnly:       opts.ForwardOnly,
		IncludeUnmodified: opts.IncludeUnmodified,
		EffectiveFrom:     effectiveFrom,
	}
	if envName != core.ProductionEnvironment {
		buildOpts.TTL = rt.Config.DefaultTTL
	}
	if !opts.NoPrompts {
		buildOpts.Prompter = terminalPrompter(in, out)
	}
	return buildOpts, nil
}

// terminalPrompter resolves ambiguous categorizations interactively.
func terminalPrompter(in io.Reader, out io.Writer) plan.Prompter {
	reader := bufio.NewReader(in)
	return func(modelName string, diff plan.Diff) (core.Category, error) {
		fmt.Fprintf(out, "\nModel %q changed (%s).\n", modelName, describeDiff(diff))
		fmt.Fprintln(out, "  [1] breaking      rebuild this model and restate downstream dependents")
		fmt.Fprintln(out, "  [2] non-breaking  backfill this model only")
		for {
			fmt.Fprint(out, "Category [1/2]: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return "", fmt.Errorf("reading category choice: %w", err)
			}
			switch strings.TrimSpace(line) {
			case "1":
				return core.CategoryBreaking, nil
			case "2":
				return core.CategoryNonBreaking, nil
			}
		}
	}
}

func describeDiff(diff plan.Diff) string {
	var parts []string
	if diff.QueryChanged {
		parts = append(parts, "query edited")
	}
	if diff.SchemaChanged {
		parts = append(parts, "schema config changed")
	}
	if diff.ConfigChanged {
		parts = append(parts, "metadata changed")
	}
	if diff.UpstreamOnly {
		parts = append(parts, "upstream changed")
	}
	if len(parts) == 0 {
		return "no visible difference"
	}
	return strings.Join(parts, ", ")
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// printPlanSummary renders the per-model change table plus restatement and
// backfill totals.
func printPlanSummary(out io.Writer, p *core.Plan, noDiff bool) {
	fmt.Fprintf(out, "Plan for environment %q", p.Environment)
	if p.CreateFrom != "" && p.CreateFrom != p.Environment {
		fmt.Fprintf(out, " (created from %q)", p.CreateFrom)
	}
	fmt.Fprintln(out)

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Model", "Category", "Version", "Backfill"})
	for _, c := range p.Changes {
		version := "-"
		if c.New != nil {
			version = fmt.Sprintf("v%d", c.New.Version)
		}
		t.AppendRow(table.Row{c.ModelName, string(c.Category), version, formatIntervals(c.Backfill)})
	}
	t.Render()

	if n := len(p.Restatements); n > 0 {
		fmt.Fprintf(out, "Restating intervals on %d snapshot(s).\n", n)
	}
	if total := countBackfill(p); total > 0 {
		fmt.Fprintf(out, "Total intervals to backfill: %d\n", total)
	}

	if noDiff {
		return
	}
	for _, c := range p.Changes {
		if c.Category == core.CategoryUnchanged || c.New == nil || c.Old == nil {
			continue
		}
		if c.New.QueryFingerprint == c.Old.QueryFingerprint {
			continue
		}
		fmt.Fprintf(out, "\n--- %s (v%d -> v%d) ---\n%s\n", c.ModelName, c.Old.Version, c.New.Version, strings.TrimSpace(c.New.SQL))
	}
}

// formatIntervals summarizes a backfill requirement as a count plus the
// covering range.
func formatIntervals(ivls []core.Interval) string {
	if len(ivls) == 0 {
		return "-"
	}
	sorted := make([]core.Interval, len(ivls))
	copy(sorted, ivls)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	first, last := sorted[0], sorted[len(sorted)-1]
	return fmt.Sprintf("%d [%s, %s)", len(ivls),
		first.Start.UTC().Format(time.DateOnly), last.End.UTC().Format(time.DateOnly))
}

func countBackfill(p *core.Plan) int {
	total := 0
	for _, c := range p.Changes {
		total += len(c.Backfill)
	}
	return total
}
