package plan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/strata/internal/cadence"
	"github.com/leapstack-labs/strata/internal/executor"
	"github.com/leapstack-labs/strata/pkg/core"
)

// Backfiller executes a plan's required intervals. Implemented by the
// interval scheduler; injected to keep the apply path testable.
type Backfiller interface {
	Backfill(ctx context.Context, p *core.Plan) error
}

// Applier applies a built plan in two phases: backfill the required
// intervals, then atomically promote the environment's snapshot set.
type Applier struct {
	store      core.Store
	backend    executor.Backend
	backfiller Backfiller
	logger     *slog.Logger
}

// NewApplier creates an applier. backend and backfiller may be nil: without a
// backend no views are maintained, without a backfiller only skip/empty
// backfill plans can be applied.
func NewApplier(store core.Store, backend executor.Backend, backfiller Backfiller, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Applier{store: store, backend: backend, backfiller: backfiller, logger: logger}
}

// Apply executes the plan. Promotion is all-or-nothing: on any failure before
// the swap the environment keeps its old snapshot set; committed backfill
// intervals are retained either way.
func (a *Applier) Apply(ctx context.Context, p *core.Plan) (*core.Environment, error) {
	run, err := a.store.CreateRun(p.Environment)
	if err != nil {
		return nil, err
	}

	env, err := a.apply(ctx, p)
	if err != nil {
		if cerr := a.store.CompleteRun(run.ID, core.RunStatusFailed, err.Error()); cerr != nil {
			a.logger.Warn("failed to record run failure", slog.String("run_id", run.ID), slog.Any("error", cerr))
		}
		return nil, err
	}
	if err := a.store.CompleteRun(run.ID, core.RunStatusCompleted, ""); err != nil {
		a.logger.Warn("failed to record run completion", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	return env, nil
}

func (a *Applier) apply(ctx context.Context, p *core.Plan) (*core.Environment, error) {
	// Phase 1a: restatements. Invalidate before backfilling so the scheduler
	// sees the restated ranges as missing.
	for snapID, ivls := range p.Restatements {
		for _, ivl := range ivls {
			if err := a.store.RemoveInterval(snapID, ivl); err != nil {
				return nil, fmt.Errorf("failed to restate %s: %w", ivl, err)
			}
		}
	}

	if err := a.fastForwardEffectiveFrom(p); err != nil {
		return nil, err
	}

	// Phase 1b: backfill.
	switch {
	case p.SkipBackfill:
		a.logger.Info("skipping backfill", slog.String("environment", p.Environment))
	case p.EmptyBackfill:
		for _, c := range p.Changes {
			for _, ivl := range c.Backfill {
				if err := a.store.RecordInterval(c.New.ID, ivl); err != nil {
					return nil, fmt.Errorf("failed to fast-forward %q: %w", c.ModelName, err)
				}
			}
		}
	default:
		if a.backfiller == nil {
			return nil, fmt.Errorf("plan requires backfill but no scheduler is configured")
		}
		if err := a.backfiller.Backfill(ctx, p); err != nil {
			return nil, err
		}
	}

	// Phase 2: atomic swap.
	env, err := a.promote(p)
	if err != nil {
		return nil, err
	}

	a.refreshViews(ctx, p, env)
	return env, nil
}

// fastForwardEffectiveFrom marks a forward-only snapshot's history before its
// effective-from boundary as computed, so new logic applies going forward
// without rewriting historical intervals.
func (a *Applier) fastForwardEffectiveFrom(p *core.Plan) error {
	for _, c := range p.Changes {
		if c.Category != core.CategoryForwardOnly || c.New.EffectiveFrom == nil {
			continue
		}
		start := c.New.Start
		if start.IsZero() || !start.Before(*c.New.EffectiveFrom) {
			continue
		}
		buckets, err := cadence.Buckets(c.New.Cadence, start, *c.New.EffectiveFrom)
		if err != nil {
			return err
		}
		for _, ivl := range core.MergeIntervals(buckets) {
			if err := a.store.RecordInterval(c.New.ID, ivl); err != nil {
				return fmt.Errorf("failed to fast-forward %q history: %w", c.ModelName, err)
			}
		}
	}
	return nil
}

func (a *Applier) promote(p *core.Plan) (*core.Environment, error) {
	snapshots := make(map[string]string, len(p.Changes))
	for _, c := range p.Changes {
		snapshots[c.ModelName] = c.New.ID
	}

	env := &core.Environment{
		Name:      p.Environment,
		Snapshots: snapshots,
	}
	if !env.IsProduction() && p.TTL > 0 {
		expires := time.Now().UTC().Add(p.TTL)
		env.ExpiresAt = &expires
	}

	promoted, err := a.store.PromoteEnvironment(env, p.EnvironmentVersion)
	if err != nil {
		return nil, err
	}
	a.logger.Info("environment promoted",
		slog.String("environment", promoted.Name),
		slog.Int64("version", promoted.Version),
		slog.Int("models", len(snapshots)))
	return promoted, nil
}

// refreshViews points the environment's views at the promoted snapshot
// tables. Best effort: the promotion already happened, a failed view is
// logged and left for the next apply.
func (a *Applier) refreshViews(ctx context.Context, p *core.Plan, env *core.Environment) {
	if a.backend == nil {
		return
	}
	for _, c := range p.Changes {
		if err := executor.CreateView(ctx, a.backend, c.ModelName, env.Name, c.New.TableName); err != nil {
			a.logger.Warn("failed to refresh view",
				slog.String("model", c.ModelName), slog.Any("error", err))
		}
	}
}
