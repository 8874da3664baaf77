// Package scheduler computes missing intervals in dependency order: models
// are grouped into DAG levels, levels run concurrently, and every interval
// commit is guarded by the environment version check that detects concurrent
// promotions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/pool"

	"github.com/leapstack-labs/strata/internal/cadence"
	"github.com/leapstack-labs/strata/internal/dag"
	"github.com/leapstack-labs/strata/internal/executor"
	"github.com/leapstack-labs/strata/pkg/core"
)

// SignalEvaluator answers named readiness predicates before an interval is
// dispatched. Implementations poll external conditions ("upstream file
// landed"); evaluation must be side-effect free.
type SignalEvaluator interface {
	Evaluate(ctx context.Context, signal string, ivl core.Interval) (bool, error)
}

// StaticSignals is a fixed-answer evaluator. Unknown signals read as false.
type StaticSignals map[string]bool

// Evaluate looks the signal up in the map.
func (s StaticSignals) Evaluate(_ context.Context, signal string, _ core.Interval) (bool, error) {
	return s[signal], nil
}

// Options tunes one scheduler invocation.
type Options struct {
	// Start and End bound the catch-up range for Run. Zero End means now.
	Start time.Time
	End   time.Time
	// SelectModels restricts which models run.
	SelectModels []string
	// NoAutoUpstream runs only the selected models without pulling in their
	// upstream dependencies.
	NoAutoUpstream bool
	// IgnoreCron treats every historically missing interval as ready instead
	// of clipping to the last elapsed cadence boundary.
	IgnoreCron bool
	// NoSignals bypasses readiness signal evaluation.
	NoSignals bool
	// Concurrency caps parallel interval computations per level (default 4).
	Concurrency int
	// MaxAttempts bounds retries per interval (default 3).
	MaxAttempts int
}

func (o Options) concurrency() int {
	if o.Concurrency <= 0 {
		return 4
	}
	return o.Concurrency
}

func (o Options) maxAttempts() int {
	if o.MaxAttempts <= 0 {
		return 3
	}
	return o.MaxAttempts
}

// Scheduler executes snapshot intervals against a backend.
type Scheduler struct {
	store   core.Store
	backend executor.Backend
	signals SignalEvaluator
	logger  *slog.Logger
	opts    Options
}

// New creates a scheduler. signals may be nil when no model declares any.
func New(store core.Store, backend executor.Backend, signals SignalEvaluator, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{store: store, backend: backend, signals: signals, logger: logger, opts: opts}
}

// unit is one snapshot plus the intervals it still owes.
type unit struct {
	snap    *core.Snapshot
	buckets []core.Interval
}

// Backfill executes a plan's required intervals before promotion. Implements
// the applier's Backfiller contract: the environment version observed at plan
// build time guards every commit.
func (s *Scheduler) Backfill(ctx context.Context, p *core.Plan) error {
	units := make(map[string]*unit)
	for _, c := range p.Changes {
		if len(c.Backfill) == 0 {
			continue
		}
		buckets, err := quantize(c.New, c.Backfill)
		if err != nil {
			return err
		}
		if len(buckets) > 0 {
			units[c.ModelName] = &unit{snap: c.New, buckets: buckets}
		}
	}
	return s.execute(ctx, units, p.Environment, p.EnvironmentVersion)
}

// Run catches an environment up on recent intervals: every bound snapshot's
// missing cadence buckets in [Start, End) are computed in dependency order.
func (s *Scheduler) Run(ctx context.Context, envName string) error {
	env, err := s.store.GetEnvironment(envName)
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("environment not found: %s", envName)
	}

	snaps := make(map[string]*core.Snapshot, len(env.Snapshots))
	for name, snapID := range env.Snapshots {
		snap, err := s.store.GetSnapshot(snapID)
		if err != nil {
			return err
		}
		snaps[name] = snap
	}

	selected := selection(snaps, s.opts)
	end := s.opts.End
	if end.IsZero() {
		end = time.Now().UTC()
	}

	units := make(map[string]*unit)
	for name, snap := range snaps {
		if selected != nil && !selected[name] {
			continue
		}

		start := s.opts.Start
		if start.IsZero() {
			start = snap.Start
		}
		if start.IsZero() {
			start = end.AddDate(0, 0, -1)
		}

		unitEnd := end
		if !s.opts.IgnoreCron {
			boundary, err := cadence.LastBoundary(snap.Cadence, end)
			if err != nil {
				return err
			}
			if boundary.Before(unitEnd) {
				unitEnd = boundary
			}
		}

		missing, err := s.store.MissingIntervals(snap.ID, start, unitEnd, snap.Cadence)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			buckets, err := quantize(snap, missing)
			if err != nil {
				return err
			}
			units[name] = &unit{snap: snap, buckets: buckets}
		}
	}
	return s.execute(ctx, units, envName, env.Version)
}

// execute runs units level by level. Within a level, units run concurrently;
// a level only starts once the previous one fully settled, so downstream
// intervals never dispatch before their upstreams committed. Execution
// failures fail the run but spare independent branches; an environment
// version mismatch cancels everything in flight.
func (s *Scheduler) execute(ctx context.Context, units map[string]*unit, envName string, expectedVersion int64) error {
	if len(units) == 0 {
		return nil
	}

	levels, err := levelize(units)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	failed := make(map[string]error)

	for _, level := range levels {
		p := pool.New().
			WithMaxGoroutines(s.opts.concurrency()).
			WithContext(ctx).
			WithCancelOnError()

		for _, name := range level {
			u := units[name]
			p.Go(func(ctx context.Context) error {
				if skip := s.upstreamFailure(u.snap, failed, &mu); skip != nil {
					mu.Lock()
					failed[u.snap.Name] = skip
					mu.Unlock()
					return nil
				}
				if err := s.runUnit(ctx, u, envName, expectedVersion); err != nil {
					// Only the conflict abort cancels sibling work; ordinary
					// execution failures just poison this branch.
					var conflict *core.ConcurrentUpdateError
					if errors.As(err, &conflict) || errors.Is(err, context.Canceled) {
						return err
					}
					mu.Lock()
					failed[u.snap.Name] = err
					mu.Unlock()
				}
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return err
		}
	}

	if len(failed) > 0 {
		errs := make([]error, 0, len(failed))
		for _, err := range failed {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return nil
}

// runUnit computes one snapshot's buckets chronologically: signal gate, retry
// loop, version check, commit.
func (s *Scheduler) runUnit(ctx context.Context, u *unit, envName string, expectedVersion int64) error {
	for _, bucket := range u.buckets {
		ready, err := s.signalsReady(ctx, u.snap, bucket)
		if err != nil {
			return err
		}
		if !ready {
			// Not an error: the interval stays missing and is retried on the
			// next run.
			s.logger.Info("interval not ready, skipping",
				slog.String("model", u.snap.Name), slog.String("interval", bucket.String()))
			continue
		}

		if err := s.computeWithRetry(ctx, u.snap, bucket); err != nil {
			return err
		}

		// Commit guard: a concurrent plan may have swapped the environment
		// since this run started. Abort instead of committing against a stale
		// snapshot set.
		if err := s.checkEnvironmentVersion(envName, expectedVersion); err != nil {
			return err
		}
		if err := s.store.RecordInterval(u.snap.ID, bucket); err != nil {
			return fmt.Errorf("failed to commit interval for %q: %w", u.snap.Name, err)
		}
		s.logger.Debug("interval committed",
			slog.String("model", u.snap.Name), slog.String("interval", bucket.String()))
	}
	return nil
}

func (s *Scheduler) computeWithRetry(ctx context.Context, snap *core.Snapshot, bucket core.Interval) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	max := s.opts.maxAttempts()
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		lastErr = executor.Materialize(ctx, s.backend, snap, bucket)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < max {
			wait := bo.NextBackOff()
			s.logger.Warn("interval attempt failed, retrying",
				slog.String("model", snap.Name),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait),
				slog.Any("error", lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &core.ExecutionError{ModelName: snap.Name, Interval: bucket, Attempts: max, Err: lastErr}
}

func (s *Scheduler) signalsReady(ctx context.Context, snap *core.Snapshot, bucket core.Interval) (bool, error) {
	if s.opts.NoSignals || len(snap.Signals) == 0 {
		return true, nil
	}
	if s.signals == nil {
		return false, fmt.Errorf("model %q declares signals but no evaluator is configured", snap.Name)
	}
	for _, sig := range snap.Signals {
		ok, err := s.signals.Evaluate(ctx, sig, bucket)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate signal %q for %q: %w", sig, snap.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) checkEnvironmentVersion(envName string, expected int64) error {
	env, err := s.store.GetEnvironment(envName)
	if err != nil {
		return err
	}
	actual := int64(0)
	if env != nil {
		actual = env.Version
	}
	if actual != expected {
		return &core.ConcurrentUpdateError{Environment: envName, Expected: expected, Actual: actual}
	}
	return nil
}

func (s *Scheduler) upstreamFailure(snap *core.Snapshot, failed map[string]error, mu *sync.Mutex) error {
	mu.Lock()
	defer mu.Unlock()
	for _, up := range snap.Upstreams {
		if err, ok := failed[up]; ok {
			return fmt.Errorf("upstream %q failed: %w", up, err)
		}
	}
	return nil
}

// levelize groups the units into DAG execution levels. Upstreams outside the
// unit set impose no ordering (their intervals are already committed).
func levelize(units map[string]*unit) ([][]string, error) {
	g := dag.New()
	for name := range units {
		g.Add(name)
	}
	for name, u := range units {
		for _, up := range u.snap.Upstreams {
			if _, ok := units[up]; ok {
				if err := g.AddDependency(up, name); err != nil {
					return nil, err
				}
			}
		}
	}
	return g.Levels()
}

// quantize re-splits coalesced backfill ranges into cadence buckets so each
// bucket commits independently.
func quantize(snap *core.Snapshot, ivls []core.Interval) ([]core.Interval, error) {
	var buckets []core.Interval
	for _, ivl := range ivls {
		bs, err := cadence.Buckets(snap.Cadence, ivl.Start, ivl.End)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, bs...)
	}
	return buckets, nil
}

// selection resolves --select-model: the named models plus, unless
// NoAutoUpstream, their transitive upstreams so nothing runs against stale
// dependencies. A nil return means "everything".
func selection(snaps map[string]*core.Snapshot, opts Options) map[string]bool {
	if len(opts.SelectModels) == 0 {
		return nil
	}
	selected := make(map[string]bool, len(opts.SelectModels))
	var mark func(name string)
	mark = func(name string) {
		if selected[name] {
			return
		}
		selected[name] = true
		if opts.NoAutoUpstream {
			return
		}
		if snap, ok := snaps[name]; ok {
			for _, up := range snap.Upstreams {
				mark(up)
			}
		}
	}
	for _, name := range opts.SelectModels {
		mark(name)
	}
	return selected
}
