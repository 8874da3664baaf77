package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/strata/internal/cadence"
	"github.com/leapstack-labs/strata/internal/dag"
	"github.com/leapstack-labs/strata/internal/fingerprint"
	"github.com/leapstack-labs/strata/pkg/core"
)

// Prompter resolves an ambiguous categorization interactively. Returning an
// error aborts plan construction.
type Prompter func(modelName string, diff Diff) (core.Category, error)

// Options configures a single plan build.
type Options struct {
	// Environment is the target environment name.
	Environment string
	// CreateFrom names the environment whose bindings seed a new target
	// environment. Defaults to production.
	CreateFrom string

	// Start and End bound the plan's interval range. A zero Start falls back
	// to each model's declared start (or a one-day lookback); a zero End falls
	// back to ExecutionTime.
	Start time.Time
	End   time.Time
	// ExecutionTime anchors "now". Zero means wall clock.
	ExecutionTime time.Time

	// RestateModels forces invalidation of the named models' (and their
	// downstream) intervals even when fingerprints are unchanged.
	RestateModels []string
	// SelectModels restricts which models' changes are applied; unselected
	// models keep their current bindings.
	SelectModels []string

	// Categories holds explicit per-model category overrides.
	Categories map[string]core.Category
	// Mode selects the automatic categorization policy.
	Mode Mode
	// Prompter resolves ambiguous cases interactively; nil or NoPrompts makes
	// ambiguity a hard error.
	Prompter  Prompter
	NoPrompts bool

	NoGaps            bool
	SkipBackfill      bool
	EmptyBackfill     bool
	ForwardOnly       bool
	IncludeUnmodified bool
	// EffectiveFrom controls when forward-only logic takes effect.
	EffectiveFrom time.Time

	// TTL applied to non-production environments on promotion.
	TTL time.Duration
}

// Builder constructs plans against the shared state store.
type Builder struct {
	store  core.Store
	logger *slog.Logger
}

// NewBuilder creates a plan builder. If logger is nil, a discard logger is used.
func NewBuilder(store core.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{store: store, logger: logger}
}

// Build computes the plan that moves the target environment from its current
// bindings to the given model set: fingerprints bottom-up, categorization per
// change, snapshot allocation, restatements and required backfill intervals.
func (b *Builder) Build(ctx context.Context, models map[string]*core.Model, opts Options) (*core.Plan, error) {
	if opts.Environment == "" {
		opts.Environment = core.ProductionEnvironment
	}

	graph, order, err := buildGraph(models)
	if err != nil {
		return nil, err
	}

	baseline, envVersion, err := b.resolveBaseline(opts)
	if err != nil {
		return nil, err
	}

	execTime := opts.ExecutionTime
	if execTime.IsZero() {
		execTime = time.Now().UTC()
	}
	end := opts.End
	if end.IsZero() {
		end = execTime
	}

	p := &core.Plan{
		Environment:        opts.Environment,
		CreateFrom:         opts.CreateFrom,
		Start:              opts.Start,
		End:                end,
		ExecutionTime:      execTime,
		Restatements:       make(map[string][]core.Interval),
		SkipBackfill:       opts.SkipBackfill,
		EmptyBackfill:      opts.EmptyBackfill,
		NoGaps:             opts.NoGaps,
		ForwardOnly:        opts.ForwardOnly,
		EnvironmentVersion: envVersion,
		TTL:                opts.TTL,
	}

	selected := toSet(opts.SelectModels)
	restated := toSet(graph.Downstream(opts.RestateModels))

	fingerprints := make(map[string]core.Fingerprint, len(models))
	categories := make(map[string]core.Category, len(models))
	isProd := opts.Environment == core.ProductionEnvironment && envVersion > 0

	for _, name := range order {
		m := models[name]
		fp := fingerprint.Compute(m, pick(fingerprints, m.Upstreams))
		qfp := fingerprint.ComputeQuery(m)
		fingerprints[name] = fp

		old := b.boundSnapshot(baseline, name)

		// Unselected models keep their current binding untouched.
		if len(selected) > 0 && !selected[name] && old != nil {
			categories[name] = core.CategoryUnchanged
			p.Changes = append(p.Changes, core.PlanChange{
				ModelName: name, Old: old, New: old, Category: core.CategoryUnchanged,
			})
			continue
		}

		if old != nil && old.Fingerprint == fp {
			categories[name] = core.CategoryUnchanged
			p.Changes = append(p.Changes, core.PlanChange{
				ModelName: name, Old: old, New: old, Category: core.CategoryUnchanged,
			})
			continue
		}

		category, err := b.categorize(m, old, qfp, fingerprints, categories, opts)
		if err != nil {
			return nil, err
		}
		categories[name] = category

		snap, err := b.store.GetOrCreateSnapshot(newSnapshot(m, fp, qfp, category, opts))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate snapshot for %q: %w", name, err)
		}
		p.Changes = append(p.Changes, core.PlanChange{
			ModelName: name, Old: old, New: snap, Category: category,
		})

		// Production breaking changes invalidate downstream intervals on the
		// currently bound snapshots; only current versions are recomputed.
		if isProd && category == core.CategoryBreaking {
			if err := b.restateDownstream(p, graph, baseline, name, m, end); err != nil {
				return nil, err
			}
		}
	}

	if err := b.computeBackfill(p, models, restated, opts, end); err != nil {
		return nil, err
	}
	return p, nil
}

// resolveBaseline returns the snapshot bindings the plan diffs against: the
// target environment's own, or the create-from environment's when the target
// does not exist yet.
func (b *Builder) resolveBaseline(opts Options) (map[string]string, int64, error) {
	env, err := b.store.GetEnvironment(opts.Environment)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read environment %q: %w", opts.Environment, err)
	}
	if env != nil {
		return env.Snapshots, env.Version, nil
	}

	from := opts.CreateFrom
	if from == "" {
		from = core.ProductionEnvironment
	}
	source, err := b.store.GetEnvironment(from)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read environment %q: %w", from, err)
	}
	if source == nil {
		return nil, 0, nil
	}
	return source.Snapshots, 0, nil
}

// boundSnapshot loads the snapshot bound for a model, tolerating bindings the
// janitor already reclaimed.
func (b *Builder) boundSnapshot(baseline map[string]string, name string) *core.Snapshot {
	id, ok := baseline[name]
	if !ok {
		return nil
	}
	snap, err := b.store.GetSnapshot(id)
	if err != nil {
		b.logger.Warn("bound snapshot missing, treating as first deploy",
			slog.String("model", name), slog.String("snapshot_id", id))
		return nil
	}
	return snap
}

func (b *Builder) categorize(m *core.Model, old *core.Snapshot, qfp core.Fingerprint,
	fingerprints map[string]core.Fingerprint, categories map[string]core.Category, opts Options) (core.Category, error) {

	// Forward-only models never rebuild history regardless of classifier output.
	if m.ForwardOnly || opts.ForwardOnly {
		return core.CategoryForwardOnly, nil
	}

	// First deploy always requires a full build.
	if old == nil {
		if override := opts.Categories[m.Name]; override != "" {
			return override, nil
		}
		return core.CategoryBreaking, nil
	}

	diff := DiffSnapshot(old, m, qfp)

	// A fingerprint that moved solely because an upstream's did inherits the
	// most severe upstream category.
	if diff.UpstreamOnly && opts.Categories[m.Name] == "" {
		inherited := core.CategoryNonBreaking
		for _, up := range m.Upstreams {
			if c, ok := categories[up]; ok && c != core.CategoryUnchanged {
				inherited = worseCategory(inherited, c)
			}
		}
		return inherited, nil
	}

	category, err := Classify(m.Name, diff, opts.Mode, opts.Categories[m.Name])
	if err != nil {
		var ambiguous *core.AmbiguousCategorizationError
		if errors.As(err, &ambiguous) && !opts.NoPrompts && opts.Prompter != nil {
			return opts.Prompter(m.Name, diff)
		}
		return "", err
	}
	return category, nil
}

// restateDownstream marks the plan-range intervals of every downstream
// model's currently bound snapshot as requiring recomputation.
func (b *Builder) restateDownstream(p *core.Plan, graph *dag.Graph, baseline map[string]string,
	name string, m *core.Model, end time.Time) error {

	start := m.Start
	if start.IsZero() {
		start = p.Start
	}
	for _, down := range graph.Downstream([]string{name}) {
		if down == name {
			continue
		}
		old := b.boundSnapshot(baseline, down)
		if old == nil {
			continue
		}
		buckets, err := cadence.Buckets(old.Cadence, startOr(start, end), end)
		if err != nil {
			return err
		}
		if len(buckets) > 0 {
			p.Restatements[old.ID] = core.MergeIntervals(append(p.Restatements[old.ID], buckets...))
		}
	}
	return nil
}

// computeBackfill fills in each change's required intervals and enforces the
// no-gaps invariant.
func (b *Builder) computeBackfill(p *core.Plan, models map[string]*core.Model,
	restated map[string]bool, opts Options, end time.Time) error {

	for i := range p.Changes {
		c := &p.Changes[i]
		m := models[c.ModelName]

		forced := restated[c.ModelName]
		if c.Category == core.CategoryUnchanged && !forced && !opts.IncludeUnmodified {
			continue
		}

		start := opts.Start
		if start.IsZero() {
			start = m.Start
		}
		if c.Category == core.CategoryForwardOnly && !opts.EffectiveFrom.IsZero() {
			if opts.EffectiveFrom.After(start) {
				start = opts.EffectiveFrom
			}
		}
		start = startOr(start, end)

		// Explicit restatement invalidates the bound snapshot's intervals even
		// when nothing changed.
		if forced {
			buckets, err := cadence.Buckets(c.New.Cadence, start, end)
			if err != nil {
				return err
			}
			if len(buckets) > 0 {
				p.Restatements[c.New.ID] = core.MergeIntervals(append(p.Restatements[c.New.ID], buckets...))
				c.Backfill = core.MergeIntervals(append(c.Backfill, buckets...))
			}
		}

		missing, err := b.store.MissingIntervals(c.New.ID, start, end, c.New.Cadence)
		if err != nil {
			return fmt.Errorf("failed to compute missing intervals for %q: %w", c.ModelName, err)
		}
		c.Backfill = core.MergeIntervals(append(c.Backfill, missing...))

		// Restated models are gap-checked too: a restatement forces backfill
		// on an unchanged snapshot, and its pre-existing gaps outside the
		// plan range must not survive silently.
		if opts.NoGaps && (c.Category != core.CategoryUnchanged || forced) {
			if err := b.checkGaps(c, m, end); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkGaps fails the plan when the snapshot would retain missing intervals
// outside the planned backfill over the model's full responsible range.
func (b *Builder) checkGaps(c *core.PlanChange, m *core.Model, end time.Time) error {
	fullStart := m.Start
	if fullStart.IsZero() {
		fullStart = startOr(time.Time{}, end)
	}
	missing, err := b.store.MissingIntervals(c.New.ID, fullStart, end, c.New.Cadence)
	if err != nil {
		return err
	}
	gaps := core.SubtractIntervals(missing, c.Backfill)
	if len(gaps) > 0 {
		return &core.NoGapsError{ModelName: c.ModelName, Gaps: gaps}
	}
	return nil
}

func buildGraph(models map[string]*core.Model) (*dag.Graph, []string, error) {
	g := dag.New()
	for name := range models {
		g.Add(name)
	}
	for name, m := range models {
		for _, up := range m.Upstreams {
			if err := g.AddDependency(up, name); err != nil {
				return nil, nil, &core.ConfigError{Source: m.FilePath, Message: err.Error()}
			}
		}
	}
	order, err := g.Sort()
	if err != nil {
		return nil, nil, &core.ConfigError{Message: err.Error()}
	}
	return g, order, nil
}

func newSnapshot(m *core.Model, fp, qfp core.Fingerprint, category core.Category, opts Options) *core.Snapshot {
	snap := &core.Snapshot{
		Name:             m.Name,
		Fingerprint:      fp,
		QueryFingerprint: qfp,
		Category:         category,
		Kind:             m.Kind,
		Cadence:          m.Cadence,
		Grain:            m.Grain,
		Upstreams:        m.Upstreams,
		TimeColumn:       m.TimeColumn,
		ForwardOnly:      m.ForwardOnly,
		Start:            m.Start.UTC(),
		Signals:          m.Signals,
		SQL:              m.SQL,
	}
	if category == core.CategoryForwardOnly && !opts.EffectiveFrom.IsZero() {
		eff := opts.EffectiveFrom.UTC()
		snap.EffectiveFrom = &eff
	}
	return snap
}

// startOr defaults a zero start to a one-day lookback from end.
func startOr(start, end time.Time) time.Time {
	if start.IsZero() {
		return end.AddDate(0, 0, -1)
	}
	return start.UTC()
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func pick(all map[string]core.Fingerprint, names []string) map[string]core.Fingerprint {
	out := make(map[string]core.Fingerprint, len(names))
	for _, n := range names {
		out[n] = all[n]
	}
	return out
}
