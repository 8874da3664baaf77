package core

import (
	"strconv"
	"strings"
	"time"
)

// ProductionEnvironment is the distinguished, non-expiring environment.
const ProductionEnvironment = "prod"

// ModelKind defines how a model is materialized.
type ModelKind string

// Model kind constants.
const (
	// KindFull recomputes the entire table on every evaluated interval.
	KindFull ModelKind = "full"
	// KindIncremental computes one cadence interval at a time and appends it.
	KindIncremental ModelKind = "incremental"
)

// Model is a named transformation unit as declared in a model file.
// A Model is immutable per definition version; editing the file produces a
// new logical state, never an in-place mutation.
type Model struct {
	// Name is the fully qualified model name (e.g. "marts.order_totals").
	Name string
	// SQL is the query text (frontmatter stripped).
	SQL string
	// Cadence is a cron expression describing the interval grain (default "@daily").
	Cadence string
	// Grain is the primary-key column set.
	Grain []string
	// Upstreams are the names of models this model reads from.
	Upstreams []string
	// Kind selects the materialization strategy.
	Kind ModelKind
	// TimeColumn is the column intervals are filtered on for incremental models.
	TimeColumn string
	// Owner is the team/person responsible for this model.
	Owner string
	// Description is a human-readable description.
	Description string
	// Tags are metadata labels for filtering.
	Tags []string
	// ForwardOnly models never rebuild history; new logic applies going forward.
	ForwardOnly bool
	// Start is the earliest interval boundary this model is responsible for.
	Start time.Time
	// Signals are named readiness predicates gating interval computation.
	Signals []string
	// FilePath is the absolute path of the definition file.
	FilePath string
}

// Fingerprint is a content hash of a model's normalized definition plus the
// fingerprints of its upstreams. Equal fingerprints mean "no change".
type Fingerprint string

// Category classifies the blast radius of a model change.
type Category string

// Category constants.
const (
	CategoryUnchanged    Category = "unchanged"
	CategoryBreaking     Category = "breaking"
	CategoryNonBreaking  Category = "non_breaking"
	CategoryMetadataOnly Category = "metadata_only"
	CategoryForwardOnly  Category = "forward_only"
)

// Snapshot is the unit of deployment: one immutable version of one model,
// identified by (Name, Fingerprint). Snapshots own an interval ledger of
// computed [start, end) ranges. Created by the plan builder, destroyed only
// by the janitor once unreferenced.
type Snapshot struct {
	ID string
	// Name is the model name this snapshot versions.
	Name        string
	Fingerprint Fingerprint
	// QueryFingerprint hashes the normalized query text only (no config, no
	// upstreams). Used by the categorizer to tell query edits from
	// metadata-only edits.
	QueryFingerprint Fingerprint
	// Version is monotonically allocated per model name.
	Version  int64
	Category Category
	// TableName is the physical table identifier owned by this snapshot.
	TableName string

	// Definition fields frozen at snapshot time.
	Kind        ModelKind
	Cadence     string
	Grain       []string
	Upstreams   []string
	TimeColumn  string
	ForwardOnly bool
	Start       time.Time
	Signals     []string
	SQL         string

	// EffectiveFrom controls when forward-only logic takes effect.
	EffectiveFrom *time.Time
	CreatedAt     time.Time
}

// PhysicalTableName computes the physical table identifier for a snapshot.
// Pure naming policy; the snapshot's version makes it collision-free. Dots in
// the model name are flattened so the identifier needs no schema handling.
func PhysicalTableName(name string, version int64) string {
	flat := strings.ReplaceAll(name, ".", "__")
	return flat + "__v" + strconv.FormatInt(version, 10)
}

// Environment is a named, atomically swapped mapping from model name to
// snapshot ID. The mapping is replaced wholesale on promotion so readers
// never observe a partial mix of old and new references.
type Environment struct {
	Name string
	// Snapshots maps model name to snapshot ID.
	Snapshots map[string]string
	// Version is bumped on every promotion; used for optimistic conflict
	// detection between long-running backfills and concurrent plans.
	Version int64
	// ExpiresAt is nil for production; the janitor removes expired
	// environments on its next pass.
	ExpiresAt   *time.Time
	Invalidated bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsProduction reports whether this is the distinguished production environment.
func (e *Environment) IsProduction() bool {
	return e.Name == ProductionEnvironment
}

// Expired reports whether the environment is past its TTL. Production never
// expires; only explicit invalidation marks it for removal.
func (e *Environment) Expired(now time.Time) bool {
	if e.IsProduction() {
		return false
	}
	if e.Invalidated {
		return true
	}
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// RunStatus represents the status of a plan/run execution.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is the audit record of one plan application or scheduler run.
type Run struct {
	ID          string
	Environment string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// PlanChange is one entry of a plan: the transition of a single model from
// its currently bound snapshot to the desired one.
type PlanChange struct {
	ModelName string
	// Old is the snapshot currently bound in the target environment (nil on
	// first deploy).
	Old *Snapshot
	// New is the snapshot the plan binds. For unchanged models New == Old.
	New      *Snapshot
	Category Category
	// Backfill holds the intervals that must be computed before promotion.
	Backfill []Interval
}

// Plan is a transient computation: the ordered snapshot changes, their
// categorization, and the intervals required to move an environment from its
// current state to the desired one. Consumed once by apply.
type Plan struct {
	Environment string
	CreateFrom  string
	Start       time.Time
	End         time.Time
	// ExecutionTime anchors "now" for cadence clipping; zero means wall clock.
	ExecutionTime time.Time

	// Changes in topological order, upstream before downstream.
	Changes []PlanChange
	// Restatements maps snapshot ID to intervals that must be marked
	// non-computed before backfill (breaking changes, explicit restates).
	Restatements map[string][]Interval

	SkipBackfill  bool
	EmptyBackfill bool
	NoGaps        bool
	ForwardOnly   bool

	// EnvironmentVersion is the target environment's version observed at
	// build time. Promotion fails if it moved since.
	EnvironmentVersion int64
	// TTL applied to non-production environments on promotion.
	TTL time.Duration
}

// HasChanges reports whether the plan binds any snapshot the environment does
// not already reference.
func (p *Plan) HasChanges() bool {
	for _, c := range p.Changes {
		if c.Category != CategoryUnchanged {
			return true
		}
	}
	return false
}
