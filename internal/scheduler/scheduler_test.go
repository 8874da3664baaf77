package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leapstack-labs/strata/internal/executor"
	"github.com/leapstack-labs/strata/internal/state"
	"github.com/leapstack-labs/strata/pkg/core"
)

// fakeBackend records executed statements and supports failure injection.
type fakeBackend struct {
	mu     sync.Mutex
	stmts  []string
	failOn string // substring; matching statements fail
	onExec func() // called once per successful Exec
}

func (f *fakeBackend) Connect(context.Context, executor.Config) error { return nil }
func (f *fakeBackend) Close() error                                   { return nil }
func (f *fakeBackend) DialectName() string                            { return "fake" }

func (f *fakeBackend) Exec(_ context.Context, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(sql, f.failOn) {
		return errors.New("injected failure")
	}
	f.stmts = append(f.stmts, sql)
	if f.onExec != nil {
		f.onExec()
	}
	return nil
}

func (f *fakeBackend) TableExists(context.Context, string) (bool, error) { return false, nil }

func (f *fakeBackend) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stmts))
	copy(out, f.stmts)
	return out
}

func setupStore(t *testing.T) *state.SQLiteStore {
	t.Helper()
	store := state.NewSQLiteStore(nil)
	if err := store.Open(":memory:"); err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return store
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func makeSnapshot(t *testing.T, store core.Store, name string, upstreams []string) *core.Snapshot {
	t.Helper()
	snap, err := store.GetOrCreateSnapshot(&core.Snapshot{
		Name:        name,
		Fingerprint: core.Fingerprint("fp-" + name),
		Category:    core.CategoryBreaking,
		Kind:        core.KindFull,
		Cadence:     "@daily",
		Upstreams:   upstreams,
		Start:       day(1),
		SQL:         "SELECT 1",
	})
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot(%s): %v", name, err)
	}
	return snap
}

func backfillPlan(env string, version int64, changes ...core.PlanChange) *core.Plan {
	return &core.Plan{
		Environment:        env,
		EnvironmentVersion: version,
		Changes:            changes,
	}
}

func TestBackfillCommitsIntervals(t *testing.T) {
	store := setupStore(t)
	backend := &fakeBackend{}
	snap := makeSnapshot(t, store, "orders", nil)

	s := New(store, backend, nil, nil, Options{})
	p := backfillPlan("dev", 0, core.PlanChange{
		ModelName: "orders", New: snap, Category: core.CategoryBreaking,
		Backfill: []core.Interval{{Start: day(1), End: day(3)}},
	})
	if err := s.Backfill(context.Background(), p); err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	// Two daily buckets, each drop+create on a full model.
	if got := len(backend.executed()); got != 4 {
		t.Errorf("expected 4 statements, got %d: %v", got, backend.executed())
	}
	missing, err := store.MissingIntervals(snap.ID, day(1), day(3), "@daily")
	if err != nil {
		t.Fatalf("MissingIntervals: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("intervals not committed: %v", missing)
	}
}

func TestBackfillRunsUpstreamsFirst(t *testing.T) {
	store := setupStore(t)
	backend := &fakeBackend{}
	raw := makeSnapshot(t, store, "raw", nil)
	orders := makeSnapshot(t, store, "orders", []string{"raw"})

	s := New(store, backend, nil, nil, Options{Concurrency: 8})
	ivl := []core.Interval{{Start: day(1), End: day(2)}}
	p := backfillPlan("dev", 0,
		core.PlanChange{ModelName: "orders", New: orders, Backfill: ivl},
		core.PlanChange{ModelName: "raw", New: raw, Backfill: ivl},
	)
	if err := s.Backfill(context.Background(), p); err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	var rawIdx, ordersIdx int
	for i, stmt := range backend.executed() {
		if strings.Contains(stmt, "raw__v") {
			rawIdx = i
		}
		if strings.Contains(stmt, "orders__v") {
			ordersIdx = i
		}
	}
	if rawIdx > ordersIdx {
		t.Errorf("upstream executed after downstream: %v", backend.executed())
	}
}

func TestRetryExhaustionSparesIndependentBranches(t *testing.T) {
	store := setupStore(t)
	backend := &fakeBackend{failOn: "orders__v"}
	orders := makeSnapshot(t, store, "orders", nil)
	customers := makeSnapshot(t, store, "customers", nil)
	totals := makeSnapshot(t, store, "order_totals", []string{"orders"})

	s := New(store, backend, nil, nil, Options{MaxAttempts: 2})
	ivl := []core.Interval{{Start: day(1), End: day(2)}}
	p := backfillPlan("dev", 0,
		core.PlanChange{ModelName: "orders", New: orders, Backfill: ivl},
		core.PlanChange{ModelName: "customers", New: customers, Backfill: ivl},
		core.PlanChange{ModelName: "order_totals", New: totals, Backfill: ivl},
	)

	err := s.Backfill(context.Background(), p)
	var execErr *core.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", execErr.Attempts)
	}

	// The independent branch committed despite the failure.
	missing, _ := store.MissingIntervals(customers.ID, day(1), day(2), "@daily")
	if len(missing) != 0 {
		t.Errorf("independent branch should have committed, missing %v", missing)
	}
	// The downstream of the failed model did not run.
	missing, _ = store.MissingIntervals(totals.ID, day(1), day(2), "@daily")
	if len(missing) == 0 {
		t.Error("downstream of failed model must not commit")
	}
}

func TestConflictAbortStopsCommits(t *testing.T) {
	store := setupStore(t)
	snap := makeSnapshot(t, store, "orders", nil)

	env := &core.Environment{Name: "prod", Snapshots: map[string]string{"orders": snap.ID}}
	promoted, err := store.PromoteEnvironment(env, 0)
	if err != nil {
		t.Fatalf("PromoteEnvironment: %v", err)
	}

	// Swap the environment out from under the run after the first statement.
	var once sync.Once
	backend := &fakeBackend{}
	backend.onExec = func() {
		once.Do(func() {
			if _, err := store.PromoteEnvironment(env, promoted.Version); err != nil {
				t.Errorf("concurrent promotion: %v", err)
			}
		})
	}

	s := New(store, backend, nil, nil, Options{})
	p := backfillPlan("prod", promoted.Version, core.PlanChange{
		ModelName: "orders", New: snap,
		Backfill: []core.Interval{{Start: day(1), End: day(3)}},
	})

	err = s.Backfill(context.Background(), p)
	var conflict *core.ConcurrentUpdateError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrentUpdateError, got %v", err)
	}

	// Nothing was committed against the stale environment.
	ledger, _ := store.Intervals(snap.ID)
	if len(ledger) != 0 {
		t.Errorf("intervals committed after conflict: %v", ledger)
	}
}

func TestSignalsGateIntervals(t *testing.T) {
	store := setupStore(t)
	backend := &fakeBackend{}
	snap, err := store.GetOrCreateSnapshot(&core.Snapshot{
		Name:        "orders",
		Fingerprint: "fp-orders",
		Kind:        core.KindFull,
		Cadence:     "@daily",
		Signals:     []string{"upstream_loaded"},
		Start:       day(1),
		SQL:         "SELECT 1",
	})
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}
	p := backfillPlan("dev", 0, core.PlanChange{
		ModelName: "orders", New: snap,
		Backfill: []core.Interval{{Start: day(1), End: day(2)}},
	})

	// Signal not satisfied: interval skipped without error.
	s := New(store, backend, StaticSignals{"upstream_loaded": false}, nil, Options{})
	if err := s.Backfill(context.Background(), p); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if got := len(backend.executed()); got != 0 {
		t.Errorf("gated interval executed: %v", backend.executed())
	}

	// Satisfied: computed and committed.
	s = New(store, backend, StaticSignals{"upstream_loaded": true}, nil, Options{})
	if err := s.Backfill(context.Background(), p); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	missing, _ := store.MissingIntervals(snap.ID, day(1), day(2), "@daily")
	if len(missing) != 0 {
		t.Errorf("interval not committed: %v", missing)
	}

	// NoSignals bypasses the gate entirely.
	backend2 := &fakeBackend{}
	s = New(store, backend2, StaticSignals{"upstream_loaded": false}, nil, Options{NoSignals: true})
	p2 := backfillPlan("dev", 0, core.PlanChange{
		ModelName: "orders", New: snap,
		Backfill: []core.Interval{{Start: day(2), End: day(3)}},
	})
	if err := s.Backfill(context.Background(), p2); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if got := len(backend2.executed()); got == 0 {
		t.Error("no-signals run should have executed")
	}
}

func TestRunCatchesUpEnvironment(t *testing.T) {
	store := setupStore(t)
	backend := &fakeBackend{}
	raw := makeSnapshot(t, store, "raw", nil)
	orders := makeSnapshot(t, store, "orders", []string{"raw"})

	env := &core.Environment{Name: "prod", Snapshots: map[string]string{
		"raw": raw.ID, "orders": orders.ID,
	}}
	if _, err := store.PromoteEnvironment(env, 0); err != nil {
		t.Fatalf("PromoteEnvironment: %v", err)
	}

	s := New(store, backend, nil, nil, Options{Start: day(1), End: day(4)})
	if err := s.Run(context.Background(), "prod"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, snap := range []*core.Snapshot{raw, orders} {
		missing, _ := store.MissingIntervals(snap.ID, day(1), day(4), "@daily")
		if len(missing) != 0 {
			t.Errorf("%s: not caught up, missing %v", snap.Name, missing)
		}
	}

	// A second run finds nothing to do.
	backend2 := &fakeBackend{}
	s = New(store, backend2, nil, nil, Options{Start: day(1), End: day(4)})
	if err := s.Run(context.Background(), "prod"); err != nil {
		t.Fatalf("Run (second): %v", err)
	}
	if got := len(backend2.executed()); got != 0 {
		t.Errorf("idempotent run executed statements: %v", backend2.executed())
	}
}

func TestRunSelectModelsPullsUpstreams(t *testing.T) {
	store := setupStore(t)
	backend := &fakeBackend{}
	raw := makeSnapshot(t, store, "raw", nil)
	orders := makeSnapshot(t, store, "orders", []string{"raw"})
	customers := makeSnapshot(t, store, "customers", nil)

	env := &core.Environment{Name: "prod", Snapshots: map[string]string{
		"raw": raw.ID, "orders": orders.ID, "customers": customers.ID,
	}}
	if _, err := store.PromoteEnvironment(env, 0); err != nil {
		t.Fatalf("PromoteEnvironment: %v", err)
	}

	s := New(store, backend, nil, nil, Options{
		Start: day(1), End: day(2), SelectModels: []string{"orders"},
	})
	if err := s.Run(context.Background(), "prod"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stmts := strings.Join(backend.executed(), "\n")
	if !strings.Contains(stmts, "raw__v") || !strings.Contains(stmts, "orders__v") {
		t.Errorf("selection should include upstream: %v", backend.executed())
	}
	if strings.Contains(stmts, "customers__v") {
		t.Errorf("unselected model ran: %v", backend.executed())
	}
}

func TestRunMissingEnvironment(t *testing.T) {
	store := setupStore(t)
	s := New(store, &fakeBackend{}, nil, nil, Options{})
	if err := s.Run(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown environment")
	}
}
