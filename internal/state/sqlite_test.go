package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leapstack-labs/strata/pkg/core"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(nil)
	if err := store.Open(":memory:"); err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return store
}

func testSnapshot(name, fp string) *core.Snapshot {
	return &core.Snapshot{
		Name:             name,
		Fingerprint:      core.Fingerprint(fp),
		QueryFingerprint: core.Fingerprint("q-" + fp),
		Category:         core.CategoryBreaking,
		Kind:             core.KindIncremental,
		Cadence:          "@daily",
		TimeColumn:       "created_at",
		SQL:              "SELECT 1",
	}
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestSQLiteStore_Migrate(t *testing.T) {
	store := setupTestStore(t)

	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version < 1 {
		t.Errorf("expected migration version >= 1, got %d", version)
	}

	for _, table := range []string{"snapshots", "intervals", "environments", "runs"} {
		rows, err := store.db.Query("SELECT 1 FROM " + table + " LIMIT 1")
		if err != nil {
			t.Errorf("table %s does not exist: %v", table, err)
		} else {
			rows.Close()
		}
	}
}

// --- Snapshot tests ---

func TestSQLiteStore_GetOrCreateSnapshotIdempotent(t *testing.T) {
	store := setupTestStore(t)

	first, err := store.GetOrCreateSnapshot(testSnapshot("orders", "fp1"))
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}
	if first.ID == "" {
		t.Error("snapshot ID should not be empty")
	}
	if first.Version != 1 {
		t.Errorf("first version = %d, want 1", first.Version)
	}
	if first.TableName != "orders__v1" {
		t.Errorf("table name = %q, want orders__v1", first.TableName)
	}

	again, err := store.GetOrCreateSnapshot(testSnapshot("orders", "fp1"))
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot (again): %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("re-creating the same (name, fingerprint) allocated a new snapshot: %s vs %s", again.ID, first.ID)
	}
	if again.Version != 1 {
		t.Errorf("version changed on re-create: %d", again.Version)
	}
}

func TestSQLiteStore_GetOrCreateSnapshotConcurrent(t *testing.T) {
	store := setupTestStore(t)

	// Race many writers on one (name, fingerprint). Losers of the UNIQUE
	// race must observe the winner's snapshot, not hang or error: the
	// losing transaction has to release its connection before re-reading.
	const writers = 32
	results := make(chan *core.Snapshot, writers)
	errs := make(chan error, writers)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			snap, err := store.GetOrCreateSnapshot(testSnapshot("orders", "fp-race"))
			if err != nil {
				errs <- err
				return
			}
			results <- snap
		}()
	}
	close(start)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent GetOrCreateSnapshot did not finish within 10s")
	}
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}
	var first *core.Snapshot
	for snap := range results {
		if first == nil {
			first = snap
			continue
		}
		if snap.ID != first.ID || snap.Version != first.Version {
			t.Errorf("writers observed different snapshots: (%s, v%d) vs (%s, v%d)",
				snap.ID, snap.Version, first.ID, first.Version)
		}
	}
	if first == nil {
		t.Fatal("no snapshots returned")
	}
	if first.Version != 1 {
		t.Errorf("version = %d, want 1 (exactly one allocation)", first.Version)
	}

	all, err := store.GetSnapshotsByName("orders")
	if err != nil {
		t.Fatalf("GetSnapshotsByName: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("stored %d snapshots, want 1", len(all))
	}
}

func TestSQLiteStore_SnapshotVersionsAreMonotonic(t *testing.T) {
	store := setupTestStore(t)

	for i, fp := range []string{"fp1", "fp2", "fp3"} {
		snap, err := store.GetOrCreateSnapshot(testSnapshot("orders", fp))
		if err != nil {
			t.Fatalf("GetOrCreateSnapshot: %v", err)
		}
		if snap.Version != int64(i+1) {
			t.Errorf("version for %s = %d, want %d", fp, snap.Version, i+1)
		}
	}

	// Versions are per model name.
	other, err := store.GetOrCreateSnapshot(testSnapshot("customers", "fp1"))
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}
	if other.Version != 1 {
		t.Errorf("version for new model = %d, want 1", other.Version)
	}
}

func TestSQLiteStore_SnapshotRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	in := testSnapshot("orders", "fp1")
	in.Grain = []string{"order_id"}
	in.Upstreams = []string{"raw.orders"}
	in.Signals = []string{"upstream_loaded"}
	in.ForwardOnly = true
	in.Start = day(1)
	eff := day(5)
	in.EffectiveFrom = &eff

	created, err := store.GetOrCreateSnapshot(in)
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}

	got, err := store.GetSnapshot(created.ID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.Kind != core.KindIncremental || got.TimeColumn != "created_at" {
		t.Errorf("definition fields lost: %+v", got)
	}
	if len(got.Grain) != 1 || got.Grain[0] != "order_id" {
		t.Errorf("grain = %v", got.Grain)
	}
	if len(got.Upstreams) != 1 || got.Upstreams[0] != "raw.orders" {
		t.Errorf("upstreams = %v", got.Upstreams)
	}
	if !got.ForwardOnly {
		t.Error("forward_only lost")
	}
	if !got.Start.Equal(day(1)) {
		t.Errorf("start = %s", got.Start)
	}
	if got.EffectiveFrom == nil || !got.EffectiveFrom.Equal(day(5)) {
		t.Errorf("effective_from = %v", got.EffectiveFrom)
	}
}

func TestSQLiteStore_GetSnapshotsByName(t *testing.T) {
	store := setupTestStore(t)

	for _, fp := range []string{"fp1", "fp2"} {
		if _, err := store.GetOrCreateSnapshot(testSnapshot("orders", fp)); err != nil {
			t.Fatalf("GetOrCreateSnapshot: %v", err)
		}
	}

	snaps, err := store.GetSnapshotsByName("orders")
	if err != nil {
		t.Fatalf("GetSnapshotsByName: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Version != 2 {
		t.Errorf("expected newest first, got version %d", snaps[0].Version)
	}
}

func TestSQLiteStore_DeleteSnapshotRemovesLedger(t *testing.T) {
	store := setupTestStore(t)

	snap, err := store.GetOrCreateSnapshot(testSnapshot("orders", "fp1"))
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}
	if err := store.RecordInterval(snap.ID, core.Interval{Start: day(1), End: day(2)}); err != nil {
		t.Fatalf("RecordInterval: %v", err)
	}

	if err := store.DeleteSnapshot(snap.ID); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	if _, err := store.GetSnapshot(snap.ID); err == nil {
		t.Error("expected error for deleted snapshot")
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM intervals WHERE snapshot_id = ?`, snap.ID).Scan(&count); err != nil {
		t.Fatalf("count intervals: %v", err)
	}
	if count != 0 {
		t.Errorf("ledger not cascaded: %d rows remain", count)
	}
}

// --- Interval ledger tests ---

func TestSQLiteStore_RecordIntervalCoalesces(t *testing.T) {
	store := setupTestStore(t)

	snap, err := store.GetOrCreateSnapshot(testSnapshot("orders", "fp1"))
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}

	// Adjacent and out-of-order records collapse into one entry.
	for _, ivl := range []core.Interval{
		{Start: day(2), End: day(3)},
		{Start: day(1), End: day(2)},
		{Start: day(3), End: day(4)},
	} {
		if err := store.RecordInterval(snap.ID, ivl); err != nil {
			t.Fatalf("RecordInterval: %v", err)
		}
	}

	ledger, err := store.Intervals(snap.ID)
	if err != nil {
		t.Fatalf("Intervals: %v", err)
	}
	if len(ledger) != 1 {
		t.Fatalf("expected coalesced ledger, got %v", ledger)
	}
	if !ledger[0].Start.Equal(day(1)) || !ledger[0].End.Equal(day(4)) {
		t.Errorf("ledger = %v", ledger[0])
	}
}

func TestSQLiteStore_RemoveIntervalSplits(t *testing.T) {
	store := setupTestStore(t)

	snap, err := store.GetOrCreateSnapshot(testSnapshot("orders", "fp1"))
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}
	if err := store.RecordInterval(snap.ID, core.Interval{Start: day(1), End: day(10)}); err != nil {
		t.Fatalf("RecordInterval: %v", err)
	}
	if err := store.RemoveInterval(snap.ID, core.Interval{Start: day(4), End: day(6)}); err != nil {
		t.Fatalf("RemoveInterval: %v", err)
	}

	ledger, err := store.Intervals(snap.ID)
	if err != nil {
		t.Fatalf("Intervals: %v", err)
	}
	if len(ledger) != 2 {
		t.Fatalf("expected split ledger, got %v", ledger)
	}
	if !ledger[0].End.Equal(day(4)) || !ledger[1].Start.Equal(day(6)) {
		t.Errorf("ledger = %v", ledger)
	}
}

func TestSQLiteStore_MissingIntervals(t *testing.T) {
	store := setupTestStore(t)

	snap, err := store.GetOrCreateSnapshot(testSnapshot("orders", "fp1"))
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}
	if err := store.RecordInterval(snap.ID, core.Interval{Start: day(2), End: day(3)}); err != nil {
		t.Fatalf("RecordInterval: %v", err)
	}

	missing, err := store.MissingIntervals(snap.ID, day(1), day(4), "@daily")
	if err != nil {
		t.Fatalf("MissingIntervals: %v", err)
	}
	want := []core.Interval{
		{Start: day(1), End: day(2)},
		{Start: day(3), End: day(4)},
	}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v, want %v", missing, want)
	}
	for i := range want {
		if !missing[i].Start.Equal(want[i].Start) || !missing[i].End.Equal(want[i].End) {
			t.Errorf("missing[%d] = %v, want %v", i, missing[i], want[i])
		}
	}
}

// --- Environment tests ---

func TestSQLiteStore_PromoteEnvironmentCreatesAndBumps(t *testing.T) {
	store := setupTestStore(t)

	env := &core.Environment{
		Name:      "dev",
		Snapshots: map[string]string{"orders": "snap-1"},
	}

	created, err := store.PromoteEnvironment(env, 0)
	if err != nil {
		t.Fatalf("PromoteEnvironment: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}

	env.Snapshots = map[string]string{"orders": "snap-2"}
	updated, err := store.PromoteEnvironment(env, created.Version)
	if err != nil {
		t.Fatalf("PromoteEnvironment (update): %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	got, err := store.GetEnvironment("dev")
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if got.Snapshots["orders"] != "snap-2" {
		t.Errorf("snapshot set = %v", got.Snapshots)
	}
}

func TestSQLiteStore_PromoteEnvironmentConflict(t *testing.T) {
	store := setupTestStore(t)

	env := &core.Environment{Name: "dev", Snapshots: map[string]string{}}
	if _, err := store.PromoteEnvironment(env, 0); err != nil {
		t.Fatalf("PromoteEnvironment: %v", err)
	}

	_, err := store.PromoteEnvironment(env, 0)
	var conflict *core.ConcurrentUpdateError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrentUpdateError, got %v", err)
	}
	if conflict.Actual != 1 || conflict.Expected != 0 {
		t.Errorf("conflict = %+v", conflict)
	}
}

func TestSQLiteStore_InvalidateEnvironment(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.PromoteEnvironment(&core.Environment{Name: "dev"}, 0); err != nil {
		t.Fatalf("PromoteEnvironment: %v", err)
	}
	if err := store.InvalidateEnvironment("dev"); err != nil {
		t.Fatalf("InvalidateEnvironment: %v", err)
	}

	env, err := store.GetEnvironment("dev")
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if !env.Invalidated {
		t.Error("environment should be invalidated")
	}
	if !env.Expired(time.Now().UTC()) {
		t.Error("invalidated environment should count as expired")
	}

	if err := store.InvalidateEnvironment(core.ProductionEnvironment); err == nil {
		t.Error("invalidating production should fail")
	}
}

func TestSQLiteStore_ReferenceCount(t *testing.T) {
	store := setupTestStore(t)

	snap, err := store.GetOrCreateSnapshot(testSnapshot("orders", "fp1"))
	if err != nil {
		t.Fatalf("GetOrCreateSnapshot: %v", err)
	}

	envs := []*core.Environment{
		{Name: core.ProductionEnvironment, Snapshots: map[string]string{"orders": snap.ID}},
		{Name: "dev", Snapshots: map[string]string{"orders": snap.ID}},
	}
	for _, env := range envs {
		if _, err := store.PromoteEnvironment(env, 0); err != nil {
			t.Fatalf("PromoteEnvironment(%s): %v", env.Name, err)
		}
	}

	count, err := store.ReferenceCount(snap.ID)
	if err != nil {
		t.Fatalf("ReferenceCount: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	// Invalidated environments no longer hold references.
	if err := store.InvalidateEnvironment("dev"); err != nil {
		t.Fatalf("InvalidateEnvironment: %v", err)
	}
	count, err = store.ReferenceCount(snap.ID)
	if err != nil {
		t.Fatalf("ReferenceCount: %v", err)
	}
	if count != 1 {
		t.Errorf("count after invalidation = %d, want 1", count)
	}
}

// --- Run tests ---

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.CreateRun("dev")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != core.RunStatusRunning {
		t.Errorf("status = %s", run.Status)
	}

	if err := store.CompleteRun(run.ID, core.RunStatusFailed, "backend unreachable"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != core.RunStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
	if got.Error != "backend unreachable" {
		t.Errorf("error = %q", got.Error)
	}

	latest, err := store.GetLatestRun("dev")
	if err != nil {
		t.Fatalf("GetLatestRun: %v", err)
	}
	if latest == nil || latest.ID != run.ID {
		t.Errorf("latest run = %+v", latest)
	}

	none, err := store.GetLatestRun("never-ran")
	if err != nil {
		t.Fatalf("GetLatestRun: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for environment with no runs, got %+v", none)
	}
}
