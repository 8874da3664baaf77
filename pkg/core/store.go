package core

import "time"

// Store defines the interface for the shared state store. It is the single
// source of truth and serialization point: snapshot allocation and
// environment promotion are linearizable; everything else is safe to read
// concurrently because snapshots are immutable once created.
type Store interface {
	Close() error

	// Snapshot operations. GetOrCreateSnapshot is idempotent on
	// (Name, Fingerprint): re-deploying an unchanged model never allocates a
	// duplicate, and exactly one version number is issued under concurrent
	// writers (losers observe the winner's snapshot).
	GetOrCreateSnapshot(snap *Snapshot) (*Snapshot, error)
	GetSnapshot(id string) (*Snapshot, error)
	GetSnapshotsByName(name string) ([]*Snapshot, error)
	ListSnapshots() ([]*Snapshot, error)
	DeleteSnapshot(id string) error
	// ReferenceCount counts live (non-expired) environments pointing at the
	// snapshot.
	ReferenceCount(snapshotID string) (int, error)

	// Interval ledger operations. Entries per snapshot are disjoint and
	// sorted; RecordInterval coalesces adjacent ranges.
	RecordInterval(snapshotID string, ivl Interval) error
	RemoveInterval(snapshotID string, ivl Interval) error
	Intervals(snapshotID string) ([]Interval, error)
	// MissingIntervals returns the cadence-quantized ranges in [start, end)
	// not yet recorded as computed.
	MissingIntervals(snapshotID string, start, end time.Time, cadence string) ([]Interval, error)

	// Environment operations. PromoteEnvironment swaps the snapshot set in a
	// single atomic transition guarded by expectedVersion; a mismatch returns
	// *ConcurrentUpdateError.
	GetEnvironment(name string) (*Environment, error)
	ListEnvironments() ([]*Environment, error)
	PromoteEnvironment(env *Environment, expectedVersion int64) (*Environment, error)
	InvalidateEnvironment(name string) error
	DeleteEnvironment(name string) error

	// Run audit records.
	CreateRun(env string) (*Run, error)
	CompleteRun(id string, status RunStatus, errMsg string) error
	GetRun(id string) (*Run, error)
}
