// Package core defines the shared language of the strata plan/apply engine.
//
// This package contains:
//   - Domain entities (Model, Snapshot, Environment, Plan, Interval)
//   - The state store contract (Store)
//   - The typed error taxonomy surfaced to callers
//
// The Golden Rule: pkg/core imports ONLY the stdlib.
// All other packages depend on core, not the reverse.
package core
