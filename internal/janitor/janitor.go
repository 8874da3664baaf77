// Package janitor reclaims expired environments and the snapshots nothing
// references anymore: environments first, then zero-reference snapshots, so a
// snapshot is never removed while still visible.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/leapstack-labs/strata/internal/executor"
	"github.com/leapstack-labs/strata/pkg/core"
)

// Janitor deletes expired environments and unreferenced snapshots.
type Janitor struct {
	store   core.Store
	backend executor.Backend
	logger  *slog.Logger
}

// New creates a janitor. backend may be nil; physical tables and views are
// then left for a later pass with one configured.
func New(store core.Store, backend executor.Backend, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Janitor{store: store, backend: backend, logger: logger}
}

// Reclaim runs one janitor pass. With ignoreTTL every non-production
// environment is removed regardless of expiry. Idempotent: a second pass with
// no intervening state change performs no work. Per-item failures are logged
// and left for the next pass, never aborting the sweep.
func (j *Janitor) Reclaim(ctx context.Context, ignoreTTL bool) error {
	now := time.Now().UTC()

	envs, err := j.store.ListEnvironments()
	if err != nil {
		return err
	}
	for _, env := range envs {
		if env.IsProduction() {
			continue
		}
		if !ignoreTTL && !env.Expired(now) {
			continue
		}
		j.reclaimEnvironment(ctx, env)
	}

	snaps, err := j.store.ListSnapshots()
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		count, err := j.store.ReferenceCount(snap.ID)
		if err != nil {
			j.logger.Warn("skipping snapshot, reference count failed",
				slog.String("snapshot", snap.ID), slog.Any("error", err))
			continue
		}
		if count > 0 {
			continue
		}
		j.reclaimSnapshot(ctx, snap)
	}
	return nil
}

func (j *Janitor) reclaimEnvironment(ctx context.Context, env *core.Environment) {
	if j.backend != nil {
		for model := range env.Snapshots {
			if err := executor.DropView(ctx, j.backend, model, env.Name); err != nil {
				j.logger.Warn("failed to drop view, leaving for next pass",
					slog.String("environment", env.Name),
					slog.String("model", model),
					slog.Any("error", err))
				return
			}
		}
	}
	if err := j.store.DeleteEnvironment(env.Name); err != nil {
		j.logger.Warn("failed to delete environment, leaving for next pass",
			slog.String("environment", env.Name), slog.Any("error", err))
		return
	}
	j.logger.Info("environment reclaimed", slog.String("environment", env.Name))
}

func (j *Janitor) reclaimSnapshot(ctx context.Context, snap *core.Snapshot) {
	if j.backend != nil {
		if err := executor.DropTable(ctx, j.backend, snap.TableName); err != nil {
			j.logger.Warn("failed to drop table, leaving for next pass",
				slog.String("snapshot", snap.ID),
				slog.String("table", snap.TableName),
				slog.Any("error", err))
			return
		}
	}
	if err := j.store.DeleteSnapshot(snap.ID); err != nil {
		j.logger.Warn("failed to delete snapshot, leaving for next pass",
			slog.String("snapshot", snap.ID), slog.Any("error", err))
		return
	}
	j.logger.Info("snapshot reclaimed",
		slog.String("model", snap.Name),
		slog.Int64("version", snap.Version))
}
