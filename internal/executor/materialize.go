package executor

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/strata/pkg/core"
)

// Materialize computes one interval of a snapshot into its physical table.
//
// Full snapshots rebuild the table wholesale on every evaluated interval.
// Incremental snapshots create the table on first evaluation and afterwards
// replace exactly the [start, end) slice of the time column, which makes
// re-running an interval idempotent.
func Materialize(ctx context.Context, b Backend, snap *core.Snapshot, ivl core.Interval) error {
	query := RenderQuery(snap.SQL, ivl)

	if snap.Kind != core.KindIncremental {
		stmts := []string{
			fmt.Sprintf("DROP TABLE IF EXISTS %s", snap.TableName),
			fmt.Sprintf("CREATE TABLE %s AS %s", snap.TableName, query),
		}
		for _, stmt := range stmts {
			if err := b.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to rebuild table %s: %w", snap.TableName, err)
			}
		}
		return nil
	}

	exists, err := b.TableExists(ctx, snap.TableName)
	if err != nil {
		return fmt.Errorf("failed to probe table %s: %w", snap.TableName, err)
	}
	if !exists {
		stmt := fmt.Sprintf("CREATE TABLE %s AS %s", snap.TableName, query)
		if err := b.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", snap.TableName, err)
		}
		return nil
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE %s >= '%s' AND %s < '%s'",
		snap.TableName,
		snap.TimeColumn, ivl.Start.UTC().Format(tsLayout),
		snap.TimeColumn, ivl.End.UTC().Format(tsLayout))
	if err := b.Exec(ctx, del); err != nil {
		return fmt.Errorf("failed to clear interval in %s: %w", snap.TableName, err)
	}

	ins := fmt.Sprintf("INSERT INTO %s %s", snap.TableName, query)
	if err := b.Exec(ctx, ins); err != nil {
		return fmt.Errorf("failed to insert interval into %s: %w", snap.TableName, err)
	}
	return nil
}

// CreateView points the environment-facing view for a model at a snapshot's
// physical table.
func CreateView(ctx context.Context, b Backend, modelName, env, tableName string) error {
	view := ViewName(modelName, env)
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", view, tableName)
	if err := b.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create view %s: %w", view, err)
	}
	return nil
}

// DropView removes the environment-facing view for a model.
func DropView(ctx context.Context, b Backend, modelName, env string) error {
	view := ViewName(modelName, env)
	if err := b.Exec(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", view)); err != nil {
		return fmt.Errorf("failed to drop view %s: %w", view, err)
	}
	return nil
}

// DropTable removes a snapshot's physical table.
func DropTable(ctx context.Context, b Backend, tableName string) error {
	if err := b.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tableName)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", tableName, err)
	}
	return nil
}
