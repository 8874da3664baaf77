package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leapstack-labs/strata/pkg/core"
)

// PromoteEnvironment swaps an environment's snapshot set wholesale. The swap
// is guarded by an optimistic version check: if the stored version does not
// match expectedVersion the call returns *core.ConcurrentUpdateError and
// nothing changes. A missing environment is created when expectedVersion is 0.
func (s *SQLiteStore) PromoteEnvironment(env *core.Environment, expectedVersion int64) (*core.Environment, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	current, err := s.getEnvironmentTx(tx, env.Name)
	if err != nil {
		return nil, err
	}

	snapshotsJSON, err := json.Marshal(env.Snapshots)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot set: %w", err)
	}

	promoted := *env
	promoted.UpdatedAt = now

	if current == nil {
		if expectedVersion != 0 {
			return nil, &core.ConcurrentUpdateError{
				Environment: env.Name, Expected: expectedVersion, Actual: 0,
			}
		}
		promoted.Version = 1
		promoted.CreatedAt = now
		_, err = tx.Exec(
			`INSERT INTO environments (name, snapshots, version, expires_at, invalidated, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?, ?)`,
			promoted.Name, string(snapshotsJSON), promoted.Version,
			nullableUnix(promoted.ExpiresAt), now.Unix(), now.Unix(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create environment: %w", err)
		}
	} else {
		if current.Version != expectedVersion {
			return nil, &core.ConcurrentUpdateError{
				Environment: env.Name, Expected: expectedVersion, Actual: current.Version,
			}
		}
		promoted.Version = current.Version + 1
		promoted.CreatedAt = current.CreatedAt
		promoted.Invalidated = false
		_, err = tx.Exec(
			`UPDATE environments SET snapshots = ?, version = ?, expires_at = ?, invalidated = 0, updated_at = ?
			 WHERE name = ?`,
			string(snapshotsJSON), promoted.Version, nullableUnix(promoted.ExpiresAt),
			now.Unix(), promoted.Name,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update environment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit promotion: %w", err)
	}
	return &promoted, nil
}

// GetEnvironment retrieves an environment by name. Returns nil when the
// environment does not exist.
func (s *SQLiteStore) GetEnvironment(name string) (*core.Environment, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	return s.getEnvironmentTx(s.db, name)
}

// ListEnvironments retrieves all environments, production first.
func (s *SQLiteStore) ListEnvironments() ([]*core.Environment, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	rows, err := s.db.Query(
		`SELECT name, snapshots, version, expires_at, invalidated, created_at, updated_at
		 FROM environments ORDER BY name != ?, name`, core.ProductionEnvironment)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var envs []*core.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// InvalidateEnvironment marks an environment for removal on the janitor's
// next pass. Invalidating production is rejected.
func (s *SQLiteStore) InvalidateEnvironment(name string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if name == core.ProductionEnvironment {
		return fmt.Errorf("cannot invalidate the production environment")
	}
	result, err := s.db.Exec(
		`UPDATE environments SET invalidated = 1, updated_at = ? WHERE name = ?`,
		time.Now().UTC().Unix(), name)
	if err != nil {
		return fmt.Errorf("failed to invalidate environment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("environment not found: %s", name)
	}
	return nil
}

// DeleteEnvironment removes an environment record.
func (s *SQLiteStore) DeleteEnvironment(name string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	result, err := s.db.Exec(`DELETE FROM environments WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("environment not found: %s", name)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getEnvironmentTx(q rowQuerier, name string) (*core.Environment, error) {
	row := q.QueryRow(
		`SELECT name, snapshots, version, expires_at, invalidated, created_at, updated_at
		 FROM environments WHERE name = ?`, name)
	env, err := scanEnvironment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return env, err
}

func scanEnvironment(row rowScanner) (*core.Environment, error) {
	var env core.Environment
	var snapshotsJSON string
	var expiresAt sql.NullInt64
	var invalidated int
	var createdTS, updatedTS int64

	err := row.Scan(&env.Name, &snapshotsJSON, &env.Version, &expiresAt,
		&invalidated, &createdTS, &updatedTS)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan environment: %w", err)
	}

	if err := json.Unmarshal([]byte(snapshotsJSON), &env.Snapshots); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot set: %w", err)
	}
	env.Invalidated = invalidated != 0
	env.CreatedAt = time.Unix(createdTS, 0).UTC()
	env.UpdatedAt = time.Unix(updatedTS, 0).UTC()
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		env.ExpiresAt = &t
	}
	return &env, nil
}
