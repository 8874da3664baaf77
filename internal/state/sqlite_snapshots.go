package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/leapstack-labs/strata/pkg/core"
)

const snapshotColumns = `id, name, fingerprint, query_fingerprint, version, category, table_name,
	kind, cadence, grain, upstreams, time_column, forward_only, start_ts, signals, sql_text,
	effective_from, created_at`

// GetOrCreateSnapshot returns the existing snapshot for (Name, Fingerprint) or
// allocates a new one with the next version number for the model name. The
// allocation is transactional: under concurrent writers the UNIQUE constraint
// lets exactly one insert win, and losers re-read the winner's row.
func (s *SQLiteStore) GetOrCreateSnapshot(snap *core.Snapshot) (*core.Snapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	if existing, err := s.getByNameFingerprint(snap.Name, snap.Fingerprint); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.QueryRow(`SELECT MAX(version) FROM snapshots WHERE name = ?`, snap.Name).Scan(&maxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read version counter: %w", err)
	}

	created := *snap
	created.ID = generateID()
	created.Version = maxVersion.Int64 + 1
	created.TableName = core.PhysicalTableName(created.Name, created.Version)
	created.CreatedAt = time.Now().UTC()

	_, err = tx.Exec(
		`INSERT INTO snapshots (`+snapshotColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.Name, string(created.Fingerprint), string(created.QueryFingerprint),
		created.Version, string(created.Category), created.TableName,
		string(created.Kind), created.Cadence, toJSON(created.Grain), toJSON(created.Upstreams),
		created.TimeColumn, boolToInt(created.ForwardOnly), created.Start.UTC().Unix(),
		toJSON(created.Signals), created.SQL,
		nullableUnix(created.EffectiveFrom), created.CreatedAt.Unix(),
	)
	if err != nil {
		// Another writer allocated this (name, fingerprint) first. Release
		// the transaction before re-reading the winner: it holds the pool's
		// only connection, and the re-read needs one.
		if strings.Contains(err.Error(), "UNIQUE") {
			if rbErr := tx.Rollback(); rbErr != nil {
				return nil, fmt.Errorf("failed to release losing allocation: %w", rbErr)
			}
			return s.getByNameFingerprint(snap.Name, snap.Fingerprint)
		}
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return &created, nil
}

// GetSnapshot retrieves a snapshot by ID.
func (s *SQLiteStore) GetSnapshot(id string) (*core.Snapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	row := s.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot not found: %s", id)
	}
	return snap, err
}

// GetSnapshotsByName retrieves all versions of a model, newest first.
func (s *SQLiteStore) GetSnapshotsByName(name string) ([]*core.Snapshot, error) {
	return s.querySnapshots(
		`SELECT `+snapshotColumns+` FROM snapshots WHERE name = ? ORDER BY version DESC`, name)
}

// ListSnapshots retrieves every snapshot in the store.
func (s *SQLiteStore) ListSnapshots() ([]*core.Snapshot, error) {
	return s.querySnapshots(
		`SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY name, version`)
}

// DeleteSnapshot removes a snapshot and its interval ledger.
func (s *SQLiteStore) DeleteSnapshot(id string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	result, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("snapshot not found: %s", id)
	}
	return nil
}

// ReferenceCount counts live (non-expired, non-invalidated) environments
// referencing the snapshot.
func (s *SQLiteStore) ReferenceCount(snapshotID string) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not opened")
	}
	envs, err := s.ListEnvironments()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	count := 0
	for _, env := range envs {
		if env.Expired(now) {
			continue
		}
		for _, id := range env.Snapshots {
			if id == snapshotID {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *SQLiteStore) getByNameFingerprint(name string, fp core.Fingerprint) (*core.Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT `+snapshotColumns+` FROM snapshots WHERE name = ? AND fingerprint = ?`,
		name, string(fp))
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

func (s *SQLiteStore) querySnapshots(query string, args ...any) ([]*core.Snapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*core.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*core.Snapshot, error) {
	var snap core.Snapshot
	var fp, qfp, category, kind string
	var grain, upstreams, signals string
	var forwardOnly int
	var startTS, createdTS int64
	var effectiveFrom sql.NullInt64
	err := row.Scan(
		&snap.ID, &snap.Name, &fp, &qfp, &snap.Version, &category, &snap.TableName,
		&kind, &snap.Cadence, &grain, &upstreams, &snap.TimeColumn, &forwardOnly,
		&startTS, &signals, &snap.SQL, &effectiveFrom, &createdTS,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	snap.Fingerprint = core.Fingerprint(fp)
	snap.QueryFingerprint = core.Fingerprint(qfp)
	snap.Category = core.Category(category)
	snap.Kind = core.ModelKind(kind)
	snap.ForwardOnly = forwardOnly != 0
	snap.Start = time.Unix(startTS, 0).UTC()
	snap.CreatedAt = time.Unix(createdTS, 0).UTC()
	if effectiveFrom.Valid {
		t := time.Unix(effectiveFrom.Int64, 0).UTC()
		snap.EffectiveFrom = &t
	}
	if err := fromJSON(grain, &snap.Grain); err != nil {
		return nil, err
	}
	if err := fromJSON(upstreams, &snap.Upstreams); err != nil {
		return nil, err
	}
	if err := fromJSON(signals, &snap.Signals); err != nil {
		return nil, err
	}
	return &snap, nil
}

func toJSON(v []string) string {
	if v == nil {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func fromJSON(s string, dst *[]string) error {
	if s == "" || s == "[]" {
		*dst = nil
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("failed to decode stored list: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
