package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/leapstack-labs/strata/internal/cadence"
	"github.com/leapstack-labs/strata/pkg/core"
)

// RecordInterval adds a computed [start, end) range to a snapshot's ledger.
// The stored ledger stays sorted and disjoint: the new range is merged with
// the existing entries and the whole ledger rewritten in one transaction.
func (s *SQLiteStore) RecordInterval(snapshotID string, ivl core.Interval) error {
	return s.rewriteLedger(snapshotID, func(ledger []core.Interval) []core.Interval {
		return core.MergeIntervals(append(ledger, ivl))
	})
}

// RemoveInterval marks a range as no longer computed (restatement). Entries
// partially covered by the removed range are split.
func (s *SQLiteStore) RemoveInterval(snapshotID string, ivl core.Interval) error {
	return s.rewriteLedger(snapshotID, func(ledger []core.Interval) []core.Interval {
		return core.SubtractIntervals(ledger, []core.Interval{ivl})
	})
}

// Intervals returns the snapshot's ledger, sorted and disjoint.
func (s *SQLiteStore) Intervals(snapshotID string) ([]core.Interval, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	return s.readLedger(s.db, snapshotID)
}

// MissingIntervals quantizes [start, end) into cadence buckets and returns
// the buckets not fully covered by the snapshot's ledger.
func (s *SQLiteStore) MissingIntervals(snapshotID string, start, end time.Time, cadenceExpr string) ([]core.Interval, error) {
	buckets, err := cadence.Buckets(cadenceExpr, start, end)
	if err != nil {
		return nil, err
	}
	if len(buckets) == 0 {
		return nil, nil
	}

	ledger, err := s.Intervals(snapshotID)
	if err != nil {
		return nil, err
	}

	var missing []core.Interval
	for _, b := range buckets {
		if !core.CoversAll(ledger, b) {
			missing = append(missing, b)
		}
	}
	return missing, nil
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) readLedger(q querier, snapshotID string) ([]core.Interval, error) {
	rows, err := q.Query(
		`SELECT start_ts, end_ts FROM intervals WHERE snapshot_id = ? ORDER BY start_ts`,
		snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to read interval ledger: %w", err)
	}
	defer rows.Close()

	var ledger []core.Interval
	for rows.Next() {
		var startTS, endTS int64
		if err := rows.Scan(&startTS, &endTS); err != nil {
			return nil, fmt.Errorf("failed to scan interval: %w", err)
		}
		ledger = append(ledger, core.Interval{
			Start: time.Unix(startTS, 0).UTC(),
			End:   time.Unix(endTS, 0).UTC(),
		})
	}
	return ledger, rows.Err()
}

func (s *SQLiteStore) rewriteLedger(snapshotID string, apply func([]core.Interval) []core.Interval) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ledger, err := s.readLedger(tx, snapshotID)
	if err != nil {
		return err
	}
	ledger = apply(ledger)

	if _, err := tx.Exec(`DELETE FROM intervals WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to clear interval ledger: %w", err)
	}
	for _, ivl := range ledger {
		_, err := tx.Exec(
			`INSERT INTO intervals (snapshot_id, start_ts, end_ts) VALUES (?, ?, ?)`,
			snapshotID, ivl.Start.UTC().Unix(), ivl.End.UTC().Unix())
		if err != nil {
			return fmt.Errorf("failed to write interval: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit interval ledger: %w", err)
	}
	return nil
}
