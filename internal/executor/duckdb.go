package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

func init() {
	Register("duckdb", func(logger *slog.Logger) Backend { return NewDuckDB(logger) })
}

// DuckDB implements the Backend interface for DuckDB.
type DuckDB struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDuckDB creates a new DuckDB backend instance.
// If logger is nil, a discard logger is used.
func NewDuckDB(logger *slog.Logger) *DuckDB {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DuckDB{logger: logger}
}

// DialectName returns the SQL dialect for this backend.
func (d *DuckDB) DialectName() string { return "duckdb" }

// Connect establishes a connection to DuckDB.
// Use ":memory:" as the path for an in-memory database.
func (d *DuckDB) Connect(ctx context.Context, cfg Config) error {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	d.logger.Debug("connecting to duckdb", slog.String("path", path))

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}

	d.db = db
	return nil
}

// Close closes the DuckDB connection.
func (d *DuckDB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Exec executes a SQL statement that doesn't return rows.
func (d *DuckDB) Exec(ctx context.Context, sqlStr string) error {
	if d.db == nil {
		return fmt.Errorf("backend connection not established")
	}
	if _, err := d.db.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	return nil
}

// TableExists reports whether the table is present in the main schema.
func (d *DuckDB) TableExists(ctx context.Context, table string) (bool, error) {
	if d.db == nil {
		return false, fmt.Errorf("backend connection not established")
	}
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?`,
		table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query table existence: %w", err)
	}
	return count > 0, nil
}

// Ensure DuckDB implements the Backend interface.
var _ Backend = (*DuckDB)(nil)
