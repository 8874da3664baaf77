package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
)

func init() {
	Register("postgres", func(logger *slog.Logger) Backend { return NewPostgres(logger) })
}

// Postgres implements the Backend interface for PostgreSQL.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgres creates a new PostgreSQL backend instance.
// If logger is nil, a discard logger is used.
func NewPostgres(logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Postgres{logger: logger}
}

// DialectName returns the SQL dialect for this backend.
func (p *Postgres) DialectName() string { return "postgres" }

// Connect establishes a connection to PostgreSQL.
func (p *Postgres) Connect(ctx context.Context, cfg Config) error {
	dsn := buildPostgresDSN(cfg)

	p.logger.Debug("connecting to postgres",
		slog.String("host", cfg.Host), slog.String("database", cfg.Database))

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	p.db = db
	return nil
}

// buildPostgresDSN constructs a PostgreSQL connection string.
func buildPostgresDSN(cfg Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	sslmode := "disable"
	if cfg.Options != nil {
		if mode, ok := cfg.Options["sslmode"]; ok {
			sslmode = mode
		}
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		host, port, cfg.Database, sslmode)
	if cfg.Username != "" {
		dsn += fmt.Sprintf(" user=%s", cfg.Username)
	}
	if cfg.Password != "" {
		dsn += fmt.Sprintf(" password=%s", cfg.Password)
	}
	return dsn
}

// Close closes the PostgreSQL connection.
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Exec executes a SQL statement that doesn't return rows.
func (p *Postgres) Exec(ctx context.Context, sqlStr string) error {
	if p.db == nil {
		return fmt.Errorf("backend connection not established")
	}
	if _, err := p.db.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	return nil
}

// TableExists reports whether the table is present in the public schema.
func (p *Postgres) TableExists(ctx context.Context, table string) (bool, error) {
	if p.db == nil {
		return false, fmt.Errorf("backend connection not established")
	}
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_name = $1`,
		table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query table existence: %w", err)
	}
	return count > 0, nil
}

// Ensure Postgres implements the Backend interface.
var _ Backend = (*Postgres)(nil)
