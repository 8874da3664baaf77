// Package executor evaluates snapshots against a SQL backend: rendering
// interval macros, materializing physical tables and maintaining the
// per-environment views that point at them.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Config holds the configuration for connecting to a backend.
type Config struct {
	// Type specifies the backend type (e.g. "duckdb", "postgres").
	Type string
	// Path is the file path for file-based backends. Use ":memory:" for an
	// in-memory database.
	Path string
	// Host is the hostname for network-based backends.
	Host string
	// Port is the port number for network-based backends.
	Port int
	// Database is the database name.
	Database string
	// Username for authentication.
	Username string
	// Password for authentication.
	Password string
	// Options contains additional driver-specific options.
	Options map[string]string
}

// Backend is a SQL engine the executor materializes tables in. Statement
// construction is dialect-neutral; only connection handling and existence
// probes differ per backend.
type Backend interface {
	// Connect establishes a connection using the provided config.
	Connect(ctx context.Context, cfg Config) error

	// Close closes the connection and releases resources.
	Close() error

	// Exec executes a SQL statement that doesn't return rows.
	Exec(ctx context.Context, sql string) error

	// TableExists reports whether the physical table is present.
	TableExists(ctx context.Context, table string) (bool, error)

	// DialectName returns the SQL dialect name (e.g. "duckdb", "postgres").
	DialectName() string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func(*slog.Logger) Backend)
)

// Register adds a backend factory to the registry.
// Called by backend implementations in their init() functions.
func Register(name string, factory func(*slog.Logger) Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New creates a backend instance based on config type.
// The logger is passed to the backend constructor (nil uses a discard logger).
func New(cfg Config, logger *slog.Logger) (Backend, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("backend type not specified")
	}

	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnknownBackendError{Type: cfg.Type, Available: ListBackends()}
	}
	return factory(logger), nil
}

// ListBackends returns all registered backend names (sorted).
func ListBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnknownBackendError is returned when an unknown backend type is requested.
type UnknownBackendError struct {
	Type      string
	Available []string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend type %q\nAvailable backends: %v\nHint: Check your backend.type in strata.yaml", e.Type, e.Available)
}
