// Package commands implements the strata subcommands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leapstack-labs/strata/internal/config"
	"github.com/leapstack-labs/strata/internal/executor"
	"github.com/leapstack-labs/strata/internal/parser"
	"github.com/leapstack-labs/strata/internal/scheduler"
	"github.com/leapstack-labs/strata/internal/state"
	"github.com/leapstack-labs/strata/pkg/core"
)

// Runtime bundles the loaded configuration and logger for one invocation.
// Stored in the command context by the root command.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger
}

type runtimeKey struct{}

// NewContext stores the runtime in a context.
func NewContext(ctx context.Context, rt *Runtime) context.Context {
	return context.WithValue(ctx, runtimeKey{}, rt)
}

// FromContext retrieves the runtime from a command context. Returns a safe
// default when none was stored (tests constructing commands directly).
func FromContext(ctx context.Context) *Runtime {
	if rt, ok := ctx.Value(runtimeKey{}).(*Runtime); ok {
		return rt
	}
	return &Runtime{
		Config: &config.Config{
			ModelsDir:   config.DefaultModelsDir,
			StatePath:   config.DefaultStateFile,
			Environment: config.DefaultEnv,
			Backend:     &config.BackendConfig{Type: "duckdb"},
		},
		Logger: slog.New(slog.DiscardHandler),
	}
}

// ExitCodeError carries a specific process exit code up to Execute.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string { return e.Err.Error() }
func (e *ExitCodeError) Unwrap() error { return e.Err }

// openStore opens and migrates the state database, creating its directory
// if needed.
func openStore(rt *Runtime) (*state.SQLiteStore, error) {
	stateDir := filepath.Dir(rt.Config.StatePath)
	if stateDir != "." && stateDir != "" {
		if err := os.MkdirAll(stateDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	store := state.NewSQLiteStore(rt.Logger)
	if err := store.Open(rt.Config.StatePath); err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return store, nil
}

func backendConfig(cfg *config.Config) executor.Config {
	b := cfg.Backend
	return executor.Config{
		Type:     b.Type,
		Path:     b.Path,
		Host:     b.Host,
		Port:     b.Port,
		Database: b.Database,
		Username: b.User,
		Password: b.Password,
		Options:  b.Options,
	}
}

// connectBackend creates and connects the configured execution backend.
func connectBackend(ctx context.Context, rt *Runtime) (executor.Backend, error) {
	cfg := backendConfig(rt.Config)
	backend, err := executor.New(cfg, rt.Logger)
	if err != nil {
		return nil, err
	}
	if err := backend.Connect(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to connect to %s backend: %w", cfg.Type, err)
	}
	return backend, nil
}

// signalEvaluator builds the readiness evaluator from the configured signal
// states. Declared-but-unconfigured signals read as not ready: the interval
// stays missing instead of failing the run.
func signalEvaluator(cfg *config.Config) scheduler.SignalEvaluator {
	return scheduler.StaticSignals(cfg.Signals)
}

// loadModels parses all model definitions under the configured models
// directory.
func loadModels(rt *Runtime) (map[string]*core.Model, error) {
	if err := rt.Config.ValidateDirectories(); err != nil {
		return nil, err
	}
	return parser.LoadDir(rt.Config.ModelsDir)
}

// timeLayouts are the accepted formats for --start, --end and
// --execution-time values, tried in order. All parse as UTC.
var timeLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// parseTimeFlag parses a user-supplied timestamp. Empty means "unset".
func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --%s value %q: expected YYYY-MM-DD, YYYY-MM-DD HH:MM:SS, or RFC3339", name, value)
}

// envFromArgs picks the environment from the positional argument, falling
// back to the configured default.
func envFromArgs(args []string, cfg *config.Config) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if cfg.Environment != "" {
		return cfg.Environment
	}
	return core.ProductionEnvironment
}

// splitModels normalizes repeatable model flags, splitting any
// comma-separated values.
func splitModels(values []string) []string {
	var out []string
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
