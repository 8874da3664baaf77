// Package config loads project configuration for the strata CLI.
//
// Configuration is layered, highest priority last:
// defaults < strata.yaml < STRATA_-prefixed environment variables < CLI flags.
package config

import (
	"fmt"
	"os"
	"time"
)

// Default configuration values.
const (
	DefaultModelsDir   = "models"
	DefaultStateFile   = ".strata/state.db"
	DefaultEnv         = "prod"
	DefaultCategorizer = "semi"
	DefaultConcurrency = 4
	DefaultRetries     = 3
	// DefaultTTL is how long a non-production environment lives after its
	// last promotion before the janitor reclaims it.
	DefaultTTL = 7 * 24 * time.Hour
)

// BackendConfig describes the execution backend connection.
type BackendConfig struct {
	Type     string            `koanf:"type"`
	Path     string            `koanf:"path"`
	Host     string            `koanf:"host"`
	Port     int               `koanf:"port"`
	Database string            `koanf:"database"`
	User     string            `koanf:"user"`
	Password string            `koanf:"password"`
	Options  map[string]string `koanf:"options"`
}

// Config holds all project configuration options.
type Config struct {
	ModelsDir   string         `koanf:"models_dir"`
	StatePath   string         `koanf:"state_path"`
	Environment string         `koanf:"environment"`
	Verbose     bool           `koanf:"verbose"`
	Categorizer string         `koanf:"categorizer"`
	Concurrency int            `koanf:"concurrency"`
	Retries     int            `koanf:"retries"`
	DefaultTTL  time.Duration  `koanf:"default_ttl"`
	Backend     *BackendConfig `koanf:"backend"`
	// Signals maps readiness signal names to their current state. A signal a
	// model declares but the map omits reads as not ready, so its intervals
	// stay missing until the signal is flipped (or --no-signals bypasses it).
	Signals map[string]bool `koanf:"signals"`

	// ProjectRoot is the directory all relative paths resolve against.
	// Derived at load time, never read from the config file.
	ProjectRoot string `koanf:"-"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ModelsDir == "" {
		return fmt.Errorf("models_dir is required")
	}
	switch c.Categorizer {
	case "", "semi", "full", "off":
	default:
		return fmt.Errorf("invalid categorizer %q: must be semi, full, or off", c.Categorizer)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("default_ttl must not be negative")
	}
	if c.Backend == nil || c.Backend.Type == "" {
		return fmt.Errorf("backend.type is required")
	}
	return nil
}

// ValidateDirectories checks if required directories exist. Separated from
// Validate so help and version commands work without a project.
func (c *Config) ValidateDirectories() error {
	if _, err := os.Stat(c.ModelsDir); os.IsNotExist(err) {
		return fmt.Errorf("models directory does not exist: %s\nHint: Create the directory or use --models-dir to specify a different path", c.ModelsDir)
	}
	return nil
}
