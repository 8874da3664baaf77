package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// maxUpwardSearchLevels limits how far up the directory tree to search for
// config files.
const maxUpwardSearchLevels = 10

// Package-level koanf instance and config file tracking.
var (
	k              = koanf.New(".")
	configFileUsed string
)

// findConfigFile finds the config file to use.
// Priority: explicit path > strata.yaml > strata.yml
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{"strata.yaml", "strata.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// configExistsIn checks if a strata config file exists in the directory.
func configExistsIn(dir string) bool {
	for _, name := range []string{"strata.yaml", "strata.yml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// findProjectRootUpward searches upward from startDir for a strata config
// file. Returns empty string if not found within maxUpwardSearchLevels.
func findProjectRootUpward(startDir string) string {
	dir := startDir
	for i := 0; i < maxUpwardSearchLevels; i++ {
		if configExistsIn(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// inferProjectRoot determines the project root from CLI flags and the
// filesystem. Priority:
//  1. Parent of an explicit --models-dir (if it contains a config file or
//     the directory is named "models")
//  2. Search upward from CWD for strata.yaml
//  3. Current working directory
func inferProjectRoot(flags *pflag.FlagSet) string {
	if flags != nil && flags.Changed("models-dir") {
		if modelsDir, _ := flags.GetString("models-dir"); modelsDir != "" {
			if absModels, err := filepath.Abs(modelsDir); err == nil {
				parent := filepath.Dir(absModels)
				if configExistsIn(parent) || filepath.Base(absModels) == "models" {
					return parent
				}
			}
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		if root := findProjectRootUpward(cwd); root != "" {
			return root
		}
	}

	cwd, _ := os.Getwd()
	if cwd == "" {
		cwd = "."
	}
	return cwd
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not
// absolute. Returns the path unchanged if it's empty or already absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// ResetConfig resets the koanf instance. Used for testing.
func ResetConfig() {
	k = koanf.New(".")
	configFileUsed = ""
}

// Load loads configuration from file, environment variables, and flags.
// Precedence (highest to lowest): flags > env vars > config file > defaults.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k = koanf.New(".")

	projectRoot := inferProjectRoot(flags)

	// Paths given as flags are relative to CWD, not the inferred project
	// root; make them absolute now to prevent double resolution.
	var flagModelsDir, flagStatePath string
	if flags != nil {
		if flags.Changed("models-dir") {
			if v, _ := flags.GetString("models-dir"); v != "" {
				flagModelsDir, _ = filepath.Abs(v)
			}
		}
		if flags.Changed("state") {
			if v, _ := flags.GetString("state"); v != "" {
				flagStatePath, _ = filepath.Abs(v)
			}
		}
	}

	// An explicit config file anchors the project root at its directory.
	if cfgFile != "" {
		if absPath, err := filepath.Abs(cfgFile); err == nil {
			projectRoot = filepath.Dir(absPath)
		}
	}

	// 1. Load defaults.
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"models_dir":   DefaultModelsDir,
		"state_path":   DefaultStateFile,
		"environment":  DefaultEnv,
		"categorizer":  DefaultCategorizer,
		"concurrency":  DefaultConcurrency,
		"retries":      DefaultRetries,
		"default_ttl":  DefaultTTL.String(),
		"verbose":      false,
		"backend.type": "duckdb",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Find and load the config file, searching the project root when no
	// explicit path was given.
	if cfgFile == "" {
		for _, name := range []string{"strata.yaml", "strata.yml"} {
			candidate := filepath.Join(projectRoot, name)
			if _, err := os.Stat(candidate); err == nil {
				cfgFile = candidate
				break
			}
		}
	}
	configFileUsed = findConfigFile(cfgFile)
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFileUsed, err)
		}
	}

	// 3. Load environment variables (STRATA_ prefix).
	// Transform: STRATA_MODELS_DIR -> models_dir
	if err := k.Load(env.Provider("STRATA_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "STRATA_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Load flags (highest priority).
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			// The CLI uses --state for brevity; the config key is state_path.
			if key == "state" {
				return "state_path", posflag.FlagVal(flags, f)
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// 5. Unmarshal into Config struct.
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// 6. Set project root and resolve relative paths.
	cfg.ProjectRoot = projectRoot
	if flagModelsDir != "" {
		cfg.ModelsDir = flagModelsDir
	} else {
		cfg.ModelsDir = resolvePathRelativeTo(cfg.ModelsDir, projectRoot)
	}
	if flagStatePath != "" {
		cfg.StatePath = flagStatePath
	} else {
		cfg.StatePath = resolvePathRelativeTo(cfg.StatePath, projectRoot)
	}

	if cfg.Backend == nil {
		cfg.Backend = &BackendConfig{Type: "duckdb"}
	}
	expandBackendEnvVars(cfg.Backend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// GetConfigFileUsed returns the path to the config file being used, if any.
func GetConfigFileUsed() string {
	return configFileUsed
}

// expandEnvVars expands ${VAR} patterns in a string with environment
// variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})
}

// expandBackendEnvVars expands environment variables in sensitive backend
// fields so credentials never have to live in strata.yaml.
func expandBackendEnvVars(b *BackendConfig) {
	if b == nil {
		return
	}
	b.Password = expandEnvVars(b.Password)
	b.User = expandEnvVars(b.User)
	b.Host = expandEnvVars(b.Host)
	b.Database = expandEnvVars(b.Database)
}
