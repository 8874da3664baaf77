package parser

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/strata/internal/cadence"
	"github.com/leapstack-labs/strata/pkg/core"
)

// ParseFile reads one model definition file into a core.Model.
// The model name defaults to "<dir>.<filename>" relative to the models root.
func ParseFile(path, root string) (*core.Model, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	result, err := ExtractFrontmatter(string(content))
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.File = path
		}
		if ue, ok := err.(*UnknownFieldError); ok {
			ue.File = path
		}
		return nil, err
	}

	cfg := result.Config
	name := cfg.Name
	if name == "" {
		name = defaultName(path, root)
	}

	kind := core.ModelKind(cfg.Kind)
	if kind == "" {
		kind = core.KindFull
	}

	cad := cfg.Cadence
	if cad == "" {
		cad = cadence.Default
	}
	if _, err := cadence.Parse(cad); err != nil {
		return nil, &core.ConfigError{Source: path, Message: err.Error()}
	}

	start, err := parseStart(cfg.Start)
	if err != nil {
		return nil, &core.ConfigError{Source: path, Message: err.Error()}
	}

	if strings.TrimSpace(result.SQL) == "" {
		return nil, &core.ConfigError{Source: path, Message: "model has no query text"}
	}

	return &core.Model{
		Name:        name,
		SQL:         result.SQL,
		Cadence:     cad,
		Grain:       cfg.Grain,
		Upstreams:   cfg.DependsOn,
		Kind:        kind,
		TimeColumn:  cfg.TimeColumn,
		Owner:       cfg.Owner,
		Description: cfg.Description,
		Tags:        cfg.Tags,
		ForwardOnly: cfg.ForwardOnly,
		Start:       start,
		Signals:     cfg.Signals,
		FilePath:    path,
	}, nil
}

// LoadDir walks a models directory and parses every .sql file.
// Returns models keyed by name.
func LoadDir(dir string) (map[string]*core.Model, error) {
	models := make(map[string]*core.Model)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".sql") {
			return nil
		}

		model, err := ParseFile(path, dir)
		if err != nil {
			return err
		}
		if existing, ok := models[model.Name]; ok {
			return &core.ConfigError{
				Source:  path,
				Message: fmt.Sprintf("duplicate model name %q (also defined in %s)", model.Name, existing.FilePath),
			}
		}
		models[model.Name] = model
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Upstream references must resolve within the project.
	for _, m := range models {
		for _, up := range m.Upstreams {
			if _, ok := models[up]; !ok {
				return nil, &core.ConfigError{
					Source:  m.FilePath,
					Message: fmt.Sprintf("model %q depends on unknown model %q", m.Name, up),
				}
			}
		}
	}

	return models, nil
}

// defaultName derives "subdir.filename" from the file's location under root.
func defaultName(path, root string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, ".sql")
	return strings.ReplaceAll(rel, string(filepath.Separator), ".")
}
