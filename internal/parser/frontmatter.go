// Package parser reads model definition files: YAML frontmatter inside a
// leading /*--- ... ---*/ comment block, followed by the query text.
package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the declared configuration of one model.
// Unknown fields cause parse errors (use meta for extensions).
type Frontmatter struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Kind        string         `yaml:"kind"` // full, incremental
	Cadence     string         `yaml:"cadence"`
	Grain       []string       `yaml:"grain"`
	DependsOn   []string       `yaml:"depends_on"`
	TimeColumn  string         `yaml:"time_column"`
	Owner       string         `yaml:"owner"`
	Tags        []string       `yaml:"tags"`
	ForwardOnly bool           `yaml:"forward_only"`
	Start       string         `yaml:"start"` // YYYY-MM-DD or RFC3339
	Signals     []string       `yaml:"signals"`
	Meta        map[string]any `yaml:"meta"`
}

// Result holds the outcome of frontmatter extraction.
type Result struct {
	Config  *Frontmatter
	SQL     string // query text after the frontmatter block
	HasYAML bool
}

// frontmatterPattern matches /*--- ... ---*/ blocks at the top of the file.
var frontmatterPattern = regexp.MustCompile(`(?s)^\s*/\*---\s*\n(.*?)\s*---\*/`)

var knownFields = map[string]bool{
	"name": true, "description": true, "kind": true, "cadence": true,
	"grain": true, "depends_on": true, "time_column": true, "owner": true,
	"tags": true, "forward_only": true, "start": true, "signals": true,
	"meta": true,
}

// ExtractFrontmatter extracts YAML frontmatter from model file content.
func ExtractFrontmatter(content string) (*Result, error) {
	result := &Result{
		Config: &Frontmatter{},
		SQL:    strings.TrimSpace(content),
	}

	matches := frontmatterPattern.FindStringSubmatch(content)
	if matches == nil || len(matches) < 2 {
		return result, nil
	}

	result.HasYAML = true
	result.SQL = strings.TrimSpace(frontmatterPattern.ReplaceAllString(content, ""))

	config, err := parseYAML(matches[1])
	if err != nil {
		return nil, err
	}
	result.Config = config
	return result, nil
}

// parseYAML decodes frontmatter with strict field validation.
func parseYAML(yamlContent string) (*Frontmatter, error) {
	var rawMap map[string]any
	if err := yaml.Unmarshal([]byte(yamlContent), &rawMap); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid YAML: %v", err)}
	}

	for field := range rawMap {
		if !knownFields[field] {
			return nil, &UnknownFieldError{Field: field}
		}
	}

	var config Frontmatter
	if err := yaml.Unmarshal([]byte(yamlContent), &config); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("failed to parse frontmatter: %v", err)}
	}

	if config.Kind != "" && config.Kind != "full" && config.Kind != "incremental" {
		return nil, &ParseError{
			Message: fmt.Sprintf("invalid kind: %q, must be one of: full, incremental", config.Kind),
		}
	}
	if config.Kind == "incremental" && config.TimeColumn == "" {
		return nil, &ParseError{Message: "incremental models require time_column"}
	}
	return &config, nil
}

// parseStart accepts a date or a full RFC3339 timestamp.
func parseStart(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, &ParseError{Message: fmt.Sprintf("invalid start %q: use YYYY-MM-DD or RFC3339", value)}
	}
	return t.UTC(), nil
}

// ParseError represents a frontmatter parsing error.
type ParseError struct {
	File    string
	Message string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

// UnknownFieldError is returned for unrecognized frontmatter fields.
type UnknownFieldError struct {
	File  string
	Field string
}

func (e *UnknownFieldError) Error() string {
	msg := fmt.Sprintf("unknown field %q in frontmatter, use \"meta\" for custom fields", e.Field)
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, msg)
	}
	return msg
}
