// Package plan builds and applies deployment plans: fingerprint comparison,
// change categorization, backfill computation and the two-phase apply that
// ends in an atomic environment promotion.
package plan

import (
	"fmt"

	"github.com/leapstack-labs/strata/pkg/core"
)

// Mode selects how the categorizer resolves changes it cannot prove safe.
type Mode string

// Categorizer modes.
const (
	// ModeSemi resolves only unambiguous cases; query edits defer to the
	// prompter (or fail under NoPrompts).
	ModeSemi Mode = "semi"
	// ModeFull never prompts; unresolved query edits categorize as breaking.
	ModeFull Mode = "full"
	// ModeOff always requires an explicit user category.
	ModeOff Mode = "off"
)

// ParseMode validates a categorizer mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSemi, ModeFull, ModeOff:
		return Mode(s), nil
	case "":
		return ModeSemi, nil
	}
	return "", fmt.Errorf("invalid categorizer mode %q, must be one of: semi, full, off", s)
}

// Diff is the structural comparison of a model against its currently bound
// snapshot, consumed by Classify.
type Diff struct {
	// SchemaChanged: grain, kind, time column or cadence differ. The physical
	// shape of the table may change.
	SchemaChanged bool
	// QueryChanged: the normalized query text differs.
	QueryChanged bool
	// ConfigChanged: a non-schema definition field covered by the fingerprint
	// differs (e.g. start).
	ConfigChanged bool
	// UpstreamOnly: the fingerprint moved solely because an upstream's did.
	UpstreamOnly bool
}

// DiffSnapshot compares a model (with its computed query fingerprint) against
// the snapshot currently bound in the target environment.
func DiffSnapshot(old *core.Snapshot, m *core.Model, queryFP core.Fingerprint) Diff {
	d := Diff{
		QueryChanged: old.QueryFingerprint != queryFP,
		SchemaChanged: !stringSlicesEqual(old.Grain, m.Grain) ||
			old.Kind != m.Kind ||
			old.TimeColumn != m.TimeColumn ||
			old.Cadence != m.Cadence,
		ConfigChanged: !old.Start.Equal(m.Start.UTC()),
	}
	d.UpstreamOnly = !d.QueryChanged && !d.SchemaChanged && !d.ConfigChanged
	return d
}

// Classify maps a structural diff to a change category under the given mode.
// An explicit override always wins. Ambiguous cases (non-schema query edits)
// return *core.AmbiguousCategorizationError under ModeSemi and ModeOff;
// ModeFull resolves them to breaking, never prompting.
func Classify(modelName string, diff Diff, mode Mode, override core.Category) (core.Category, error) {
	if override != "" {
		return override, nil
	}
	if mode == ModeOff {
		return "", &core.AmbiguousCategorizationError{ModelName: modelName}
	}

	switch {
	case diff.SchemaChanged:
		return core.CategoryBreaking, nil
	case diff.QueryChanged:
		if mode == ModeFull {
			return core.CategoryBreaking, nil
		}
		return "", &core.AmbiguousCategorizationError{ModelName: modelName}
	case diff.ConfigChanged:
		return core.CategoryMetadataOnly, nil
	default:
		// Upstream-only movement; the builder inherits the upstream category.
		return core.CategoryNonBreaking, nil
	}
}

// worseCategory orders categories by blast radius so an upstream-driven
// change inherits the most severe upstream category.
func worseCategory(a, b core.Category) core.Category {
	rank := func(c core.Category) int {
		switch c {
		case core.CategoryBreaking:
			return 3
		case core.CategoryNonBreaking, core.CategoryForwardOnly:
			return 2
		case core.CategoryMetadataOnly:
			return 1
		default:
			return 0
		}
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
