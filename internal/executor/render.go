package executor

import (
	"strings"

	"github.com/leapstack-labs/strata/pkg/core"
)

// Interval macro placeholders usable inside model queries.
const (
	macroStartTS = "@start_ts"
	macroEndTS   = "@end_ts"
	macroStartDS = "@start_ds"
	macroEndDS   = "@end_ds"
)

const (
	tsLayout = "2006-01-02 15:04:05"
	dsLayout = "2006-01-02"
)

// RenderQuery substitutes the interval macros in a model query with SQL
// literals for the given [start, end) range. Timestamps render in UTC.
// Longer macro names replace first so @start_ts is never clobbered by a
// partial @start match.
func RenderQuery(sql string, ivl core.Interval) string {
	r := strings.NewReplacer(
		macroStartTS, "'"+ivl.Start.UTC().Format(tsLayout)+"'",
		macroEndTS, "'"+ivl.End.UTC().Format(tsLayout)+"'",
		macroStartDS, "'"+ivl.Start.UTC().Format(dsLayout)+"'",
		macroEndDS, "'"+ivl.End.UTC().Format(dsLayout)+"'",
	)
	return r.Replace(sql)
}

// ViewName computes the environment-facing view identifier for a model.
// Production views carry the bare model name; other environments get a
// "__<env>" suffix so they coexist in one catalog.
func ViewName(modelName, env string) string {
	flat := strings.ReplaceAll(modelName, ".", "__")
	if env == core.ProductionEnvironment {
		return flat
	}
	return flat + "__" + env
}
