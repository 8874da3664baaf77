package core

import (
	"fmt"
	"strings"
)

// ConcurrentUpdateError is returned when an environment's snapshot set moved
// between the time a plan or run observed it and the time it tried to commit.
// Already-committed intervals are retained; the operation aborts instead of
// committing against a stale environment.
type ConcurrentUpdateError struct {
	Environment string
	Expected    int64
	Actual      int64
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("environment %q was updated concurrently (version %d, expected %d)",
		e.Environment, e.Actual, e.Expected)
}

// AmbiguousCategorizationError is returned when a change cannot be classified
// automatically and prompting is disabled. Never silently defaulted.
type AmbiguousCategorizationError struct {
	ModelName string
}

func (e *AmbiguousCategorizationError) Error() string {
	return fmt.Sprintf("cannot categorize change to model %q automatically; "+
		"provide an explicit category or run without --no-prompts", e.ModelName)
}

// NoGapsError fails plan construction when a required snapshot would retain a
// gap in its interval ledger. No partial plan is applied.
type NoGapsError struct {
	ModelName string
	Gaps      []Interval
}

func (e *NoGapsError) Error() string {
	gaps := make([]string, len(e.Gaps))
	for i, g := range e.Gaps {
		gaps[i] = g.String()
	}
	return fmt.Sprintf("model %q would retain gaps %s; widen the plan range or drop --no-gaps",
		e.ModelName, strings.Join(gaps, ", "))
}

// ExecutionError wraps a backend failure computing one interval of one
// snapshot, after the retry policy was exhausted.
type ExecutionError struct {
	ModelName string
	Interval  Interval
	Attempts  int
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("model %q interval %s failed after %d attempt(s): %v",
		e.ModelName, e.Interval, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ConfigError reports a malformed model or project definition. Raised before
// any state mutation; fully recoverable by fixing the input.
type ConfigError struct {
	Source  string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s: %s", e.Source, e.Message)
	}
	return e.Message
}
