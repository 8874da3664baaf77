// Package cadence parses model cron schedules and quantizes time ranges into
// cadence-aligned interval buckets.
package cadence

import (
	"fmt"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/leapstack-labs/strata/pkg/core"
)

// Default is the cadence assumed when a model declares none.
const Default = "@daily"

// Standard five-field cron plus descriptors (@daily, @hourly, ...).
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse validates a cadence expression and returns its schedule.
// The empty expression parses as Default.
func Parse(expr string) (cron.Schedule, error) {
	if expr == "" {
		expr = Default
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cadence %q: %w", expr, err)
	}
	return sched, nil
}

// Buckets splits [start, end) into complete cadence-aligned intervals.
// A leading range before the first boundary and a trailing range after the
// last boundary are excluded: only fully elapsed buckets are computable.
func Buckets(expr string, start, end time.Time) ([]core.Interval, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	start, end = start.UTC(), end.UTC()
	if !start.Before(end) {
		return nil, nil
	}

	// Next is strictly-after, so probe one second back to include a start
	// that sits exactly on a boundary.
	first := sched.Next(start.Add(-time.Second))
	if first.Before(start) {
		first = sched.Next(first)
	}

	var buckets []core.Interval
	prev := first
	for {
		next := sched.Next(prev)
		if next.After(end) {
			break
		}
		buckets = append(buckets, core.Interval{Start: prev.UTC(), End: next.UTC()})
		prev = next
	}
	return buckets, nil
}

// LastBoundary returns the most recent cadence boundary at or before now.
// Used to clip a run's end so partially elapsed buckets are not computed.
func LastBoundary(expr string, now time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	now = now.UTC()

	// cron schedules only iterate forward; estimate the period and walk up
	// to the last boundary not after now.
	p1 := sched.Next(now)
	p2 := sched.Next(p1)
	period := p2.Sub(p1)
	if period <= 0 {
		period = 24 * time.Hour
	}

	probe := now.Add(-2 * period)
	for {
		b := sched.Next(probe)
		if b.After(now) {
			probe = probe.Add(-2 * period)
			continue
		}
		for {
			n := sched.Next(b)
			if n.After(now) {
				return b.UTC(), nil
			}
			b = n
		}
	}
}
