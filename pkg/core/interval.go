package core

import (
	"fmt"
	"sort"
	"time"
)

// Interval is a half-open [Start, End) time range, always UTC.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval builds a UTC interval and validates its ordering.
func NewInterval(start, end time.Time) (Interval, error) {
	start, end = start.UTC(), end.UTC()
	if !start.Before(end) {
		return Interval{}, fmt.Errorf("invalid interval: start %s not before end %s", start, end)
	}
	return Interval{Start: start, End: end}, nil
}

// IsZero reports whether the interval is unset.
func (i Interval) IsZero() bool {
	return i.Start.IsZero() && i.End.IsZero()
}

// Covers reports whether i fully contains other.
func (i Interval) Covers(other Interval) bool {
	return !i.Start.After(other.Start) && !i.End.Before(other.End)
}

// Overlaps reports whether the two half-open ranges intersect.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// Adjacent reports whether other starts exactly where i ends or vice versa.
func (i Interval) Adjacent(other Interval) bool {
	return i.End.Equal(other.Start) || other.End.Equal(i.Start)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

// MergeIntervals returns the minimal sorted, disjoint set covering the input.
// Overlapping and adjacent ranges coalesce.
func MergeIntervals(ivls []Interval) []Interval {
	if len(ivls) == 0 {
		return nil
	}
	sorted := make([]Interval, len(ivls))
	copy(sorted, ivls)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Start.Before(sorted[b].Start) })

	merged := []Interval{sorted[0]}
	for _, ivl := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !ivl.Start.After(last.End) {
			if ivl.End.After(last.End) {
				last.End = ivl.End
			}
			continue
		}
		merged = append(merged, ivl)
	}
	return merged
}

// SubtractIntervals removes every range in remove from the ranges in from,
// returning the sorted disjoint remainder.
func SubtractIntervals(from, remove []Interval) []Interval {
	result := MergeIntervals(from)
	for _, r := range MergeIntervals(remove) {
		var next []Interval
		for _, ivl := range result {
			if !ivl.Overlaps(r) {
				next = append(next, ivl)
				continue
			}
			if ivl.Start.Before(r.Start) {
				next = append(next, Interval{Start: ivl.Start, End: r.Start})
			}
			if ivl.End.After(r.End) {
				next = append(next, Interval{Start: r.End, End: ivl.End})
			}
		}
		result = next
	}
	return result
}

// CoversAll reports whether the (assumed merged) ledger fully contains ivl.
func CoversAll(ledger []Interval, ivl Interval) bool {
	for _, l := range ledger {
		if l.Covers(ivl) {
			return true
		}
	}
	return false
}
