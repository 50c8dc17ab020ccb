package models

import (
	"fmt"
	"time"
)

// TimeRange is a half-inclusive request window [Start, End].
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the basic range invariant.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("time range requires both start and end")
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("time range start %s must be before end %s",
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// Days returns the number of calendar days the range covers, inclusive of
// both endpoints' days.
func (r TimeRange) Days() int {
	start := r.Start.Truncate(24 * time.Hour)
	end := r.End.Truncate(24 * time.Hour)
	return int(end.Sub(start).Hours()/24) + 1
}

// Segment is a contiguous sub-range of a TimeRange, processed by one
// upstream call. Segments are disjoint and jointly cover the parent range.
type Segment struct {
	ID             string    `json:"id"`
	Index          int       `json:"index"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	ExpectedEvents int       `json:"expected_events"`
}

// Range returns the segment bounds as a TimeRange.
func (s Segment) Range() TimeRange {
	return TimeRange{Start: s.Start, End: s.End}
}

// Contains reports whether t falls inside the segment bounds.
func (s Segment) Contains(t time.Time) bool {
	return !t.Before(s.Start) && !t.After(s.End)
}
