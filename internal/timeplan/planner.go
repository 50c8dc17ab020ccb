package timeplan

import (
	"fmt"
	"strings"
	"time"

	"github.com/timeweave/timeweave/internal/models"
)

// SegmentationError reports an invariant violation in segment planning.
// It is a programming error, not a recoverable condition: the orchestrator
// aborts the pipeline when it sees one.
type SegmentationError struct {
	Reason string
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segmentation invariant violated: %s", e.Reason)
}

// Planner splits a time range into ordered, non-overlapping segments under a
// maximum span.
type Planner struct {
	defaultMaxSpanDays int
}

// NewPlanner creates a planner with the given default maximum span.
func NewPlanner(defaultMaxSpanDays int) *Planner {
	if defaultMaxSpanDays <= 0 {
		defaultMaxSpanDays = 30
	}
	return &Planner{defaultMaxSpanDays: defaultMaxSpanDays}
}

// NeedsSegmentation reports whether the range exceeds the maximum span.
func (p *Planner) NeedsSegmentation(r models.TimeRange, maxSpanDays int) bool {
	if maxSpanDays <= 0 {
		maxSpanDays = p.defaultMaxSpanDays
	}
	return r.Days() > maxSpanDays
}

// Plan divides the range into contiguous segments of at most maxSpanDays
// each. The last segment may be shorter. The returned segments always pass
// Validate against the input range.
func (p *Planner) Plan(r models.TimeRange, maxSpanDays int) ([]models.Segment, error) {
	if err := r.Validate(); err != nil {
		return nil, &SegmentationError{Reason: err.Error()}
	}
	if maxSpanDays <= 0 {
		maxSpanDays = p.defaultMaxSpanDays
	}

	span := time.Duration(maxSpanDays) * 24 * time.Hour
	segments := make([]models.Segment, 0, r.Days()/maxSpanDays+1)

	cur := r.Start
	for index := 0; cur.Before(r.End); index++ {
		end := cur.Add(span)
		if end.After(r.End) {
			end = r.End
		}
		seg := models.Segment{
			Index: index,
			Start: cur,
			End:   end,
		}
		seg.ID = segmentID(seg)
		segments = append(segments, seg)
		cur = end
	}

	if err := Validate(r, segments); err != nil {
		return nil, err
	}
	return segments, nil
}

// PlanIntelligent additionally bounds each segment's expected yield: the
// segment span is min(maxSpanDays, maxEventsPerSegment/expectedEventsPerDay),
// clamped to at least one day.
func (p *Planner) PlanIntelligent(r models.TimeRange, maxSpanDays, expectedEventsPerDay, maxEventsPerSegment int) ([]models.Segment, error) {
	if maxSpanDays <= 0 {
		maxSpanDays = p.defaultMaxSpanDays
	}
	if expectedEventsPerDay <= 0 {
		expectedEventsPerDay = 1
	}

	span := maxSpanDays
	if maxEventsPerSegment > 0 {
		byYield := maxEventsPerSegment / expectedEventsPerDay
		if byYield < 1 {
			byYield = 1
		}
		if byYield < span {
			span = byYield
		}
	}

	segments, err := p.Plan(r, span)
	if err != nil {
		return nil, err
	}

	for i := range segments {
		segments[i].ExpectedEvents = segments[i].Range().Days() * expectedEventsPerDay
	}
	return segments, nil
}

// Validate checks that segments are contiguous, non-overlapping and jointly
// cover the range exactly.
func Validate(r models.TimeRange, segments []models.Segment) error {
	if len(segments) == 0 {
		return &SegmentationError{Reason: "no segments planned"}
	}
	if !segments[0].Start.Equal(r.Start) {
		return &SegmentationError{Reason: "first segment does not start at range start"}
	}
	if !segments[len(segments)-1].End.Equal(r.End) {
		return &SegmentationError{Reason: "last segment does not end at range end"}
	}
	for i, seg := range segments {
		if seg.Index != i {
			return &SegmentationError{Reason: fmt.Sprintf("segment %d carries index %d", i, seg.Index)}
		}
		if !seg.Start.Before(seg.End) {
			return &SegmentationError{Reason: fmt.Sprintf("segment %d is empty or inverted", i)}
		}
		if i > 0 && !segments[i-1].End.Equal(seg.Start) {
			return &SegmentationError{Reason: fmt.Sprintf("gap or overlap between segments %d and %d", i-1, i)}
		}
	}
	return nil
}

// Stats returns a short human-readable summary for logging.
func Stats(segments []models.Segment) string {
	if len(segments) == 0 {
		return "0 segments"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d segments, %s to %s",
		len(segments),
		segments[0].Start.Format("2006-01-02"),
		segments[len(segments)-1].End.Format("2006-01-02"))

	expected := 0
	for _, s := range segments {
		expected += s.ExpectedEvents
	}
	if expected > 0 {
		fmt.Fprintf(&b, ", ~%d expected events", expected)
	}
	return b.String()
}

func segmentID(s models.Segment) string {
	return fmt.Sprintf("seg-%d-%s-%s",
		s.Index,
		s.Start.Format("20060102"),
		s.End.Format("20060102"))
}
