package gate

import (
	"fmt"
	"time"

	"github.com/timeweave/timeweave/internal/models"
)

// syntheticCredibility marks placeholder records as low-trust.
const syntheticCredibility = 0.3

// Synthetic generates static placeholder candidates when every other source
// has been exhausted. Placeholders are clearly labeled and carry a low
// credibility score so downstream consumers can filter them.
type Synthetic struct{}

// NewSynthetic creates the placeholder generator.
func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

// GenerateForSegment produces up to count placeholders spread evenly across
// the segment's days.
func (s *Synthetic) GenerateForSegment(seg models.Segment, req models.RetrievalRequest, count int) []models.EventCandidate {
	if count <= 0 {
		return nil
	}

	span := seg.End.Sub(seg.Start)
	step := span / time.Duration(count)

	out := make([]models.EventCandidate, 0, count)
	for i := 0; i < count; i++ {
		ts := seg.Start.Add(step * time.Duration(i))
		out = append(out, s.placeholder(req, ts))
	}
	return out
}

// GenerateForRange produces up to count placeholders across a whole range,
// used by the sufficiency gate's supplemental path.
func (s *Synthetic) GenerateForRange(r models.TimeRange, req models.RetrievalRequest, count int) []models.EventCandidate {
	if count <= 0 {
		return nil
	}

	span := r.End.Sub(r.Start)
	step := span / time.Duration(count)

	out := make([]models.EventCandidate, 0, count)
	for i := 0; i < count; i++ {
		ts := r.Start.Add(step * time.Duration(i))
		out = append(out, s.placeholder(req, ts))
	}
	return out
}

func (s *Synthetic) placeholder(req models.RetrievalRequest, ts time.Time) models.EventCandidate {
	t := ts
	return models.EventCandidate{
		Title:       fmt.Sprintf("%s: placeholder record for %s", req.Name, ts.Format("2006-01-02")),
		Description: fmt.Sprintf("No verifiable event could be retrieved for this period of %q; placeholder generated for continuity.", req.Name),
		EventTime:   &t,
		Credibility: syntheticCredibility,
		Origin:      models.OriginSynthetic,
	}
}
