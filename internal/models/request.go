package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// RetrievalRequest is the logical unit of work the pipeline executes: fetch
// a sufficient, de-duplicated set of events for a region set and time range.
type RetrievalRequest struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	RegionIDs   []int64   `json:"region_ids"`
	Range       TimeRange `json:"range"`
	RequesterID string    `json:"requester_id"`
}

// NormalizedKey returns the stable, order-independent representation of the
// request fields that participate in fingerprinting.
func (r RetrievalRequest) NormalizedKey() string {
	regions := make([]int64, len(r.RegionIDs))
	copy(regions, r.RegionIDs)
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })

	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(r.Name)))
	b.WriteString("|")
	b.WriteString(strings.ToLower(strings.TrimSpace(r.Description)))
	b.WriteString("|")
	for i, id := range regions {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteString("|")
	b.WriteString(r.Range.Start.UTC().Format(time.RFC3339))
	b.WriteString("|")
	b.WriteString(r.Range.End.UTC().Format(time.RFC3339))
	b.WriteString("|")
	b.WriteString(strings.TrimSpace(r.RequesterID))
	return b.String()
}

// Constraints bound how many events a run must, should and may deliver.
type Constraints struct {
	MinEvents       int     `json:"min_events"`
	TargetEvents    int     `json:"target_events"`
	MaxEvents       int     `json:"max_events"`
	Supplement      bool    `json:"supplement"`
	SupplementRatio float64 `json:"supplement_ratio"`
}

// DefaultConstraints mirrors the operational defaults.
func DefaultConstraints() Constraints {
	return Constraints{
		MinEvents:       5,
		TargetEvents:    20,
		MaxEvents:       100,
		Supplement:      true,
		SupplementRatio: 1.0,
	}
}

// ReasonSet aggregates why a run produced what it produced. Surfaced to the
// caller alongside the result so a short result is never a silent success.
type ReasonSet struct {
	CircuitOpenEvents int `json:"circuit_open_events"`
	ParseFailures     int `json:"parse_failures"`
	RetriesConsumed   int `json:"retries_consumed"`
	FailedSegments    int `json:"failed_segments"`
	Supplemented      int `json:"supplemented"`
}

// PipelineResult is the caller-visible outcome of one run.
type PipelineResult struct {
	TaskID     string           `json:"task_id"`
	Candidates []EventCandidate `json:"candidates"`
	Segments   int              `json:"segments"`
	MetMinimum bool             `json:"met_minimum"`
	Reasons    ReasonSet        `json:"reasons"`
	Duration   time.Duration    `json:"duration"`
	StoredIDs  []string         `json:"stored_ids,omitempty"`
}
