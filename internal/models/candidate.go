package models

import (
	"strings"
	"time"
)

// DefaultCredibility is assigned when the upstream provides no signal.
const DefaultCredibility = 0.8

// CandidateOrigin records where a candidate came from.
type CandidateOrigin string

const (
	OriginUpstream   CandidateOrigin = "upstream"   // parsed from a provider response
	OriginCache      CandidateOrigin = "cache"      // replayed from a prior completed run
	OriginHistorical CandidateOrigin = "historical" // looked up from stored events
	OriginSynthetic  CandidateOrigin = "synthetic"  // generated placeholder
)

// EventCandidate is an unpersisted, parsed event record prior to
// storage-layer identity assignment.
type EventCandidate struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	EventTime   *time.Time      `json:"event_time,omitempty"`
	Location    string          `json:"location,omitempty"`
	Latitude    *float64        `json:"latitude,omitempty"`
	Longitude   *float64        `json:"longitude,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	Object      string          `json:"object,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Credibility float64         `json:"credibility"`
	Sources     []string        `json:"sources,omitempty"`
	Origin      CandidateOrigin `json:"origin"`
}

// Usable reports whether the candidate carries enough content to keep.
// A record missing both title and description is discarded.
func (c EventCandidate) Usable() bool {
	return strings.TrimSpace(c.Title) != "" || strings.TrimSpace(c.Description) != ""
}

// CallOutcome describes a single upstream attempt. It is transient state
// used for logging, metrics and retry decisions; it is never persisted.
type CallOutcome struct {
	Success   bool   `json:"success"`
	RawBody   string `json:"raw_body,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Attempt   int    `json:"attempt"`
	Provider  string `json:"provider"`
}
