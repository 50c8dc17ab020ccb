package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/timeweave/timeweave/internal/models"
)

type storedEvent struct {
	candidate models.EventCandidate
	regions   []int64
}

// MemoryStore implements EventStore and HistoricalRepository in memory for
// testing and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]storedEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]storedEvent)}
}

// StoreEventsBatch saves candidates under the run's region set and returns
// generated IDs.
func (s *MemoryStore) StoreEventsBatch(ctx context.Context, requestID string, regionIDs []int64, candidates []models.EventCandidate) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	regions := make([]int64, len(regionIDs))
	copy(regions, regionIDs)

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		id := uuid.NewString()
		s.events[id] = storedEvent{candidate: c, regions: regions}
		ids = append(ids, id)
	}
	return ids, nil
}

// FindSimilarEvents scans stored events for keyword, region and range
// matches. A non-empty region filter only matches events whose stored region
// set overlaps it.
func (s *MemoryStore) FindSimilarEvents(ctx context.Context, keywords []string, regionIDs []int64, r models.TimeRange, limit int) ([]models.EventCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	var out []models.EventCandidate
	for _, e := range s.events {
		if len(out) >= limit {
			break
		}
		c := e.candidate
		if c.EventTime == nil || c.EventTime.Before(r.Start) || c.EventTime.After(r.End) {
			continue
		}
		if len(regionIDs) > 0 && !regionsOverlap(e.regions, regionIDs) {
			continue
		}
		if len(keywords) > 0 && !matchesAny(c, keywords) {
			continue
		}
		c.Origin = models.OriginHistorical
		out = append(out, c)
	}
	return out, nil
}

// Count returns the number of stored events.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matchesAny(c models.EventCandidate, keywords []string) bool {
	haystack := strings.ToLower(c.Title + " " + c.Description)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func regionsOverlap(a, b []int64) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
