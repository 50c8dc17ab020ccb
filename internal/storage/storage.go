package storage

import (
	"context"

	"github.com/timeweave/timeweave/internal/models"
)

// EventStore persists validated candidates. The pipeline hands its final
// list here and is not otherwise responsible for storage or schema.
type EventStore interface {
	// StoreEventsBatch persists the candidates under the requesting run's
	// region set and returns their generated IDs.
	StoreEventsBatch(ctx context.Context, requestID string, regionIDs []int64, candidates []models.EventCandidate) ([]string, error)
}

// HistoricalRepository serves stored events back as fallback material.
type HistoricalRepository interface {
	// FindSimilarEvents returns stored events matching any of the keywords,
	// overlapping the region set, inside the time range.
	FindSimilarEvents(ctx context.Context, keywords []string, regionIDs []int64, r models.TimeRange, limit int) ([]models.EventCandidate, error)
}
