package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/timeweave/timeweave/internal/models"
)

// Status is the lifecycle state of a fingerprint entry.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Entry tracks one logical request's lifecycle. At most one live
// IN_PROGRESS entry exists per fingerprint, enforced by the cache's atomic
// insert-if-absent.
type Entry struct {
	Fingerprint    string
	OwnerRequestID string
	Status         Status
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Result         *models.PipelineResult
}

// Ticket is what BeginOrJoin hands back to a caller.
type Ticket struct {
	IsOwner bool
	Status  Status
	Result  *models.PipelineResult
}

// Compute derives the stable fingerprint for a request.
func Compute(req models.RetrievalRequest) string {
	sum := sha256.Sum256([]byte(req.NormalizedKey()))
	return hex.EncodeToString(sum[:])
}

type segmentEntry struct {
	raw       string
	expiresAt time.Time
}

// Cache is the TTL-bounded idempotency cache guarding the pipeline entry
// point. It also retains raw per-segment responses from completed calls so
// the resilient caller can replay them as a fallback.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	segments map[string]segmentEntry

	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewCache creates a fingerprint cache with the given TTL.
func NewCache(ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		entries:  make(map[string]*Entry),
		segments: make(map[string]segmentEntry),
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// BeginOrJoin performs an atomic insert-if-absent for the fingerprint. The
// first caller becomes the owner and must later call Complete or Fail. A
// joiner is handed the existing result (DONE) or told the run is still in
// flight (IN_PROGRESS). Expired and FAILED entries are replaced.
func (c *Cache) BeginOrJoin(fp, ownerRequestID string) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	existing, ok := c.entries[fp]
	if ok && now.Before(existing.ExpiresAt) && existing.Status != StatusFailed {
		return Ticket{
			IsOwner: false,
			Status:  existing.Status,
			Result:  existing.Result,
		}
	}

	c.entries[fp] = &Entry{
		Fingerprint:    fp,
		OwnerRequestID: ownerRequestID,
		Status:         StatusInProgress,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.ttl),
	}
	return Ticket{IsOwner: true, Status: StatusInProgress}
}

// Complete marks the fingerprint's run as done and caches its result for
// the remainder of the TTL.
func (c *Cache) Complete(fp string, result *models.PipelineResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp]
	if !ok {
		return
	}
	entry.Status = StatusDone
	entry.Result = result
}

// Fail marks the fingerprint's run as failed. A later BeginOrJoin may retry.
func (c *Cache) Fail(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp]
	if !ok {
		return
	}
	entry.Status = StatusFailed
}

// StoreSegmentRaw retains the raw upstream body for a segment of a
// completed call.
func (c *Cache) StoreSegmentRaw(segmentID, raw string) {
	if raw == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments[segmentID] = segmentEntry{raw: raw, expiresAt: c.now().Add(c.ttl)}
}

// LookupSegmentRaw returns a prior run's raw body for a segment, if any.
func (c *Cache) LookupSegmentRaw(segmentID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.segments[segmentID]
	if !ok || c.now().After(entry.expiresAt) {
		return "", false
	}
	return entry.raw, true
}

// SweepExpired removes entries past their expiry. It is the only mutation
// path besides BeginOrJoin/Complete/Fail.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for fp, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, fp)
			removed++
		}
	}
	for id, entry := range c.segments {
		if now.After(entry.expiresAt) {
			delete(c.segments, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs SweepExpired on a ticker until the context is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.SweepExpired(); removed > 0 {
					c.logger.Debug("fingerprint sweep", "removed", removed)
				}
			}
		}
	}()
}

// Size returns the number of live request entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
