package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/timeweave/timeweave/internal/models"
)

// PostgresStore implements EventStore and HistoricalRepository on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// StoreEventsBatch inserts candidates in a single transaction and returns
// the generated event IDs in input order. Each row carries the requesting
// run's region set so FindSimilarEvents can filter by region later.
func (s *PostgresStore) StoreEventsBatch(ctx context.Context, requestID string, regionIDs []int64, candidates []models.EventCandidate) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO events (
			id, request_id, region_ids, title, description, event_time, location,
			latitude, longitude, subject, object, event_type,
			credibility, sources, origin, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	ids := make([]string, 0, len(candidates))
	now := time.Now()

	for _, c := range candidates {
		id := uuid.NewString()

		var eventTime *time.Time
		if c.EventTime != nil {
			eventTime = c.EventTime
		}

		_, err = tx.ExecContext(ctx, query,
			id,
			requestID,
			pq.Array(regionIDs),
			c.Title,
			c.Description,
			eventTime,
			nullString(c.Location),
			c.Latitude,
			c.Longitude,
			nullString(c.Subject),
			nullString(c.Object),
			nullString(c.EventType),
			c.Credibility,
			pq.Array(c.Sources),
			string(c.Origin),
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert event: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event batch: %w", err)
	}
	return ids, nil
}

// FindSimilarEvents returns stored events that match any keyword in title
// or description, overlap the region filter and fall inside the given time
// range.
func (s *PostgresStore) FindSimilarEvents(ctx context.Context, keywords []string, regionIDs []int64, r models.TimeRange, limit int) ([]models.EventCandidate, error) {
	if limit <= 0 {
		limit = 20
	}

	conditions := []string{"event_time >= $1", "event_time <= $2"}
	args := []interface{}{r.Start, r.End}

	if len(regionIDs) > 0 {
		args = append(args, pq.Array(regionIDs))
		conditions = append(conditions, fmt.Sprintf("region_ids && $%d", len(args)))
	}

	if len(keywords) > 0 {
		patterns := make([]string, len(keywords))
		for i, kw := range keywords {
			patterns[i] = "%" + kw + "%"
		}
		args = append(args, pq.Array(patterns))
		conditions = append(conditions, fmt.Sprintf("(title ILIKE ANY($%d) OR description ILIKE ANY($%d))", len(args), len(args)))
	}

	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT title, description, event_time, location, latitude, longitude,
		       subject, object, event_type, credibility, sources
		FROM events
		WHERE %s
		ORDER BY event_time ASC
		LIMIT $%d
	`, strings.Join(conditions, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar events: %w", err)
	}
	defer rows.Close()

	var out []models.EventCandidate
	for rows.Next() {
		var c models.EventCandidate
		var eventTime sql.NullTime
		var location, subject, object, eventType sql.NullString
		var lat, lon sql.NullFloat64
		var sources pq.StringArray

		if err := rows.Scan(
			&c.Title,
			&c.Description,
			&eventTime,
			&location,
			&lat,
			&lon,
			&subject,
			&object,
			&eventType,
			&c.Credibility,
			&sources,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		if eventTime.Valid {
			t := eventTime.Time
			c.EventTime = &t
		}
		c.Location = location.String
		c.Subject = subject.String
		c.Object = object.String
		c.EventType = eventType.String
		if lat.Valid {
			v := lat.Float64
			c.Latitude = &v
		}
		if lon.Valid {
			v := lon.Float64
			c.Longitude = &v
		}
		c.Sources = sources
		c.Origin = models.OriginHistorical

		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event rows: %w", err)
	}
	return out, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
