package gate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/timeweave/timeweave/internal/models"
)

// HistoricalSource looks up stored events for supplementation.
type HistoricalSource interface {
	FindSimilarEvents(ctx context.Context, keywords []string, regionIDs []int64, r models.TimeRange, limit int) ([]models.EventCandidate, error)
}

// Gate enforces the minimum/maximum result-count policy. Precedence when
// thresholds conflict: supplementation (if enabled and below minimum) runs
// first, truncation to the maximum runs last, and the target count is never
// force-padded toward — the minimum bound alone is authoritative.
type Gate struct {
	historical HistoricalSource
	synthetic  *Synthetic
	logger     *slog.Logger
}

// Outcome reports what the gate did to the candidate list.
type Outcome struct {
	MetMinimum   bool
	Supplemented int
	Truncated    int
}

// NewGate creates a sufficiency gate. historical may be nil.
func NewGate(historical HistoricalSource, synthetic *Synthetic, logger *slog.Logger) *Gate {
	return &Gate{
		historical: historical,
		synthetic:  synthetic,
		logger:     logger,
	}
}

// Ensure applies the sufficiency policy to the merged candidate list.
func (g *Gate) Ensure(ctx context.Context, req models.RetrievalRequest, candidates []models.EventCandidate, constraints models.Constraints) ([]models.EventCandidate, Outcome) {
	var outcome Outcome

	if constraints.MinEvents > 0 && len(candidates) < constraints.MinEvents {
		if constraints.Supplement {
			added := g.supplement(ctx, req, candidates, constraints)
			outcome.Supplemented = len(added)
			candidates = append(candidates, added...)
		} else {
			g.logger.Warn("result below minimum, supplementation disabled",
				"have", len(candidates),
				"min", constraints.MinEvents)
		}
	}

	if constraints.MaxEvents > 0 && len(candidates) > constraints.MaxEvents {
		outcome.Truncated = len(candidates) - constraints.MaxEvents
		candidates = candidates[:constraints.MaxEvents]
	}

	outcome.MetMinimum = constraints.MinEvents <= 0 || len(candidates) >= constraints.MinEvents

	if !outcome.MetMinimum {
		g.logger.Warn("insufficient data after supplementation",
			"have", len(candidates),
			"min", constraints.MinEvents,
			"supplemented", outcome.Supplemented)
	}

	return candidates, outcome
}

// supplement fills the shortfall from historical data first, then synthetic
// placeholders, bounded by (min - have) scaled by the supplement ratio.
func (g *Gate) supplement(ctx context.Context, req models.RetrievalRequest, have []models.EventCandidate, constraints models.Constraints) []models.EventCandidate {
	shortfall := constraints.MinEvents - len(have)

	ratio := constraints.SupplementRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1.0
	}
	budget := int(float64(shortfall) * ratio)
	if budget <= 0 {
		return nil
	}

	seen := make(map[string]bool, len(have))
	for _, c := range have {
		seen[titleKey(c.Title)] = true
	}

	added := make([]models.EventCandidate, 0, budget)

	if g.historical != nil {
		found, err := g.historical.FindSimilarEvents(ctx, keywords(req), req.RegionIDs, req.Range, budget)
		if err != nil {
			g.logger.Warn("historical supplement lookup failed", "error", err)
		}
		for _, c := range found {
			if len(added) >= budget {
				break
			}
			key := titleKey(c.Title)
			if seen[key] {
				continue
			}
			seen[key] = true
			c.Origin = models.OriginHistorical
			added = append(added, c)
		}
	}

	if remaining := budget - len(added); remaining > 0 && g.synthetic != nil {
		added = append(added, g.synthetic.GenerateForRange(req.Range, req, remaining)...)
	}

	g.logger.Info("supplemental generation complete",
		"shortfall", shortfall,
		"budget", budget,
		"added", len(added))

	return added
}

func titleKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

func keywords(req models.RetrievalRequest) []string {
	fields := strings.Fields(req.Name)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}
