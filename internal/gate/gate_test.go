package gate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/timeweave/timeweave/internal/models"
)

type stubHistorical struct {
	events []models.EventCandidate
	err    error
	calls  int
}

func (s *stubHistorical) FindSimilarEvents(ctx context.Context, keywords []string, regionIDs []int64, r models.TimeRange, limit int) ([]models.EventCandidate, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.events) {
		return s.events[:limit], nil
	}
	return s.events, nil
}

func gateRequest() models.RetrievalRequest {
	return models.RetrievalRequest{
		ID:   "req-1",
		Name: "Regional unrest",
		Range: models.TimeRange{
			Start: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC),
		},
	}
}

func upstreamCandidates(n int) []models.EventCandidate {
	out := make([]models.EventCandidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.EventCandidate{
			Title:  "Upstream event " + string(rune('A'+i)),
			Origin: models.OriginUpstream,
		})
	}
	return out
}

func testGate(historical HistoricalSource) *Gate {
	return NewGate(historical, NewSynthetic(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnsureSupplementsToMinimum(t *testing.T) {
	g := testGate(nil)
	constraints := models.Constraints{MinEvents: 3, MaxEvents: 100, Supplement: true, SupplementRatio: 1.0}

	final, outcome := g.Ensure(context.Background(), gateRequest(), upstreamCandidates(1), constraints)

	if len(final) < 3 {
		t.Fatalf("got %d candidates, want at least 3", len(final))
	}
	if !outcome.MetMinimum {
		t.Error("minimum should be met after supplementation")
	}
	if outcome.Supplemented != 2 {
		t.Errorf("supplemented %d, want 2", outcome.Supplemented)
	}
	synthetic := 0
	for _, c := range final {
		if c.Origin == models.OriginSynthetic {
			synthetic++
			if c.Credibility != 0.3 {
				t.Errorf("synthetic credibility = %v, want 0.3", c.Credibility)
			}
		}
	}
	if synthetic != 2 {
		t.Errorf("got %d synthetic placeholders, want 2", synthetic)
	}
}

func TestEnsurePrefersHistoricalOverSynthetic(t *testing.T) {
	historical := &stubHistorical{events: []models.EventCandidate{
		{Title: "Archived clash report"},
		{Title: "Archived supply disruption"},
	}}
	g := testGate(historical)
	constraints := models.Constraints{MinEvents: 3, MaxEvents: 100, Supplement: true, SupplementRatio: 1.0}

	final, outcome := g.Ensure(context.Background(), gateRequest(), upstreamCandidates(1), constraints)

	if outcome.Supplemented != 2 {
		t.Fatalf("supplemented %d, want 2", outcome.Supplemented)
	}
	histCount, synthCount := 0, 0
	for _, c := range final {
		switch c.Origin {
		case models.OriginHistorical:
			histCount++
		case models.OriginSynthetic:
			synthCount++
		}
	}
	if histCount != 2 || synthCount != 0 {
		t.Errorf("got %d historical and %d synthetic, want historical to fill the budget", histCount, synthCount)
	}
}

func TestEnsureSkipsDuplicateHistorical(t *testing.T) {
	have := upstreamCandidates(1)
	historical := &stubHistorical{events: []models.EventCandidate{
		{Title: have[0].Title},
		{Title: "Genuinely new archived event"},
	}}
	g := testGate(historical)
	constraints := models.Constraints{MinEvents: 2, MaxEvents: 100, Supplement: true, SupplementRatio: 1.0}

	final, _ := g.Ensure(context.Background(), gateRequest(), have, constraints)

	titles := map[string]int{}
	for _, c := range final {
		titles[c.Title]++
	}
	if titles[have[0].Title] != 1 {
		t.Error("historical record duplicating an existing title should be skipped")
	}
}

func TestEnsureRatioLimitsBudget(t *testing.T) {
	g := testGate(nil)
	constraints := models.Constraints{MinEvents: 5, MaxEvents: 100, Supplement: true, SupplementRatio: 0.5}

	_, outcome := g.Ensure(context.Background(), gateRequest(), upstreamCandidates(1), constraints)

	// Shortfall 4 at ratio 0.5 allows only 2 supplements.
	if outcome.Supplemented != 2 {
		t.Errorf("supplemented %d, want 2", outcome.Supplemented)
	}
	if outcome.MetMinimum {
		t.Error("ratio-limited supplementation should leave the minimum unmet")
	}
}

func TestEnsureSupplementDisabled(t *testing.T) {
	g := testGate(nil)
	constraints := models.Constraints{MinEvents: 5, MaxEvents: 100, Supplement: false}

	final, outcome := g.Ensure(context.Background(), gateRequest(), upstreamCandidates(2), constraints)

	if len(final) != 2 {
		t.Errorf("got %d candidates, want 2 untouched", len(final))
	}
	if outcome.Supplemented != 0 {
		t.Errorf("supplemented %d with supplementation disabled", outcome.Supplemented)
	}
	if outcome.MetMinimum {
		t.Error("minimum cannot be met without supplementation")
	}
}

func TestEnsureTruncatesToMaximum(t *testing.T) {
	g := testGate(nil)
	constraints := models.Constraints{MinEvents: 1, MaxEvents: 4, Supplement: true, SupplementRatio: 1.0}

	final, outcome := g.Ensure(context.Background(), gateRequest(), upstreamCandidates(7), constraints)

	if len(final) != 4 {
		t.Errorf("got %d candidates, want 4 after truncation", len(final))
	}
	if outcome.Truncated != 3 {
		t.Errorf("truncated %d, want 3", outcome.Truncated)
	}
	if !outcome.MetMinimum {
		t.Error("minimum met before truncation should still report as met")
	}
}

func TestEnsureNeverPadsTowardTarget(t *testing.T) {
	g := testGate(nil)
	constraints := models.Constraints{MinEvents: 2, TargetEvents: 20, MaxEvents: 100, Supplement: true, SupplementRatio: 1.0}

	final, outcome := g.Ensure(context.Background(), gateRequest(), upstreamCandidates(5), constraints)

	if len(final) != 5 {
		t.Errorf("got %d candidates, want the original 5 (target is not a floor)", len(final))
	}
	if outcome.Supplemented != 0 {
		t.Errorf("supplemented %d above the minimum", outcome.Supplemented)
	}
}

func TestEnsureHistoricalErrorFallsThrough(t *testing.T) {
	historical := &stubHistorical{err: context.DeadlineExceeded}
	g := testGate(historical)
	constraints := models.Constraints{MinEvents: 3, MaxEvents: 100, Supplement: true, SupplementRatio: 1.0}

	final, outcome := g.Ensure(context.Background(), gateRequest(), upstreamCandidates(1), constraints)

	if historical.calls != 1 {
		t.Error("historical source should have been consulted")
	}
	if outcome.Supplemented != 2 {
		t.Errorf("supplemented %d, want 2 synthetic after historical failure", outcome.Supplemented)
	}
	if len(final) != 3 {
		t.Errorf("got %d candidates, want 3", len(final))
	}
}
