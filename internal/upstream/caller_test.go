package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/timeweave/timeweave/internal/config"
	"github.com/timeweave/timeweave/internal/models"
	"github.com/timeweave/timeweave/internal/provider"
)

type stubClient struct {
	name  string
	body  string
	err   error
	calls int
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.body, nil
}

type mapCache struct {
	raws map[string]string
}

func newMapCache() *mapCache { return &mapCache{raws: make(map[string]string)} }

func (m *mapCache) StoreSegmentRaw(segmentID, raw string) { m.raws[segmentID] = raw }

func (m *mapCache) LookupSegmentRaw(segmentID string) (string, bool) {
	raw, ok := m.raws[segmentID]
	return raw, ok
}

type stubCallerHistorical struct {
	events []models.EventCandidate
}

func (s *stubCallerHistorical) FindSimilarEvents(ctx context.Context, keywords []string, regionIDs []int64, r models.TimeRange, limit int) ([]models.EventCandidate, error) {
	return s.events, nil
}

type stubSynthetic struct{}

func (stubSynthetic) GenerateForSegment(seg models.Segment, req models.RetrievalRequest, count int) []models.EventCandidate {
	out := make([]models.EventCandidate, count)
	for i := range out {
		out[i] = models.EventCandidate{Title: "placeholder", Origin: models.OriginSynthetic}
	}
	return out
}

type callerFixture struct {
	caller    *Caller
	primary   *stubClient
	secondary *stubClient
	cache     *mapCache
	breakers  *provider.Registry
}

func newCallerFixture(historical HistoricalSource, synthetic SyntheticSource) *callerFixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ProvidersConfig{
		Primary:    config.ProviderConfig{Name: "primary"},
		Secondary:  config.ProviderConfig{Name: "secondary", SupportsWebSearch: true},
		CutoffYear: 2024,
	}

	breakers := provider.NewRegistry(provider.DefaultBreakerConfig())
	selector := provider.NewSelector(cfg, breakers, logger)
	cache := newMapCache()

	policy := RetryPolicy{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Strategy:     BackoffFixed,
	}

	caller := NewCaller(cfg, selector, breakers, policy, cache, historical, synthetic, nil, logger)

	primary := &stubClient{name: "primary"}
	secondary := &stubClient{name: "secondary"}
	caller.SetClient("primary", primary)
	caller.SetClient("secondary", secondary)

	return &callerFixture{
		caller:    caller,
		primary:   primary,
		secondary: secondary,
		cache:     cache,
		breakers:  breakers,
	}
}

// historicalSegment selects the primary provider under the 2024 cutoff.
func historicalSegment() models.Segment {
	return models.Segment{
		ID:             "seg-0-20230101-20230131",
		Index:          0,
		Start:          time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2023, time.January, 31, 0, 0, 0, 0, time.UTC),
		ExpectedEvents: 5,
	}
}

func callerRequest() models.RetrievalRequest {
	return models.RetrievalRequest{ID: "req-1", Name: "Factory fires"}
}

func TestCallSegmentPrimarySuccess(t *testing.T) {
	f := newCallerFixture(nil, nil)
	f.primary.body = `[{"title":"warehouse fire"}]`

	res, err := f.caller.CallSegment(context.Background(), callerRequest(), historicalSegment())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "primary" {
		t.Errorf("provider = %s, want primary", res.Provider)
	}
	if res.Fallback != "" {
		t.Errorf("fallback = %q, want none", res.Fallback)
	}
	if res.Raw == "" {
		t.Error("raw body should be populated")
	}
	if _, ok := f.cache.LookupSegmentRaw(historicalSegment().ID); !ok {
		t.Error("successful raw body should be cached for replay")
	}
	if f.secondary.calls != 0 {
		t.Error("secondary should not be called when primary succeeds")
	}
}

func TestCallSegmentFallsBackToAlternate(t *testing.T) {
	f := newCallerFixture(nil, nil)
	f.primary.err = errors.New("connection refused")
	f.secondary.body = `{"events":[{"title":"port blockade"}]}`

	res, err := f.caller.CallSegment(context.Background(), callerRequest(), historicalSegment())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "secondary" {
		t.Errorf("provider = %s, want secondary", res.Provider)
	}
	if res.Fallback != "alternate-provider" {
		t.Errorf("fallback = %q, want alternate-provider", res.Fallback)
	}
	if res.RetriesConsumed == 0 {
		t.Error("primary retries should be accounted")
	}
}

func TestCallSegmentFallsBackToCache(t *testing.T) {
	f := newCallerFixture(nil, nil)
	f.primary.err = errors.New("down")
	f.secondary.err = errors.New("down")
	f.cache.StoreSegmentRaw(historicalSegment().ID, `[{"title":"cached event"}]`)

	res, err := f.caller.CallSegment(context.Background(), callerRequest(), historicalSegment())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fallback != "cache" {
		t.Errorf("fallback = %q, want cache", res.Fallback)
	}
	if res.Raw != `[{"title":"cached event"}]` {
		t.Errorf("raw = %q, want the cached body", res.Raw)
	}
}

func TestCallSegmentFallsBackToHistorical(t *testing.T) {
	historical := &stubCallerHistorical{events: []models.EventCandidate{
		{Title: "archived event", Origin: models.OriginHistorical},
	}}
	f := newCallerFixture(historical, stubSynthetic{})
	f.primary.err = errors.New("down")
	f.secondary.err = errors.New("down")

	res, err := f.caller.CallSegment(context.Background(), callerRequest(), historicalSegment())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fallback != "historical" {
		t.Errorf("fallback = %q, want historical", res.Fallback)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].Title != "archived event" {
		t.Errorf("candidates = %v, want the archived event", res.Candidates)
	}
}

func TestCallSegmentFallsBackToSynthetic(t *testing.T) {
	f := newCallerFixture(&stubCallerHistorical{}, stubSynthetic{})
	f.primary.err = errors.New("down")
	f.secondary.err = errors.New("down")

	res, err := f.caller.CallSegment(context.Background(), callerRequest(), historicalSegment())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fallback != "synthetic" {
		t.Errorf("fallback = %q, want synthetic", res.Fallback)
	}
	if len(res.Candidates) == 0 {
		t.Error("synthetic fallback should produce placeholders")
	}
	for _, c := range res.Candidates {
		if c.Origin != models.OriginSynthetic {
			t.Errorf("candidate origin = %s, want synthetic", c.Origin)
		}
	}
}

func TestCallSegmentAllFallbacksExhausted(t *testing.T) {
	f := newCallerFixture(nil, nil)
	f.primary.err = errors.New("down")
	f.secondary.err = errors.New("down")

	_, err := f.caller.CallSegment(context.Background(), callerRequest(), historicalSegment())
	if err == nil {
		t.Fatal("expected error when every fallback is exhausted")
	}
}

func TestCallSegmentImplausibleBodyRetries(t *testing.T) {
	f := newCallerFixture(nil, nil)
	f.primary.body = "I'm sorry, I cannot help with that."
	f.secondary.body = `[{"title":"real event"}]`

	res, err := f.caller.CallSegment(context.Background(), callerRequest(), historicalSegment())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "secondary" {
		t.Errorf("provider = %s, want secondary after implausible primary output", res.Provider)
	}
	if f.primary.calls != 2 {
		t.Errorf("primary called %d times, want 2 (initial + 1 retry)", f.primary.calls)
	}
}

func TestCallSegmentSkipsOpenCircuit(t *testing.T) {
	f := newCallerFixture(nil, nil)
	f.secondary.body = `[{"title":"served by secondary"}]`

	for i := 0; i < 5; i++ {
		f.breakers.RecordFailure("primary")
	}

	res, err := f.caller.CallSegment(context.Background(), callerRequest(), historicalSegment())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "secondary" {
		t.Errorf("provider = %s, want secondary with primary circuit open", res.Provider)
	}
	if f.primary.calls != 0 {
		t.Errorf("primary called %d times through an open circuit", f.primary.calls)
	}
}

func TestPlausibleBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "json array", body: `[{"title":"x"}]`, want: true},
		{name: "events wrapper", body: `{"events": []}`, want: true},
		{name: "empty", body: "   ", want: false},
		{name: "refusal prose", body: "No events found for this period.", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := plausibleBody(tt.body); got != tt.want {
				t.Errorf("plausibleBody(%q) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}
