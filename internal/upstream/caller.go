package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/timeweave/timeweave/internal/config"
	"github.com/timeweave/timeweave/internal/metrics"
	"github.com/timeweave/timeweave/internal/models"
	"github.com/timeweave/timeweave/internal/provider"
)

// ErrCircuitOpen reports that a provider's breaker refused the call.
var ErrCircuitOpen = errors.New("provider circuit open")

// SegmentCache replays raw bodies from prior completed calls.
type SegmentCache interface {
	StoreSegmentRaw(segmentID, raw string)
	LookupSegmentRaw(segmentID string) (string, bool)
}

// HistoricalSource looks up previously stored events resembling a request.
type HistoricalSource interface {
	FindSimilarEvents(ctx context.Context, keywords []string, regionIDs []int64, r models.TimeRange, limit int) ([]models.EventCandidate, error)
}

// SyntheticSource generates placeholder candidates as the last resort.
type SyntheticSource interface {
	GenerateForSegment(seg models.Segment, req models.RetrievalRequest, count int) []models.EventCandidate
}

// SegmentResult is the outcome of one segment's resilient call. Exactly one
// of Raw or Candidates is populated on success: Raw when a provider or the
// cache produced text that still needs parsing, Candidates when a local
// fallback produced records directly.
type SegmentResult struct {
	Segment           models.Segment
	Raw               string
	Candidates        []models.EventCandidate
	Provider          string
	Fallback          string
	CircuitOpenEvents int
	RetriesConsumed   int
}

// Caller executes one upstream call per segment with timeout, retry,
// circuit-breaker protection and a graded fallback chain: alternate
// provider, cached prior result, historical lookup, synthetic generation.
type Caller struct {
	clients    map[string]Client
	selector   *provider.Selector
	breakers   *provider.Registry
	policy     RetryPolicy
	prompts    *PromptTemplates
	cache      SegmentCache
	historical HistoricalSource
	synthetic  SyntheticSource
	collector  *metrics.Collector
	logger     *slog.Logger
}

// NewCaller wires a resilient caller over the two configured providers.
func NewCaller(
	cfg config.ProvidersConfig,
	selector *provider.Selector,
	breakers *provider.Registry,
	policy RetryPolicy,
	cache SegmentCache,
	historical HistoricalSource,
	synthetic SyntheticSource,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Caller {
	clients := map[string]Client{
		cfg.Primary.Name:   NewClient(cfg.Primary, logger),
		cfg.Secondary.Name: NewClient(cfg.Secondary, logger),
	}

	return &Caller{
		clients:    clients,
		selector:   selector,
		breakers:   breakers,
		policy:     policy,
		prompts:    NewPromptTemplates(),
		cache:      cache,
		historical: historical,
		synthetic:  synthetic,
		collector:  collector,
		logger:     logger,
	}
}

// SetClient replaces a provider client. Used by tests to stub upstreams.
func (c *Caller) SetClient(name string, client Client) {
	c.clients[name] = client
}

// CallSegment fetches raw event data for one segment, cascading through the
// fallback chain when the selected provider cannot deliver.
func (c *Caller) CallSegment(ctx context.Context, req models.RetrievalRequest, seg models.Segment) (SegmentResult, error) {
	result := SegmentResult{Segment: seg}
	prompt := c.prompts.BuildRetrievalPrompt(req, seg, seg.ExpectedEvents)

	selected := c.selector.Select(seg.Range())

	raw, err := c.callProvider(ctx, selected, prompt, &result)
	if err == nil {
		result.Raw = raw
		result.Provider = selected.Name
		c.cache.StoreSegmentRaw(seg.ID, raw)
		return result, nil
	}
	lastErr := err

	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	// Fallback (a): the alternate provider.
	alternate := c.selector.Alternate(selected)
	c.logger.Warn("provider call failed, trying alternate",
		"segment", seg.ID,
		"failed_provider", selected.Name,
		"alternate", alternate.Name,
		"error", err)

	raw, err = c.callProvider(ctx, alternate, prompt, &result)
	if err == nil {
		result.Raw = raw
		result.Provider = alternate.Name
		result.Fallback = "alternate-provider"
		c.cache.StoreSegmentRaw(seg.ID, raw)
		return result, nil
	}
	if !errors.Is(err, ErrCircuitOpen) {
		lastErr = err
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	// Fallback (b): a prior completed run's cached raw segment result.
	if cached, ok := c.cache.LookupSegmentRaw(seg.ID); ok {
		c.logger.Info("serving segment from cached prior result", "segment", seg.ID)
		result.Raw = cached
		result.Fallback = "cache"
		return result, nil
	}

	// Fallback (c): local historical data.
	if c.historical != nil {
		candidates, histErr := c.historical.FindSimilarEvents(ctx, keywords(req), req.RegionIDs, seg.Range(), seg.ExpectedEvents)
		if histErr != nil {
			c.logger.Warn("historical lookup failed", "segment", seg.ID, "error", histErr)
		} else if len(candidates) > 0 {
			c.logger.Info("serving segment from historical data",
				"segment", seg.ID,
				"candidates", len(candidates))
			result.Candidates = candidates
			result.Fallback = "historical"
			return result, nil
		}
	}

	// Fallback (d): synthetic placeholders.
	if c.synthetic != nil {
		candidates := c.synthetic.GenerateForSegment(seg, req, syntheticCount(seg))
		if len(candidates) > 0 {
			c.logger.Warn("serving segment from synthetic data", "segment", seg.ID)
			result.Candidates = candidates
			result.Fallback = "synthetic"
			return result, nil
		}
	}

	return result, fmt.Errorf("all fallbacks exhausted for segment %s: %w", seg.ID, lastErr)
}

// callProvider runs the retry loop for one provider, honoring its breaker.
func (c *Caller) callProvider(ctx context.Context, cfg config.ProviderConfig, prompt string, result *SegmentResult) (string, error) {
	client, ok := c.clients[cfg.Name]
	if !ok {
		return "", fmt.Errorf("no client for provider %s", cfg.Name)
	}

	if !c.breakers.Allow(cfg.Name) {
		result.CircuitOpenEvents++
		c.observe(cfg.Name, "circuit_open", 0)
		return "", fmt.Errorf("%w: %s", ErrCircuitOpen, cfg.Name)
	}

	var raw string
	attempt := 0

	retries, err := Retry(ctx, c.policy, func() error {
		attempt++
		start := time.Now()
		body, callErr := client.Generate(ctx, c.prompts.SystemPrompt, prompt)
		latency := time.Since(start)

		if callErr != nil {
			c.breakers.RecordFailure(cfg.Name)
			c.observe(cfg.Name, "error", latency)
			c.logOutcome(cfg.Name, attempt, latency, callErr)
			return NewRetryableError(callErr)
		}

		// Completeness check: a structurally fine response that does not
		// plausibly contain event records is retried like a timeout.
		if !plausibleBody(body) {
			c.breakers.RecordFailure(cfg.Name)
			c.observe(cfg.Name, "implausible", latency)
			implausible := &UpstreamError{
				Kind:     KindEmptyResponse,
				Provider: cfg.Name,
				Err:      fmt.Errorf("response lacks event records (%d bytes)", len(body)),
			}
			c.logOutcome(cfg.Name, attempt, latency, implausible)
			return NewRetryableError(implausible)
		}

		c.breakers.RecordSuccess(cfg.Name)
		c.observe(cfg.Name, "success", latency)
		c.logOutcome(cfg.Name, attempt, latency, nil)
		raw = body
		return nil
	})

	result.RetriesConsumed += retries
	if err != nil {
		return "", err
	}
	return raw, nil
}

func (c *Caller) observe(providerName, outcome string, latency time.Duration) {
	if c.collector != nil {
		c.collector.ObserveUpstreamCall(providerName, outcome, latency)
	}
}

func (c *Caller) logOutcome(providerName string, attempt int, latency time.Duration, err error) {
	outcome := models.CallOutcome{
		Success:   err == nil,
		LatencyMs: latency.Milliseconds(),
		Attempt:   attempt,
		Provider:  providerName,
	}
	if ue, ok := AsUpstream(err); ok {
		outcome.ErrorKind = string(ue.Kind)
	} else if err != nil {
		outcome.ErrorKind = string(KindHTTPError)
	}

	c.logger.Debug("upstream call outcome",
		"provider", outcome.Provider,
		"attempt", outcome.Attempt,
		"success", outcome.Success,
		"latency_ms", outcome.LatencyMs,
		"error_kind", outcome.ErrorKind)
}

// plausibleBody checks for the expected record marker.
func plausibleBody(body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	return strings.Contains(lower, `"title"`) ||
		strings.Contains(lower, `"events"`) ||
		strings.ContainsAny(trimmed, "[{")
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

func syntheticCount(seg models.Segment) int {
	if seg.ExpectedEvents > 0 && seg.ExpectedEvents < 3 {
		return seg.ExpectedEvents
	}
	return 3
}
