package provider

import (
	"log/slog"
	"time"

	"github.com/timeweave/timeweave/internal/config"
	"github.com/timeweave/timeweave/internal/models"
)

// Selector picks an upstream provider configuration per request. Ranges that
// end before the cutoff are served by the primary provider: historical
// knowledge is sufficient and cheaper. More recent ranges go to the
// web-search-capable secondary. A provider whose circuit is OPEN is skipped
// in favor of the other, unless both are open.
type Selector struct {
	cfg      config.ProvidersConfig
	registry *Registry
	logger   *slog.Logger

	now func() time.Time
}

// NewSelector creates a selector over the two configured providers.
func NewSelector(cfg config.ProvidersConfig, registry *Registry, logger *slog.Logger) *Selector {
	return &Selector{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Select returns the provider configuration for the given request range.
func (s *Selector) Select(r models.TimeRange) config.ProviderConfig {
	preferred := s.byTimeRule(r)
	alternate := s.Alternate(preferred)

	if !s.registry.IsOpen(preferred.Name) {
		return preferred
	}

	if !s.registry.IsOpen(alternate.Name) {
		s.logger.Warn("preferred provider circuit open, switching",
			"preferred", preferred.Name,
			"selected", alternate.Name)
		return alternate
	}

	// Both circuits open: hand back the primary and let the caller's
	// fallback chain take over.
	s.logger.Warn("all provider circuits open, defaulting to primary")
	return s.cfg.Primary
}

// Alternate returns the other provider.
func (s *Selector) Alternate(p config.ProviderConfig) config.ProviderConfig {
	if p.Name == s.cfg.Primary.Name {
		return s.cfg.Secondary
	}
	return s.cfg.Primary
}

func (s *Selector) byTimeRule(r models.TimeRange) config.ProviderConfig {
	if r.End.Before(s.cutoff()) {
		return s.cfg.Primary
	}
	return s.cfg.Secondary
}

func (s *Selector) cutoff() time.Time {
	year := s.cfg.CutoffYear
	if year == 0 {
		year = s.now().Year()
	}
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}
