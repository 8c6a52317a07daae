package scraper

import (
	"context"

	log "github.com/sirupsen/logrus"

	"rare_birds/config"
	"rare_birds/models"
	"rare_birds/observability"
)

// FallbackSource runs the primary strategy and, when it errors or yields
// nothing, the fallback strategy exactly once. It never returns an error:
// total failure is an empty slice reported as SourceNone.
type FallbackSource struct {
	primary  Handler
	fallback Handler
	metrics  *observability.Metrics
}

func NewFallbackSource(primary, fallback Handler, metrics *observability.Metrics) *FallbackSource {
	return &FallbackSource{primary: primary, fallback: fallback, metrics: metrics}
}

func (s *FallbackSource) Fetch(ctx context.Context, region config.Region) ([]models.RawSighting, models.SourceKind) {
	if sightings, ok := s.try(ctx, s.primary, region); ok {
		return sightings, models.SourceKind(s.primary.ID())
	}

	if s.fallback == nil {
		return []models.RawSighting{}, models.SourceNone
	}
	log.WithField("strategy", s.fallback.ID()).Info("Source: falling back")

	if sightings, ok := s.try(ctx, s.fallback, region); ok {
		return sightings, models.SourceKind(s.fallback.ID())
	}
	return []models.RawSighting{}, models.SourceNone
}

func (s *FallbackSource) try(ctx context.Context, h Handler, region config.Region) ([]models.RawSighting, bool) {
	if h == nil {
		return nil, false
	}

	sightings, err := h.Scrape(ctx, region)
	switch {
	case err != nil:
		log.WithError(err).WithField("strategy", h.ID()).Warn("Source: strategy failed")
	case len(sightings) == 0:
		log.WithField("strategy", h.ID()).Warn("Source: strategy returned no sightings")
	default:
		s.metrics.SightingsFetched.WithLabelValues(h.ID()).Add(float64(len(sightings)))
		return sightings, true
	}

	s.metrics.SourceFailures.WithLabelValues(h.ID()).Inc()
	return nil, false
}
