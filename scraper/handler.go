package scraper

import (
	"context"

	"rare_birds/config"
	"rare_birds/httputil"
	"rare_birds/models"
	"rare_birds/observability"
)

// Handler is one strategy for getting raw sightings for a region.
type Handler interface {
	ID() string
	Scrape(ctx context.Context, region config.Region) ([]models.RawSighting, error)
}

func NewHandler(kind models.SourceKind, cfg *config.Config, clients *httputil.Clients, metrics *observability.Metrics) Handler {
	switch kind {
	case models.SourceAPI:
		return NewAPIHandler(clients.API, cfg.EBird, metrics)
	case models.SourceScrape:
		return NewAlertHandler(clients.Scraping, cfg.Scraper, metrics)
	default:
		return NewAlertHandler(clients.Scraping, cfg.Scraper, metrics)
	}
}
