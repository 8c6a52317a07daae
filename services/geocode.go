package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"rare_birds/config"
	"rare_birds/models"
	"rare_birds/observability"
)

// GeoResolver turns free-text places into coordinates with Nominatim,
// restricted to the region's bounding box. Request starts are spaced at least
// MinInterval apart across all callers, whatever the outcome.
type GeoResolver struct {
	client    *http.Client
	baseURL   string
	userAgent string
	viewbox   string
	limiter   *rate.Limiter
	memo      *cache.Cache
	metrics   *observability.Metrics
}

type nominatimPlace struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func NewGeoResolver(client *http.Client, cfg config.GeocoderConfig, region config.Region, metrics *observability.Metrics) *GeoResolver {
	return &GeoResolver{
		client:    client,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		viewbox:   region.ViewBox(),
		limiter:   rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		memo:      cache.New(24*time.Hour, time.Hour),
		metrics:   metrics,
	}
}

// Resolve returns the best match for address, or false when there is none.
// Memoized addresses do not touch the network or the gate.
func (g *GeoResolver) Resolve(ctx context.Context, address string) (models.Coordinates, bool) {
	address = strings.TrimSpace(address)
	if address == "" {
		return models.Coordinates{}, false
	}

	if cached, ok := g.memo.Get(address); ok {
		g.metrics.GeocodeCache.WithLabelValues("hit").Inc()
		return cached.(models.Coordinates), true
	}
	g.metrics.GeocodeCache.WithLabelValues("miss").Inc()

	logger := log.WithFields(log.Fields{"stage": "geocode", "address": address})

	if err := g.limiter.Wait(ctx); err != nil {
		logger.WithError(err).Warn("Geocode gate interrupted")
		g.metrics.GeocodeRequests.WithLabelValues("error").Inc()
		return models.Coordinates{}, false
	}

	coords, found, err := g.search(ctx, address)
	switch {
	case err != nil:
		logger.WithError(err).Warn("Geocode request failed")
		g.metrics.GeocodeRequests.WithLabelValues("error").Inc()
		return models.Coordinates{}, false
	case !found:
		logger.Info("Could not geocode address")
		g.metrics.GeocodeRequests.WithLabelValues("not_found").Inc()
		return models.Coordinates{}, false
	}

	g.metrics.GeocodeRequests.WithLabelValues("success").Inc()
	g.memo.Set(address, coords, cache.DefaultExpiration)
	return coords, true
}

func (g *GeoResolver) search(ctx context.Context, address string) (models.Coordinates, bool, error) {
	params := url.Values{
		"q":       {address},
		"format":  {"json"},
		"limit":   {"1"},
		"bounded": {"1"},
		"viewbox": {g.viewbox},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return models.Coordinates{}, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return models.Coordinates{}, false, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Coordinates{}, false, fmt.Errorf("nominatim status %d", resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return models.Coordinates{}, false, fmt.Errorf("decode search: %w", err)
	}
	if len(places) == 0 {
		return models.Coordinates{}, false, nil
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return models.Coordinates{}, false, fmt.Errorf("parse lat %q: %w", places[0].Lat, err)
	}
	lng, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return models.Coordinates{}, false, fmt.Errorf("parse lon %q: %w", places[0].Lon, err)
	}
	return models.Coordinates{Lat: lat, Lng: lng}, true, nil
}
