package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"rare_birds/config"
	"rare_birds/models"
	"rare_birds/observability"
)

var ErrMissingAPIKey = errors.New("EBIRD_API_KEY is not set")

const maxLookbackDays = 30

// APIHandler reads notable observations from the eBird API.
type APIHandler struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	metrics  *observability.Metrics
	warnOnce sync.Once
}

// ebirdObservation is one row of /data/obs/{region}/recent/notable.
type ebirdObservation struct {
	SpeciesCode     string   `json:"speciesCode"`
	ComName         string   `json:"comName"`
	SciName         string   `json:"sciName"`
	LocName         string   `json:"locName"`
	ObsDt           string   `json:"obsDt"`
	HowMany         *int     `json:"howMany"`
	Lat             *float64 `json:"lat"`
	Lng             *float64 `json:"lng"`
	SubID           string   `json:"subId"`
	UserDisplayName string   `json:"userDisplayName"`
}

func NewAPIHandler(client *http.Client, cfg config.EBirdConfig, metrics *observability.Metrics) *APIHandler {
	return &APIHandler{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		metrics: metrics,
	}
}

func (h *APIHandler) ID() string {
	return string(models.SourceAPI)
}

// Scrape queries every region code. A code that fails is logged and skipped;
// only when all of them fail is an error returned.
func (h *APIHandler) Scrape(ctx context.Context, region config.Region) ([]models.RawSighting, error) {
	if h.apiKey == "" {
		h.warnOnce.Do(func() {
			log.Warn("API: EBIRD_API_KEY not set, eBird API fallback disabled")
		})
		return nil, ErrMissingAPIKey
	}
	if len(region.Codes) == 0 {
		return nil, fmt.Errorf("region %s has no eBird region codes", region.Name)
	}

	back := clampLookback(region.LookbackDays)
	var (
		sightings []models.RawSighting
		failures  int
		lastErr   error
	)

	for _, code := range region.Codes {
		obs, err := h.fetchNotable(ctx, code, back)
		if err != nil {
			log.WithError(err).WithField("region_code", code).Warn("API: region code failed")
			failures++
			lastErr = err
			continue
		}
		log.WithFields(log.Fields{"region_code": code, "count": len(obs)}).Info("API: fetched notable observations")
		for _, o := range obs {
			sightings = append(sightings, o.toRaw())
		}
	}

	if failures == len(region.Codes) {
		return nil, fmt.Errorf("all %d region codes failed: %w", failures, lastErr)
	}
	return sightings, nil
}

func (h *APIHandler) fetchNotable(ctx context.Context, code string, back int) ([]ebirdObservation, error) {
	params := url.Values{
		"back":   {strconv.Itoa(back)},
		"detail": {"full"},
	}
	endpoint := fmt.Sprintf("%s/data/obs/%s/recent/notable?%s", h.baseURL, url.PathEscape(code), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-eBirdApiToken", h.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var obs []ebirdObservation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", code, err)
	}
	return obs, nil
}

func (o ebirdObservation) toRaw() models.RawSighting {
	raw := models.RawSighting{
		Species:        strings.TrimSpace(o.ComName),
		ScientificName: strings.TrimSpace(o.SciName),
		SpeciesCode:    o.SpeciesCode,
		SubmissionID:   o.SubID,
		Location:       strings.TrimSpace(o.LocName),
		Lat:            o.Lat,
		Lng:            o.Lng,
		Date:           o.ObsDt,
		Observer:       strings.TrimSpace(o.UserDisplayName),
	}
	if o.HowMany != nil {
		raw.Count = *o.HowMany
	}
	return raw
}

func clampLookback(days int) int {
	if days < 1 {
		return 1
	}
	if days > maxLookbackDays {
		return maxLookbackDays
	}
	return days
}
