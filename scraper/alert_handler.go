package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"

	"rare_birds/config"
	"rare_birds/models"
	"rare_birds/observability"
)

var ErrNoObservations = errors.New("no observations on alert page")

const (
	dropMissingSpecies     = "missing species"
	dropMissingLocation    = "missing location"
	dropMissingCoordinates = "missing coordinates"
	observerLabel          = "Observer:"
)

var (
	coordsHrefRegex = regexp.MustCompile(`query=(-?[\d.]+),(-?[\d.]+)`)
	digitsRegex     = regexp.MustCompile(`\d+`)
)

var defaultMarkup = config.Markup{
	Observation:    "div.Observation",
	Species:        "span.Heading-main",
	ScientificName: "span.Heading-sub--sci",
	ChecklistLink:  `a[href*="/checklist/"]`,
	MapLink:        `a[href*="google.com/maps"]`,
	Cell:           "div.GridFlex-cell",
	ObserverIcon:   "svg.Icon--user",
	HiddenLabel:    "is-visuallyHidden",
	Count:          ".Observation-numberObserved",
	Time:           "time",
}

// AlertHandler scrapes the public eBird alert page.
type AlertHandler struct {
	client    *http.Client
	userAgent string
	metrics   *observability.Metrics
}

// ExtractStats describes one pass over an alert page.
type ExtractStats struct {
	Blocks   int
	Accepted int
	Dropped  map[string]int
}

func NewAlertHandler(client *http.Client, cfg config.ScraperConfig, metrics *observability.Metrics) *AlertHandler {
	return &AlertHandler{
		client:    client,
		userAgent: cfg.UserAgent,
		metrics:   metrics,
	}
}

func (h *AlertHandler) ID() string {
	return string(models.SourceScrape)
}

func (h *AlertHandler) Scrape(ctx context.Context, region config.Region) ([]models.RawSighting, error) {
	if region.AlertURL == "" {
		return nil, fmt.Errorf("region %s has no alert URL", region.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, region.AlertURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	h.setBrowserHeaders(req)

	log.WithField("url", region.AlertURL).Info("Scrape: fetching alert page")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch alert page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("alert page status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	sightings, stats, err := ParseAlertPage(resp.Body, region.Markup)
	if err != nil {
		return nil, err
	}
	for reason, n := range stats.Dropped {
		h.metrics.RecordsDropped.WithLabelValues(reason).Add(float64(n))
	}

	log.WithFields(log.Fields{
		"blocks":   stats.Blocks,
		"accepted": stats.Accepted,
		"dropped":  stats.Blocks - stats.Accepted,
	}).Info("Scrape: parsed alert page")

	if stats.Blocks == 0 {
		return nil, ErrNoObservations
	}
	if stats.Accepted == 0 {
		return nil, fmt.Errorf("all %d observation blocks dropped: %w", stats.Blocks, ErrNoObservations)
	}
	return sightings, nil
}

func (h *AlertHandler) setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Cache-Control", "max-age=0")
}

// ParseAlertPage extracts sightings from alert page markup. Blocks missing a
// species, a location or coordinates are dropped and counted by reason.
// Empty markup fields use the built-in selectors.
func ParseAlertPage(r io.Reader, markup config.Markup) ([]models.RawSighting, ExtractStats, error) {
	stats := ExtractStats{Dropped: make(map[string]int)}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, stats, fmt.Errorf("parse alert page: %w", err)
	}

	m := withDefaults(markup)
	var sightings []models.RawSighting

	doc.Find(m.Observation).Each(func(i int, block *goquery.Selection) {
		stats.Blocks++

		sighting, reason := extractSighting(block, m)
		if reason != "" {
			stats.Dropped[reason]++
			log.WithFields(log.Fields{"block": i + 1, "reason": reason}).Debug("Scrape: skipped observation")
			return
		}
		stats.Accepted++
		sightings = append(sightings, sighting)
	})

	return sightings, stats, nil
}

func extractSighting(block *goquery.Selection, m config.Markup) (models.RawSighting, string) {
	species, _ := firstMatch(speciesRules, block, m)
	if species == "" {
		return models.RawSighting{}, dropMissingSpecies
	}
	location, _ := firstMatch(locationRules, block, m)
	if location == "" {
		return models.RawSighting{}, dropMissingLocation
	}
	coords, ok := firstMatch(coordinateRules, block, m)
	if !ok {
		return models.RawSighting{}, dropMissingCoordinates
	}

	scientific, _ := firstMatch(scientificNameRules, block, m)
	date, _ := firstMatch(dateRules, block, m)
	observer, ok := firstMatch(observerRules, block, m)
	if !ok {
		observer = models.AnonymousObserver
	}
	count, _ := firstMatch(countRules, block, m)

	lat, lng := coords.Lat, coords.Lng
	return models.RawSighting{
		Species:        species,
		ScientificName: scientific,
		Location:       location,
		Lat:            &lat,
		Lng:            &lng,
		Date:           date,
		Observer:       observer,
		Count:          count,
	}, ""
}

// rule is one named way of pulling a field out of an observation block.
type rule[T any] struct {
	name    string
	extract func(block *goquery.Selection, m config.Markup) (T, bool)
}

// firstMatch runs rules in order and returns the first success.
func firstMatch[T any](rules []rule[T], block *goquery.Selection, m config.Markup) (T, bool) {
	for _, r := range rules {
		if v, ok := r.extract(block, m); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

var speciesRules = []rule[string]{
	{"heading-main", func(b *goquery.Selection, m config.Markup) (string, bool) {
		return textOf(b.Find(m.Species))
	}},
}

var scientificNameRules = []rule[string]{
	{"heading-sub-sci", func(b *goquery.Selection, m config.Markup) (string, bool) {
		return textOf(b.Find(m.ScientificName))
	}},
}

var dateRules = []rule[string]{
	{"checklist-link", func(b *goquery.Selection, m config.Markup) (string, bool) {
		return textOf(b.Find(m.ChecklistLink))
	}},
	{"time-element", func(b *goquery.Selection, m config.Markup) (string, bool) {
		return textOf(b.Find(m.Time))
	}},
}

var locationRules = []rule[string]{
	{"map-link", func(b *goquery.Selection, m config.Markup) (string, bool) {
		return textOf(b.Find(m.MapLink))
	}},
}

var coordinateRules = []rule[models.Coordinates]{
	{"map-link-query", func(b *goquery.Selection, m config.Markup) (models.Coordinates, bool) {
		href, ok := b.Find(m.MapLink).First().Attr("href")
		if !ok {
			return models.Coordinates{}, false
		}
		u, err := url.Parse(href)
		if err != nil {
			return models.Coordinates{}, false
		}
		parts := strings.Split(u.Query().Get("query"), ",")
		if len(parts) != 2 {
			return models.Coordinates{}, false
		}
		return parseCoordinates(parts[0], parts[1])
	}},
	{"map-link-href", func(b *goquery.Selection, m config.Markup) (models.Coordinates, bool) {
		href, _ := b.Find(m.MapLink).First().Attr("href")
		match := coordsHrefRegex.FindStringSubmatch(href)
		if match == nil {
			return models.Coordinates{}, false
		}
		return parseCoordinates(match[1], match[2])
	}},
}

var observerRules = []rule[string]{
	{"user-icon-sibling", func(b *goquery.Selection, m config.Markup) (string, bool) {
		var observer string
		b.Find(m.Cell).EachWithBreak(func(_ int, cell *goquery.Selection) bool {
			if cell.Find(m.ObserverIcon).Length() == 0 {
				return true
			}
			next := cell.NextAllFiltered(m.Cell).First()
			next.Find("span").EachWithBreak(func(_ int, span *goquery.Selection) bool {
				if span.HasClass(m.HiddenLabel) {
					return true
				}
				if text := cleanText(span.Text()); text != "" && text != observerLabel {
					observer = text
					return false
				}
				return true
			})
			return observer == ""
		})
		return observer, observer != ""
	}},
}

var countRules = []rule[int]{
	{"number-observed", func(b *goquery.Selection, m config.Markup) (int, bool) {
		text, ok := textOf(b.Find(m.Count))
		if !ok {
			return 0, false
		}
		digits := digitsRegex.FindString(text)
		if digits == "" {
			return 0, false
		}
		n, err := strconv.Atoi(digits)
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}},
}

func parseCoordinates(latStr, lngStr string) (models.Coordinates, bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return models.Coordinates{}, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return models.Coordinates{}, false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return models.Coordinates{}, false
	}
	return models.Coordinates{Lat: lat, Lng: lng}, true
}

func textOf(sel *goquery.Selection) (string, bool) {
	if sel.Length() == 0 {
		return "", false
	}
	text := cleanText(sel.First().Text())
	return text, text != ""
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func withDefaults(m config.Markup) config.Markup {
	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	return config.Markup{
		Observation:    pick(m.Observation, defaultMarkup.Observation),
		Species:        pick(m.Species, defaultMarkup.Species),
		ScientificName: pick(m.ScientificName, defaultMarkup.ScientificName),
		ChecklistLink:  pick(m.ChecklistLink, defaultMarkup.ChecklistLink),
		MapLink:        pick(m.MapLink, defaultMarkup.MapLink),
		Cell:           pick(m.Cell, defaultMarkup.Cell),
		ObserverIcon:   pick(m.ObserverIcon, defaultMarkup.ObserverIcon),
		HiddenLabel:    pick(m.HiddenLabel, defaultMarkup.HiddenLabel),
		Count:          pick(m.Count, defaultMarkup.Count),
		Time:           pick(m.Time, defaultMarkup.Time),
	}
}
