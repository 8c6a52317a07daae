package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/k3a/html2text"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"rare_birds/config"
	"rare_birds/models"
	"rare_birds/observability"
)

const (
	maxSummarySentences = 3
	unknownSpecies      = "Unknown species"
)

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)

// ImageStore is the subset of ImageCache that ReferenceLookup needs.
type ImageStore interface {
	Ensure(ctx context.Context, imageURL, species string) (string, error)
}

// ReferenceLookup resolves a species to a short Wikipedia summary, a cached
// image and a source link. Lookup never fails; callers get placeholder
// content when Wikipedia is unavailable.
type ReferenceLookup struct {
	client      *http.Client
	baseURL     string
	userAgent   string
	placeholder string
	regionName  string
	images      ImageStore
	memo        *cache.Cache
	metrics     *observability.Metrics
}

func NewReferenceLookup(client *http.Client, wiki config.WikipediaConfig, placeholder, regionName string, images ImageStore, metrics *observability.Metrics) *ReferenceLookup {
	return &ReferenceLookup{
		client:      client,
		baseURL:     strings.TrimSuffix(wiki.BaseURL, "/"),
		userAgent:   wiki.UserAgent,
		placeholder: placeholder,
		regionName:  regionName,
		images:      images,
		memo:        cache.New(6*time.Hour, time.Hour),
		metrics:     metrics,
	}
}

func (r *ReferenceLookup) Lookup(ctx context.Context, species string) models.ReferenceInfo {
	species = strings.TrimSpace(species)
	if species == "" {
		species = unknownSpecies
	}

	if cached, ok := r.memo.Get(species); ok {
		r.metrics.ReferenceLookup.WithLabelValues("cached").Inc()
		return cached.(models.ReferenceInfo)
	}

	logger := log.WithFields(log.Fields{"stage": "reference", "species": species})

	page, err := r.fetchSummary(ctx, species)
	if err != nil {
		logger.WithError(err).Warn("Wikipedia lookup failed, using placeholder")
		r.metrics.ReferenceLookup.WithLabelValues("degraded").Inc()
		return r.degraded(species)
	}

	info := models.ReferenceInfo{
		Summary:  summarize(page),
		ImageRef: r.placeholder,
	}
	if info.Summary == "" {
		info.Summary = r.degradedSummary(species)
	}
	if src, err := page.GetString("content_urls", "desktop", "page"); err == nil {
		info.Source = src
	}

	if imageURL := pickImage(page); imageURL != "" {
		if rel, err := r.images.Ensure(ctx, imageURL, species); err == nil {
			info.ImageRef = rel
		} else {
			logger.WithError(err).Warn("Image cache failed, using placeholder")
		}
	}

	r.memo.Set(species, info, cache.DefaultExpiration)
	r.metrics.ReferenceLookup.WithLabelValues("success").Inc()
	return info
}

func (r *ReferenceLookup) fetchSummary(ctx context.Context, species string) (*jason.Object, error) {
	title := url.PathEscape(strings.ReplaceAll(species, " ", "_"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/page/summary/"+title, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("summary request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("summary status %d", resp.StatusCode)
	}

	page, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return page, nil
}

func (r *ReferenceLookup) degraded(species string) models.ReferenceInfo {
	return models.ReferenceInfo{
		Summary:  r.degradedSummary(species),
		ImageRef: r.placeholder,
	}
}

func (r *ReferenceLookup) degradedSummary(species string) string {
	return fmt.Sprintf("%s observed in %s.", species, r.regionName)
}

// summarize prefers the plain extract and falls back to extract_html.
func summarize(page *jason.Object) string {
	text, _ := page.GetString("extract")
	if strings.TrimSpace(text) == "" {
		if html, err := page.GetString("extract_html"); err == nil {
			text = html2text.HTML2Text(html)
		}
	}
	return FirstSentences(text, maxSummarySentences)
}

// FirstSentences keeps the first n sentences of text, where a sentence ends
// at ., ! or ? followed by whitespace.
func FirstSentences(text string, n int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	var sentences []string
	start := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		sentences = append(sentences, text[start:loc[0]+1])
		start = loc[1]
		if len(sentences) == n {
			return strings.Join(sentences, " ")
		}
	}
	sentences = append(sentences, text[start:])
	return strings.Join(sentences, " ")
}

func pickImage(page *jason.Object) string {
	if src, err := page.GetString("originalimage", "source"); err == nil && src != "" {
		return src
	}
	if src, err := page.GetString("thumbnail", "source"); err == nil && src != "" {
		return src
	}
	return ""
}
