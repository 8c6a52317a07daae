package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"rare_birds/config"
	"rare_birds/identity"
	"rare_birds/models"
	"rare_birds/observability"
)

const (
	dropUnresolvedLocation = "unresolved location"

	stageFetch   = "fetch"
	stageEnrich  = "enrich"
	stagePersist = "persist"
	stagePublish = "publish"
)

type Source interface {
	Fetch(ctx context.Context, region config.Region) ([]models.RawSighting, models.SourceKind)
}

type Geocoder interface {
	Resolve(ctx context.Context, address string) (models.Coordinates, bool)
}

type ReferenceProvider interface {
	Lookup(ctx context.Context, species string) models.ReferenceInfo
}

type SnapshotStore interface {
	Write(snap *models.Snapshot) error
	Path() string
}

// RunRecorder keeps run history. Failures to record are logged and ignored.
type RunRecorder interface {
	CreateRun(run *models.ScrapeRun) error
	UpdateRun(run *models.ScrapeRun) error
	Log(runID string, level models.LogLevel, message, stage string) error
}

type Publisher interface {
	Publish(ctx context.Context, snapshotPath string, snap *models.Snapshot) error
}

// RunStats summarizes one pipeline run.
type RunStats struct {
	Source     models.SourceKind
	Fetched    int
	Saved      int
	Duplicates int
	Dropped    map[string]int
}

func (s RunStats) DroppedTotal() int {
	n := 0
	for _, c := range s.Dropped {
		n += c
	}
	return n
}

type Orchestrator struct {
	region      config.Region
	recordDelay time.Duration

	source    Source
	geocoder  Geocoder
	reference ReferenceProvider
	snapshots SnapshotStore
	runs      RunRecorder
	publisher Publisher

	clock   clockwork.Clock
	metrics *observability.Metrics
}

type Option func(*Orchestrator)

func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithRunRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.runs = r }
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func NewOrchestrator(cfg *config.Config, source Source, geocoder Geocoder, reference ReferenceProvider,
	snapshots SnapshotStore, metrics *observability.Metrics, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		region:      cfg.Region,
		recordDelay: cfg.Scraper.RecordDelay,
		source:      source,
		geocoder:    geocoder,
		reference:   reference,
		snapshots:   snapshots,
		clock:       clockwork.NewRealClock(),
		metrics:     metrics,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run fetches, enriches and persists one snapshot. The returned error is
// non-nil only when the snapshot could not be written or ctx was cancelled;
// upstream failures degrade to fewer (possibly zero) sightings.
func (o *Orchestrator) Run(ctx context.Context) (*models.Snapshot, RunStats, error) {
	started := o.clock.Now()
	run := &models.ScrapeRun{
		ID:        uuid.NewString(),
		StartedAt: started.UTC(),
		Status:    models.RunStatusRunning,
	}
	if o.runs != nil {
		if err := o.runs.CreateRun(run); err != nil {
			log.WithError(err).Warn("Failed to record run start")
		}
	}

	defer func() {
		finished := o.clock.Now().UTC()
		run.FinishedAt = &finished
		if o.runs != nil {
			if err := o.runs.UpdateRun(run); err != nil {
				log.WithError(err).Warn("Failed to record run finish")
			}
		}
		o.metrics.RunDuration.Observe(finished.Sub(started).Seconds())
		o.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	}()

	o.log(run.ID, models.LogLevelInfo, fmt.Sprintf("Starting run for %s", o.region.Name), stageFetch)

	raws, source := o.source.Fetch(ctx, o.region)
	run.SourceUsed = source
	run.SightingsFound = len(raws)
	o.log(run.ID, models.LogLevelInfo, fmt.Sprintf("Fetched %d raw sightings from %s", len(raws), source), stageFetch)

	sightings, stats := o.Enrich(ctx, run.ID, raws)
	stats.Source = source
	run.SightingsSaved = stats.Saved
	run.Duplicates = stats.Duplicates
	run.Dropped = stats.DroppedTotal()

	if err := ctx.Err(); err != nil {
		run.Status = models.RunStatusFailed
		o.log(run.ID, models.LogLevelError, "Run cancelled before completion, snapshot not written", stageEnrich)
		return nil, stats, err
	}

	snap := &models.Snapshot{
		LastUpdated: o.clock.Now().UTC().Format(time.RFC3339),
		Sightings:   sightings,
	}

	if err := o.snapshots.Write(snap); err != nil {
		run.Status = models.RunStatusFailed
		run.ErrorsCount++
		o.log(run.ID, models.LogLevelError, fmt.Sprintf("Snapshot write failed: %v", err), stagePersist)
		return nil, stats, fmt.Errorf("write snapshot: %w", err)
	}
	o.metrics.SnapshotSightings.Set(float64(len(sightings)))
	o.metrics.LastSuccess.Set(float64(o.clock.Now().Unix()))
	o.log(run.ID, models.LogLevelInfo,
		fmt.Sprintf("Saved %d sightings to %s (%d duplicates, %d dropped)",
			stats.Saved, o.snapshots.Path(), stats.Duplicates, run.Dropped), stagePersist)

	if o.publisher != nil {
		if err := o.publisher.Publish(ctx, o.snapshots.Path(), snap); err != nil {
			run.ErrorsCount++
			o.log(run.ID, models.LogLevelWarn, fmt.Sprintf("Publish failed: %v", err), stagePublish)
		}
	}

	run.Status = models.RunStatusCompleted
	return snap, stats, nil
}

// Enrich turns raw sightings into snapshot records in source order. The first
// record for an identity key wins; later ones are skipped before any lookup.
func (o *Orchestrator) Enrich(ctx context.Context, runID string, raws []models.RawSighting) ([]models.EnrichedSighting, RunStats) {
	stats := RunStats{Fetched: len(raws), Dropped: make(map[string]int)}
	sightings := make([]models.EnrichedSighting, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	processed := 0

	for i := range raws {
		raw := &raws[i]

		key := identity.Key(raw)
		if seen[key] {
			stats.Duplicates++
			o.metrics.Duplicates.Inc()
			continue
		}

		if reason := validate(raw); reason != "" {
			o.drop(runID, &stats, raw, reason)
			continue
		}

		if processed > 0 && o.recordDelay > 0 {
			select {
			case <-ctx.Done():
				return sightings, stats
			case <-o.clock.After(o.recordDelay):
			}
		}
		if ctx.Err() != nil {
			return sightings, stats
		}
		processed++

		coords, ok := o.locate(ctx, raw)
		if !ok {
			o.drop(runID, &stats, raw, dropUnresolvedLocation)
			continue
		}

		sightings = append(sightings, models.EnrichedSighting{
			ID:             key,
			Species:        raw.Species,
			ScientificName: raw.ScientificName,
			Location: models.ResolvedLocation{
				Name: raw.Location,
				Lat:  coords.Lat,
				Lng:  coords.Lng,
			},
			Date:      raw.Date,
			Observer:  observerOrDefault(raw.Observer),
			Count:     countOrDefault(raw.Count),
			Reference: o.reference.Lookup(ctx, raw.Species),
		})
		seen[key] = true
		stats.Saved++
	}

	return sightings, stats
}

func (o *Orchestrator) locate(ctx context.Context, raw *models.RawSighting) (models.Coordinates, bool) {
	if raw.HasCoordinates() {
		return models.Coordinates{Lat: *raw.Lat, Lng: *raw.Lng}, true
	}
	query := raw.Location
	if o.region.Qualifier != "" {
		query = fmt.Sprintf("%s, %s", raw.Location, o.region.Qualifier)
	}
	return o.geocoder.Resolve(ctx, query)
}

func (o *Orchestrator) drop(runID string, stats *RunStats, raw *models.RawSighting, reason string) {
	stats.Dropped[reason]++
	o.metrics.RecordsDropped.WithLabelValues(reason).Inc()
	o.log(runID, models.LogLevelWarn,
		fmt.Sprintf("Dropped %q at %q: %s", raw.Species, raw.Location, reason), stageEnrich)
}

func (o *Orchestrator) log(runID string, level models.LogLevel, message, stage string) {
	entry := log.WithFields(log.Fields{"stage": stage, "run_id": runID})
	switch level {
	case models.LogLevelError:
		entry.Error(message)
	case models.LogLevelWarn:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
	if o.runs != nil && runID != "" {
		if err := o.runs.Log(runID, level, message, stage); err != nil {
			entry.WithError(err).Debug("Failed to record log line")
		}
	}
}

func validate(raw *models.RawSighting) string {
	switch {
	case raw.Species == "":
		return dropMissingSpecies
	case raw.Location == "":
		return dropMissingLocation
	}
	return ""
}

func observerOrDefault(observer string) string {
	if observer == "" {
		return models.AnonymousObserver
	}
	return observer
}

func countOrDefault(count int) int {
	if count <= 0 {
		return 1
	}
	return count
}
