package scraper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rare_birds/config"
	"rare_birds/models"
	"rare_birds/observability"
	"rare_birds/storage"
)

type stubSource struct {
	sightings []models.RawSighting
	kind      models.SourceKind
}

func (s *stubSource) Fetch(context.Context, config.Region) ([]models.RawSighting, models.SourceKind) {
	return s.sightings, s.kind
}

type stubGeocoder struct {
	mu      sync.Mutex
	queries []string
	results map[string]models.Coordinates
}

func (g *stubGeocoder) Resolve(_ context.Context, address string) (models.Coordinates, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, address)
	c, ok := g.results[address]
	return c, ok
}

type stubReference struct {
	lookups []string
}

func (r *stubReference) Lookup(_ context.Context, species string) models.ReferenceInfo {
	r.lookups = append(r.lookups, species)
	return models.ReferenceInfo{Summary: species + " summary.", ImageRef: "assets/images/placeholder-bird.svg"}
}

type memorySnapshots struct {
	written []*models.Snapshot
	err     error
}

func (m *memorySnapshots) Write(snap *models.Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.written = append(m.written, snap)
	return nil
}

func (m *memorySnapshots) Path() string { return "data/birds.json" }

type stubPublisher struct {
	calls int
	err   error
}

func (p *stubPublisher) Publish(context.Context, string, *models.Snapshot) error {
	p.calls++
	return p.err
}

func testConfig() *config.Config {
	return &config.Config{Region: config.DefaultRegion()}
}

func floatPtr(f float64) *float64 { return &f }

type pipelineFixture struct {
	geocoder  *stubGeocoder
	reference *stubReference
	snapshots *memorySnapshots
	clock     *clockwork.FakeClock
	metrics   *observability.Metrics
}

func newPipeline(t *testing.T, cfg *config.Config, raws []models.RawSighting, opts ...Option) (*Orchestrator, *pipelineFixture) {
	t.Helper()
	f := &pipelineFixture{
		geocoder:  &stubGeocoder{results: map[string]models.Coordinates{}},
		reference: &stubReference{},
		snapshots: &memorySnapshots{},
		clock:     clockwork.NewFakeClockAt(time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)),
		metrics:   observability.NewMetrics(),
	}
	source := &stubSource{sightings: raws, kind: models.SourceAPI}
	opts = append([]Option{WithClock(f.clock)}, opts...)
	o := NewOrchestrator(cfg, source, f.geocoder, f.reference, f.snapshots, f.metrics, opts...)
	return o, f
}

func TestRun_CoordinatesPresentSkipsGeocoder(t *testing.T) {
	raw := models.RawSighting{
		Species:  "Snowy Owl",
		Location: "Central Park",
		Lat:      floatPtr(40.785),
		Lng:      floatPtr(-73.968),
		Date:     "2024-01-05 14:30",
	}
	o, f := newPipeline(t, testConfig(), []models.RawSighting{raw})

	snap, stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.geocoder.queries)
	require.Len(t, snap.Sightings, 1)
	got := snap.Sightings[0]
	assert.Equal(t, models.ResolvedLocation{Name: "Central Park", Lat: 40.785, Lng: -73.968}, got.Location)
	assert.Equal(t, "Snowy_Owl_Central_Park_20240105_1430", got.ID)
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, "Anonymous", got.Observer)
	assert.Equal(t, "Snowy Owl summary.", got.Reference.Summary)
	assert.Equal(t, "2024-01-06T12:00:00Z", snap.LastUpdated)
	assert.Equal(t, models.SourceAPI, stats.Source)
	require.Len(t, f.snapshots.written, 1)
}

func TestRun_UnresolvedLocationIsDropped(t *testing.T) {
	raws := []models.RawSighting{
		{Species: "Ivory Gull", Location: "Jamaica Bay Wildlife Refuge", Date: "2024-01-05 10:00"},
		{Species: "Razorbill", Location: "Fort Tilden", Date: "2024-01-05 11:00"},
	}
	o, f := newPipeline(t, testConfig(), raws)
	f.geocoder.results["Fort Tilden, New York, NY"] = models.Coordinates{Lat: 40.56, Lng: -73.88}

	snap, stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Jamaica Bay Wildlife Refuge, New York, NY",
		"Fort Tilden, New York, NY",
	}, f.geocoder.queries)
	require.Len(t, snap.Sightings, 1)
	assert.Equal(t, "Razorbill", snap.Sightings[0].Species)
	assert.Equal(t, 40.56, snap.Sightings[0].Location.Lat)
	assert.Equal(t, 1, stats.Dropped[dropUnresolvedLocation])
	assert.Equal(t, 1, stats.Saved)
	assert.Equal(t, []string{"Razorbill"}, f.reference.lookups, "dropped records never reach the reference lookup")
}

func TestRun_FirstDuplicateWins(t *testing.T) {
	first := models.RawSighting{
		Species: "Snowy Owl", SpeciesCode: "snoowl1", SubmissionID: "S1",
		Location: "Central Park", Lat: floatPtr(40.785), Lng: floatPtr(-73.968), Observer: "First",
	}
	other := models.RawSighting{
		Species: "Bald Eagle", Location: "Inwood Hill Park",
		Lat: floatPtr(40.87), Lng: floatPtr(-73.92), Date: "2024-01-06 09:12",
	}
	dup := first
	dup.Observer = "Second"
	dup.Location = "Central Park (The Ramble)"

	o, f := newPipeline(t, testConfig(), []models.RawSighting{first, other, dup, dup})

	snap, stats, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Sightings, 2)
	assert.Equal(t, "S1_snoowl1", snap.Sightings[0].ID)
	assert.Equal(t, "First", snap.Sightings[0].Observer)
	assert.Equal(t, "Bald Eagle", snap.Sightings[1].Species)
	assert.Equal(t, 2, stats.Duplicates)
	assert.Equal(t, []string{"Snowy Owl", "Bald Eagle"}, f.reference.lookups)
}

func TestRun_InvalidRecordsDropped(t *testing.T) {
	raws := []models.RawSighting{
		{Location: "Central Park", Lat: floatPtr(40.7), Lng: floatPtr(-73.9)},
		{Species: "Snowy Owl", Lat: floatPtr(40.7), Lng: floatPtr(-73.9)},
	}
	o, _ := newPipeline(t, testConfig(), raws)

	snap, stats, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Sightings)
	assert.Equal(t, 1, stats.Dropped[dropMissingSpecies])
	assert.Equal(t, 1, stats.Dropped[dropMissingLocation])
}

func TestRun_EmptySourceStillWritesSnapshot(t *testing.T) {
	o, f := newPipeline(t, testConfig(), nil)

	snap, _, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.snapshots.written, 1)
	assert.NotNil(t, snap.Sightings)
	assert.Empty(t, snap.Sightings)
}

func TestRun_SnapshotWriteFailureIsHard(t *testing.T) {
	pub := &stubPublisher{}
	o, f := newPipeline(t, testConfig(), []models.RawSighting{rawOwl()}, WithPublisher(pub))
	f.snapshots.err = errors.New("read-only file system")

	_, _, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, pub.calls)
}

func TestRun_PublishFailureIsSoft(t *testing.T) {
	pub := &stubPublisher{err: errors.New("bucket missing")}
	o, _ := newPipeline(t, testConfig(), []models.RawSighting{rawOwl()}, WithPublisher(pub))

	snap, _, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Sightings, 1)
	assert.Equal(t, 1, pub.calls)
}

func TestRun_RecordsRunHistory(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "scraper.db"))
	require.NoError(t, err)
	defer store.Close()

	raws := []models.RawSighting{rawOwl(), rawOwl(), {Species: "Ivory Gull", Location: "Nowhere"}}
	o, _ := newPipeline(t, testConfig(), raws, WithRunRecorder(store))

	_, _, err = o.Run(context.Background())
	require.NoError(t, err)

	runs, err := store.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, models.SourceAPI, run.SourceUsed)
	assert.Equal(t, 3, run.SightingsFound)
	assert.Equal(t, 1, run.SightingsSaved)
	assert.Equal(t, 1, run.Duplicates)
	assert.Equal(t, 1, run.Dropped)

	logs, err := store.GetLogs(run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestEnrich_WaitsBetweenRecords(t *testing.T) {
	cfg := testConfig()
	cfg.Scraper.RecordDelay = 300 * time.Millisecond
	second := rawOwl()
	second.Species = "Bald Eagle"

	o, f := newPipeline(t, cfg, nil)

	done := make(chan []models.EnrichedSighting)
	go func() {
		sightings, _ := o.Enrich(context.Background(), "", []models.RawSighting{rawOwl(), second})
		done <- sightings
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	select {
	case <-done:
		t.Fatal("second record processed before the delay elapsed")
	default:
	}
	f.clock.Advance(300 * time.Millisecond)

	select {
	case sightings := <-done:
		assert.Len(t, sightings, 2)
	case <-ctx.Done():
		t.Fatal("pipeline did not resume after the delay")
	}
}

func TestEnrich_CancelledStopsEarly(t *testing.T) {
	cfg := testConfig()
	cfg.Scraper.RecordDelay = time.Hour
	o, _ := newPipeline(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sightings, _ := o.Enrich(ctx, "", []models.RawSighting{rawOwl()})
	assert.Empty(t, sightings)
}
