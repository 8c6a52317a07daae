package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rare_birds"

// Metrics holds the counters and gauges for one scraper process. Each
// instance owns a private registry so the batch job can dump it to a
// node-exporter textfile and tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	SightingsFetched *prometheus.CounterVec // labels: source={scrape,api}
	SourceFailures   *prometheus.CounterVec // labels: source={scrape,api}
	RecordsDropped   *prometheus.CounterVec // labels: reason
	Duplicates       prometheus.Counter

	GeocodeRequests *prometheus.CounterVec // labels: outcome={success,not_found,error}
	GeocodeCache    *prometheus.CounterVec // labels: result={hit,miss}
	ReferenceLookup *prometheus.CounterVec // labels: outcome={success,cached,degraded}
	ImageCache      *prometheus.CounterVec // labels: result={hit,downloaded,failed}

	SnapshotSightings prometheus.Gauge
	LastSuccess       prometheus.Gauge
	RunDuration       prometheus.Histogram
	RunsTotal         *prometheus.CounterVec // labels: status={completed,failed}
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SightingsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sightings_fetched_total",
			Help:      "Raw sightings returned by each source strategy.",
		}, []string{"source"}),
		SourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Source strategy attempts that errored or came back empty.",
		}, []string{"source"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Sightings discarded during extraction or enrichment, by reason.",
		}, []string{"reason"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Sightings skipped because their identity key was already accepted.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Nominatim requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocode memo lookups by result.",
		}, []string{"result"}),
		ReferenceLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_lookups_total",
			Help:      "Wikipedia summary lookups by outcome.",
		}, []string{"outcome"}),
		ImageCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_cache_total",
			Help:      "Image cache requests by result.",
		}, []string{"result"}),
		SnapshotSightings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_sightings",
			Help:      "Sightings in the last written snapshot.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last snapshot written.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete fetch-enrich-write run.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
	}

	m.Registry.MustRegister(
		m.SightingsFetched,
		m.SourceFailures,
		m.RecordsDropped,
		m.Duplicates,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.ReferenceLookup,
		m.ImageCache,
		m.SnapshotSightings,
		m.LastSuccess,
		m.RunDuration,
		m.RunsTotal,
	)

	return m
}

// WriteTextfile dumps the registry in the node-exporter textfile format. An
// empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
