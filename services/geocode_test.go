package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rare_birds/config"
	"rare_birds/observability"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestResolver(client *http.Client, baseURL string, minInterval time.Duration) (*GeoResolver, *observability.Metrics) {
	metrics := observability.NewMetrics()
	cfg := config.GeocoderConfig{BaseURL: baseURL, UserAgent: "NYC-Rare-Birds-Map/1.0", MinInterval: minInterval}
	return NewGeoResolver(client, cfg, config.DefaultRegion(), metrics), metrics
}

func TestResolve_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "Jamaica Bay Wildlife Refuge, New York, NY", q.Get("q"))
		assert.Equal(t, "json", q.Get("format"))
		assert.Equal(t, "1", q.Get("limit"))
		assert.Equal(t, "1", q.Get("bounded"))
		assert.Equal(t, "-74.5,40.4,-73.5,41", q.Get("viewbox"))
		assert.Equal(t, "NYC-Rare-Birds-Map/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte(`[{"lat":"40.6170","lon":"-73.8250","display_name":"Jamaica Bay"}]`))
	}))
	defer srv.Close()

	g, metrics := newTestResolver(srv.Client(), srv.URL, 0)
	coords, ok := g.Resolve(context.Background(), "Jamaica Bay Wildlife Refuge, New York, NY")

	require.True(t, ok)
	assert.InDelta(t, 40.617, coords.Lat, 1e-9)
	assert.InDelta(t, -73.825, coords.Lng, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GeocodeRequests.WithLabelValues("success")))
}

func TestResolve_NotFound(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome string
	}{
		{"empty result", http.StatusOK, `[]`, "not_found"},
		{"server error", http.StatusInternalServerError, `oops`, "error"},
		{"bad json", http.StatusOK, `{"lat":`, "error"},
		{"bad coordinates", http.StatusOK, `[{"lat":"north","lon":"-73.9"}]`, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g, metrics := newTestResolver(srv.Client(), srv.URL, 0)
			_, ok := g.Resolve(context.Background(), "Nowhere")

			assert.False(t, ok)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GeocodeRequests.WithLabelValues(tt.outcome)))
		})
	}
}

func TestResolve_TransportError(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})}
	g, _ := newTestResolver(client, "http://nominatim.invalid", 0)

	_, ok := g.Resolve(context.Background(), "Central Park")
	assert.False(t, ok)
}

func TestResolve_MemoizesSuccess(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`[{"lat":"40.785","lon":"-73.968"}]`))
	}))
	defer srv.Close()

	g, metrics := newTestResolver(srv.Client(), srv.URL, 0)
	a, okA := g.Resolve(context.Background(), "Central Park, New York, NY")
	b, okB := g.Resolve(context.Background(), "Central Park, New York, NY")

	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GeocodeCache.WithLabelValues("hit")))
}

func TestResolve_SpacesCallStartsRegardlessOfOutcome(t *testing.T) {
	const interval = 80 * time.Millisecond

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		n := len(starts)
		mu.Unlock()

		switch n % 3 {
		case 1:
			return nil, errors.New("connection reset")
		case 2:
			return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}, nil
		default:
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`[{"lat":"40.7","lon":"-73.9"}]`)), Header: http.Header{}}, nil
		}
	})}
	g, _ := newTestResolver(client, "http://nominatim.invalid", interval)

	for _, addr := range []string{"A", "B", "C", "D"} {
		g.Resolve(context.Background(), addr)
	}

	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, interval-5*time.Millisecond, "gap %d was %s", i, gap)
	}
}

func TestResolve_CanceledContext(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})}
	g, _ := newTestResolver(client, "http://nominatim.invalid", time.Hour)

	// Burn the single token so the next call has to wait.
	g.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := g.Resolve(ctx, "Prospect Park")
	assert.False(t, ok)
}
