package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs the full instrument set backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/tooltip?id=photo.jpg", nil)
	r = InjectTags(r)
	SetSurface(r, "tooltip")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "exiftip_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "surface", "tooltip"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "exiftip_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "exiftip_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/tooltip?id=a.jpg", nil)
	r = InjectTags(r)
	SetSurface(r, "tooltip")
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "resolve")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "exiftip_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "resolve"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "exiftip_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "surface", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))

	require.Empty(t, findCounter(rm, "exiftip_http_requests_by_endpoint_total"))
}

func TestRecordCacheMetrics(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, CacheHit)
	RecordCacheLookup(ctx, CacheHit)
	RecordCacheLookup(ctx, CacheExpired)
	RecordCacheLoad(ctx, "version_mismatch", 0)
	RecordCacheFlush(ctx, "success", 3, 512, 2*time.Millisecond)
	RecordCacheCleanup(ctx, 2, 1)

	rm := collectMetrics(t, reader)

	lookups := findCounter(rm, "exiftip_cache_lookups_total")
	require.Len(t, lookups, 2)
	for _, dp := range lookups {
		if hasAttr(dp.Attributes, "result", "hit") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "result", "expired"))
			require.EqualValues(t, 1, dp.Value)
		}
	}

	loads := findCounter(rm, "exiftip_cache_loads_total")
	require.Len(t, loads, 1)
	require.True(t, hasAttr(loads[0].Attributes, "outcome", "version_mismatch"))

	flushes := findCounter(rm, "exiftip_cache_flushes_total")
	require.Len(t, flushes, 1)
	require.Len(t, findHistogram(rm, "exiftip_cache_flush_size_bytes"), 1)

	removed := findCounter(rm, "exiftip_cache_cleanup_removed_total")
	require.Len(t, removed, 1)
	require.EqualValues(t, 2, removed[0].Value)

	entries := findGauge(rm, "exiftip_cache_entries")
	require.Len(t, entries, 1)
	require.EqualValues(t, 1, entries[0].Value)
}

func TestRecordPreloadBatch(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordPreloadBatch(context.Background(), 2, 0, 10*time.Millisecond)
	RecordPreloadSkipped(context.Background(), "cached")

	rm := collectMetrics(t, reader)

	batches := findCounter(rm, "exiftip_preload_batches_total")
	require.Len(t, batches, 1)
	require.EqualValues(t, 1, batches[0].Value)

	items := findCounter(rm, "exiftip_preload_items_total")
	require.Len(t, items, 2, "zero outcomes are not recorded")
	for _, dp := range items {
		if hasAttr(dp.Attributes, "outcome", "skipped") {
			require.True(t, hasAttr(dp.Attributes, "reason", "cached"))
		}
	}
}

func TestRecordResolveAndTransitions(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordResolve(ctx, "synthetic")
	RecordDisclosureTransition(ctx, "hidden", "loading")
	RecordSession(ctx, 1)
	RecordSession(ctx, 1)
	RecordSession(ctx, -1)

	rm := collectMetrics(t, reader)

	resolves := findCounter(rm, "exiftip_resolve_total")
	require.Len(t, resolves, 1)
	require.True(t, hasAttr(resolves[0].Attributes, "source", "synthetic"))

	transitions := findCounter(rm, "exiftip_disclosure_transitions_total")
	require.Len(t, transitions, 1)
	require.True(t, hasAttr(transitions[0].Attributes, "from", "hidden"))
	require.True(t, hasAttr(transitions[0].Attributes, "to", "loading"))

	sessions := findCounter(rm, "exiftip_sessions_active")
	require.Len(t, sessions, 1)
	require.EqualValues(t, 1, sessions[0].Value)
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// None of these may panic before InitMetrics
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "bolt", "read", "success", time.Millisecond, 10)
	RecordCacheLookup(ctx, CacheMiss)
	RecordCacheLoad(ctx, "empty", 0)
	RecordCacheFlush(ctx, "success", 0, 0, 0)
	RecordCacheCleanup(ctx, 0, 0)
	RecordResolve(ctx, "cache")
	RecordPreloadBatch(ctx, 0, 0, 0)
	RecordPreloadSkipped(ctx, "seen")
	RecordDisclosureTransition(ctx, "hidden", "visible")
	RecordSession(ctx, 1)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{299, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
