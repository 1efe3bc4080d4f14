package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/exiftip"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	// Cache metrics
	cacheLookupsTotal        metric.Int64Counter
	cacheLoadsTotal          metric.Int64Counter
	cacheFlushesTotal        metric.Int64Counter
	cacheFlushDuration       metric.Float64Histogram
	cacheFlushSize           metric.Float64Histogram
	cacheEntries             metric.Int64Gauge
	cacheCleanupRemovedTotal metric.Int64Counter

	resolveTotal metric.Int64Counter

	// Preload metrics
	preloadBatchesTotal  metric.Int64Counter
	preloadBatchDuration metric.Float64Histogram
	preloadItemsTotal    metric.Int64Counter

	disclosureTransitionsTotal metric.Int64Counter
	sessionsActive             metric.Int64UpDownCounter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "exiftip"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instruments collects instrument construction errors so newMetrics reads
// as a flat list of declarations.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && in.err == nil {
		in.err = err
	}
	return c
}

func (in *instruments) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	if err != nil && in.err == nil {
		in.err = err
	}
	return h
}

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	fetchBuckets   = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	storeBuckets   = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets    = []float64{128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576, 4194304, 16777216}
)

func newMetrics(meter metric.Meter) (*Metrics, error) {
	in := &instruments{meter: meter}

	m := &Metrics{
		requestsTotal:           in.counter("exiftip_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:      in.counter("exiftip_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:         in.histogram("exiftip_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets...),
		requestsByEndpointTotal: in.counter("exiftip_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}"),

		upstreamFetchDuration:   in.histogram("exiftip_upstream_fetch_duration_seconds", "Duration of metadata fetch requests", "s", fetchBuckets...),
		upstreamFetchTotal:      in.counter("exiftip_upstream_fetch_total", "Total number of metadata fetch requests", "{request}"),
		upstreamFetchBytesTotal: in.counter("exiftip_upstream_fetch_bytes_total", "Total bytes fetched from metadata sources", "By"),
		backendRequestDuration:  in.histogram("exiftip_backend_request_duration_seconds", "Duration of durable store operations", "s", storeBuckets...),
		backendRequestsTotal:    in.counter("exiftip_backend_requests_total", "Total number of durable store operations", "{request}"),
		backendBytesTotal:       in.counter("exiftip_backend_bytes_total", "Total bytes transferred in durable store operations", "By"),

		cacheLookupsTotal:        in.counter("exiftip_cache_lookups_total", "Cache lookups by result", "{lookup}"),
		cacheLoadsTotal:          in.counter("exiftip_cache_loads_total", "Durable cache loads by outcome", "{load}"),
		cacheFlushesTotal:        in.counter("exiftip_cache_flushes_total", "Cache flushes to the durable store by outcome", "{flush}"),
		cacheFlushDuration:       in.histogram("exiftip_cache_flush_duration_seconds", "Duration of cache flushes", "s", storeBuckets...),
		cacheFlushSize:           in.histogram("exiftip_cache_flush_size_bytes", "Size of the serialized cache written per flush", "By", sizeBuckets...),
		cacheCleanupRemovedTotal: in.counter("exiftip_cache_cleanup_removed_total", "Expired entries removed by cleanup", "{entry}"),

		resolveTotal: in.counter("exiftip_resolve_total", "Display strings resolved by source", "{resolve}"),

		preloadBatchesTotal:  in.counter("exiftip_preload_batches_total", "Preload batches processed", "{batch}"),
		preloadBatchDuration: in.histogram("exiftip_preload_batch_duration_seconds", "Duration of preload batches", "s", latencyBuckets...),
		preloadItemsTotal:    in.counter("exiftip_preload_items_total", "Preload items by outcome", "{item}"),

		disclosureTransitionsTotal: in.counter("exiftip_disclosure_transitions_total", "Tooltip state transitions", "{transition}"),
	}
	if in.err != nil {
		return nil, in.err
	}

	entries, err := meter.Int64Gauge("exiftip_cache_entries",
		metric.WithDescription("Current entries in the in-memory cache mirror"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	m.cacheEntries = entries

	sessions, err := meter.Int64UpDownCounter("exiftip_sessions_active",
		metric.WithDescription("Open page sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}
	m.sessionsActive = sessions

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Surface and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	surface := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Surface != "" {
			surface = tags.Surface
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {surface, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("surface", surface),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("surface", surface),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records durable store operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records a metadata fetch request.
func RecordUpstreamFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordCacheLookup records a cache lookup.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordCacheLoad records the outcome of loading the durable cache at startup.
// outcome is one of "loaded", "empty", "version_mismatch", "corrupt" or "error".
func RecordCacheLoad(ctx context.Context, outcome string, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLoadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
}

// RecordCacheFlush records one flush of the mirror to the durable store.
func RecordCacheFlush(ctx context.Context, outcome string, entries int, size int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.cacheFlushesTotal.Add(ctx, 1, attrs)
	globalMetrics.cacheFlushDuration.Record(ctx, duration.Seconds(), attrs)
	if size > 0 {
		globalMetrics.cacheFlushSize.Record(ctx, float64(size))
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
}

// RecordCacheCleanup records one cleanup pass over the mirror.
func RecordCacheCleanup(ctx context.Context, removed, remaining int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheCleanupRemovedTotal.Add(ctx, int64(removed))
	globalMetrics.cacheEntries.Record(ctx, int64(remaining))
}

// RecordResolve records where a display string came from.
// source is "cache", "upstream" or "synthetic".
func RecordResolve(ctx context.Context, source string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.resolveTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordPreloadBatch records one processed batch and its item outcomes.
func RecordPreloadBatch(ctx context.Context, resolved, canceled int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.preloadBatchesTotal.Add(ctx, 1)
	globalMetrics.preloadBatchDuration.Record(ctx, duration.Seconds())
	if resolved > 0 {
		globalMetrics.preloadItemsTotal.Add(ctx, int64(resolved), metric.WithAttributes(attribute.String("outcome", "resolved")))
	}
	if canceled > 0 {
		globalMetrics.preloadItemsTotal.Add(ctx, int64(canceled), metric.WithAttributes(attribute.String("outcome", "canceled")))
	}
}

// RecordPreloadSkipped records an enqueue that was skipped.
// reason is "cached" or "seen".
func RecordPreloadSkipped(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.preloadItemsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", "skipped"),
		attribute.String("reason", reason),
	))
}

// RecordDisclosureTransition records a tooltip state change.
func RecordDisclosureTransition(ctx context.Context, from, to string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.disclosureTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordSession adjusts the open session count by delta.
func RecordSession(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sessionsActive.Add(ctx, delta)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
