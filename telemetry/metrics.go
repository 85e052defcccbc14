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
	meterName = "github.com/wolfeidau/offline-cache"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

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

	fetchTotal              metric.Int64Counter
	refreshTotal            metric.Int64Counter
	networkFetchDuration   metric.Float64Histogram
	networkFetchTotal      metric.Int64Counter
	networkFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	// Cache generation lifecycle
	installAssetsTotal      metric.Int64Counter
	generationsDeletedTotal metric.Int64Counter

	// Offline write queue
	queueDepth       metric.Int64Gauge
	replayTotal      metric.Int64Counter
	drainDuration    metric.Float64Histogram
	syncSignalsTotal metric.Int64Counter

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
		cfg.ServiceName = "offline-cache"
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

// newMetrics creates every instrument on the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.requestsTotal, "offline_cache_http_requests_total", "Total number of HTTP requests", "{request}"},
		{&m.responseBytesTotal, "offline_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"},
		{&m.requestsByEndpointTotal, "offline_cache_http_requests_by_endpoint_total", "HTTP requests by endpoint", "{request}"},
		{&m.fetchTotal, "offline_cache_fetch_total", "Fetch decisions by asset class and outcome", "{fetch}"},
		{&m.refreshTotal, "offline_cache_refresh_total", "Background cache refreshes by outcome", "{refresh}"},
		{&m.networkFetchTotal, "offline_cache_network_fetch_total", "Total network fetches", "{request}"},
		{&m.networkFetchBytesTotal, "offline_cache_network_fetch_bytes_total", "Total bytes read from the network", "By"},
		{&m.backendRequestsTotal, "offline_cache_backend_requests_total", "Total storage backend operations", "{op}"},
		{&m.backendBytesTotal, "offline_cache_backend_bytes_total", "Total bytes moved through the storage backend", "By"},
		{&m.installAssetsTotal, "offline_cache_install_assets_total", "Assets fetched during install by requirement and outcome", "{asset}"},
		{&m.generationsDeletedTotal, "offline_cache_generations_deleted_total", "Cache generations removed on activation", "{generation}"},
		{&m.replayTotal, "offline_cache_queue_replays_total", "Queued write replays by kind and outcome", "{write}"},
		{&m.syncSignalsTotal, "offline_cache_sync_signals_total", "Sync messages exchanged between controller and sessions", "{message}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.requestDuration, "offline_cache_http_request_duration_seconds", "HTTP request duration in seconds"},
		{&m.networkFetchDuration, "offline_cache_network_fetch_duration_seconds", "Network fetch duration in seconds"},
		{&m.backendRequestDuration, "offline_cache_backend_request_duration_seconds", "Storage backend operation duration in seconds"},
		{&m.drainDuration, "offline_cache_queue_drain_duration_seconds", "Duration of queue drain cycles"},
	}
	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...),
		)
		if err != nil {
			return nil, err
		}
	}

	m.queueDepth, err = meter.Int64Gauge(
		"offline_cache_queue_depth",
		metric.WithDescription("Writes waiting in the offline queue"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}

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
// Asset class and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	class := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Class != "" {
			class = tags.Class
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {class, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("class", class),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("class", class),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordFetch records one fetch decision made by the cache controller.
func RecordFetch(ctx context.Context, class string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fetchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("cache_result", string(result)),
	))
}

// RecordRefresh records the outcome of a background cache refresh.
// outcome is "stored", "skipped" or "error".
func RecordRefresh(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.refreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBackendOp records backend operation metrics.
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

// RecordNetworkFetch records a network fetch.
func RecordNetworkFetch(ctx context.Context, class string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	}
	globalMetrics.networkFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.networkFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.networkFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordInstallAsset records one asset fetched while installing a generation.
// requirement is "required" or "optional".
func RecordInstallAsset(ctx context.Context, requirement, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.installAssetsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("requirement", requirement),
		attribute.String("outcome", outcome),
	))
}

// RecordGenerationsDeleted records stale generations removed by activation.
func RecordGenerationsDeleted(ctx context.Context, n int) {
	if globalMetrics == nil || n == 0 {
		return
	}
	globalMetrics.generationsDeletedTotal.Add(ctx, int64(n))
}

// RecordQueueDepth updates the offline queue depth gauge.
func RecordQueueDepth(ctx context.Context, session string, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("session", session)))
}

// RecordReplay records the outcome of replaying one queued write.
// outcome is "committed" or "failed".
func RecordReplay(ctx context.Context, kind, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.replayTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordDrain records the duration of one queue drain cycle.
func RecordDrain(ctx context.Context, duration time.Duration, halted bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.drainDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("halted", halted)))
}

// RecordSyncSignal records a sync message crossing the controller/session channel.
func RecordSyncSignal(ctx context.Context, messageType string, delivered int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncSignalsTotal.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("type", messageType)))
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
