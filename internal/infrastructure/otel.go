package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"keybroker/internal/config"
)

const (
	ServiceName    = config.AppName
	ServiceVersion = config.AppVersion
	MeterName      = "keybroker"
)

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string // "stdout", "none"
	MetricExporter string // "prometheus", "none"
	SampleRatio    float64
}

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// OTelConfigFrom maps the telemetry config section onto an OTelConfig
func OTelConfigFrom(cfg config.TelemetryConfig) *OTelConfig {
	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    cfg.Environment,
		TraceExporter:  cfg.TraceExporter,
		MetricExporter: cfg.MetricExporter,
		SampleRatio:    cfg.SampleRatio,
	}
}

// InitializeOTel initializes tracing and metrics. Exporters set to "none"
// leave the global no-op providers in place, so Tracer and Meter are always
// usable.
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = OTelConfigFrom(config.Default().Telemetry)
	}
	if logger == nil {
		logger = GetLogger()
	}

	ctx := context.Background()

	logger.InfoContext(ctx, "Initializing OpenTelemetry",
		slog.String("service", cfg.ServiceName),
		slog.String("version", cfg.ServiceVersion),
		slog.String("environment", cfg.Environment),
		slog.String("trace_exporter", cfg.TraceExporter),
		slog.String("metric_exporter", cfg.MetricExporter))

	res := createResource(cfg)

	providers := &OTelProviders{
		Logger: logger,
		Tracer: otel.Tracer(MeterName),
		Meter:  otel.Meter(MeterName),
	}

	if err := initializeTracing(ctx, cfg, res, providers); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := initializeMetrics(ctx, cfg, res, providers); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return providers, nil
}

func createResource(cfg *OTelConfig) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.instance.id", generateInstanceID()),
	)
}

func initializeTracing(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		return nil
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)

	providers.TracerProvider = tp
	providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	otel.SetTracerProvider(tp)

	providers.Logger.InfoContext(ctx, "Tracing initialized",
		slog.String("exporter", cfg.TraceExporter),
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return nil
}

func initializeMetrics(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		providers.PrometheusHTTP = promhttp.Handler()

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		providers.MeterProvider = mp
		providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
		otel.SetMeterProvider(mp)
	case "none", "":
		return nil
	default:
		return fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}

	providers.Logger.InfoContext(ctx, "Metrics initialized",
		slog.String("exporter", cfg.MetricExporter))

	return nil
}

// Shutdown flushes and stops the providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("opentelemetry shutdown errors: %v", errs)
	}

	p.Logger.InfoContext(ctx, "OpenTelemetry shutdown complete")
	return nil
}

// BrokerMetrics holds the key broker's instruments
type BrokerMetrics struct {
	KeyRequestsTotal    metric.Int64Counter
	KeyRequestDuration  metric.Float64Histogram
	KeyRequestFailures  metric.Int64Counter
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	KeysPersisted       metric.Int64Counter
	ExchangeDuration    metric.Float64Histogram
	ActiveSessions      metric.Int64UpDownCounter
	QueuedRequests      metric.Int64UpDownCounter
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
}

// NewBrokerMetrics creates the broker instruments on meter
func NewBrokerMetrics(meter metric.Meter) (*BrokerMetrics, error) {
	m := &BrokerMetrics{}
	var err error

	if m.KeyRequestsTotal, err = meter.Int64Counter(
		"key_requests_total",
		metric.WithDescription("Total number of key requests accepted"),
	); err != nil {
		return nil, fmt.Errorf("failed to create key requests counter: %w", err)
	}

	if m.KeyRequestDuration, err = meter.Float64Histogram(
		"key_request_duration_seconds",
		metric.WithDescription("Time from acceptance to completion of a key request"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create key request duration histogram: %w", err)
	}

	if m.KeyRequestFailures, err = meter.Int64Counter(
		"key_request_failures_total",
		metric.WithDescription("Total number of failed key requests by kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create key request failures counter: %w", err)
	}

	if m.CacheHits, err = meter.Int64Counter(
		"key_cache_hits_total",
		metric.WithDescription("Total number of key requests served from the store"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	if m.CacheMisses, err = meter.Int64Counter(
		"key_cache_misses_total",
		metric.WithDescription("Total number of key requests that required an exchange"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	if m.KeysPersisted, err = meter.Int64Counter(
		"keys_persisted_total",
		metric.WithDescription("Total number of keys written to the store"),
	); err != nil {
		return nil, fmt.Errorf("failed to create keys persisted counter: %w", err)
	}

	if m.ExchangeDuration, err = meter.Float64Histogram(
		"key_server_call_duration_seconds",
		metric.WithDescription("Duration of certificate and license calls"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create exchange duration histogram: %w", err)
	}

	if m.ActiveSessions, err = meter.Int64UpDownCounter(
		"asset_sessions_active",
		metric.WithDescription("Number of open asset sessions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active sessions counter: %w", err)
	}

	if m.QueuedRequests, err = meter.Int64UpDownCounter(
		"key_requests_queued",
		metric.WithDescription("Number of key requests waiting on a session queue"),
	); err != nil {
		return nil, fmt.Errorf("failed to create queued requests counter: %w", err)
	}

	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

// RecordKeyRequest records the outcome of one key request. kind is empty on
// success.
func (m *BrokerMetrics) RecordKeyRequest(ctx context.Context, requestKind string, cacheHit bool, duration time.Duration, failureKind string) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("request.kind", requestKind)}
	m.KeyRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	status := "success"
	if failureKind != "" {
		status = "failure"
		m.KeyRequestFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("request.kind", requestKind),
			attribute.String("error.kind", failureKind)))
	}
	m.KeyRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("request.kind", requestKind),
		attribute.String("status", status),
		attribute.Bool("cache_hit", cacheHit)))
}

// RecordCacheLookup counts a cache hit or miss
func (m *BrokerMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
	} else {
		m.CacheMisses.Add(ctx, 1)
	}
}

// RecordKeyPersisted counts a key written to the store
func (m *BrokerMetrics) RecordKeyPersisted(ctx context.Context) {
	if m == nil {
		return
	}
	m.KeysPersisted.Add(ctx, 1)
}

// RecordServerCall records the duration of a certificate or license call
func (m *BrokerMetrics) RecordServerCall(ctx context.Context, endpoint string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ExchangeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("success", err == nil)))
}

// RecordSessionChange adjusts the open session gauge
func (m *BrokerMetrics) RecordSessionChange(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

// RecordQueueChange adjusts the queued request gauge
func (m *BrokerMetrics) RecordQueueChange(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.QueuedRequests.Add(ctx, delta)
}

// RecordHTTPRequest records one admin HTTP request
func (m *BrokerMetrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status))
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// TraceIDFromContext extracts the span trace ID for log correlation
func TraceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error, options ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err, options...)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
