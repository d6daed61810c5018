package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry owns the SDK meter and tracer providers of the process.
type Telemetry struct {
	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
}

type telemetryConfig struct {
	service    string
	version    string
	registerer prometheus.Registerer
	exporter   sdktrace.SpanExporter
	ratio      float64
}

// TelemetryOption configures [Setup].
type TelemetryOption func(*telemetryConfig)

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) TelemetryOption {
	return func(c *telemetryConfig) { c.version = v }
}

// WithRegisterer sends the metric collectors to reg instead of
// [prometheus.DefaultRegisterer].
func WithRegisterer(reg prometheus.Registerer) TelemetryOption {
	return func(c *telemetryConfig) { c.registerer = reg }
}

// WithSpanExporter batches finished spans to exp. Without one spans are
// sampled but dropped.
func WithSpanExporter(exp sdktrace.SpanExporter) TelemetryOption {
	return func(c *telemetryConfig) { c.exporter = exp }
}

// WithSampleRatio samples the given fraction of new traces. Child spans
// follow their parent. Values outside (0, 1) sample everything.
func WithSampleRatio(r float64) TelemetryOption {
	return func(c *telemetryConfig) { c.ratio = r }
}

// Setup builds the providers and installs them as the otel globals, so
// [DefaultMetrics] and [StartSpan] use them. Metrics are exposed through a
// Prometheus collector.
func Setup(ctx context.Context, opts ...TelemetryOption) (*Telemetry, error) {
	cfg := telemetryConfig{service: "micgraph", ratio: 1}
	for _, o := range opts {
		o(&cfg)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}
	mp, err := newMeterProvider(res, cfg.registerer)
	if err != nil {
		return nil, fmt.Errorf("observe: meter provider: %w", err)
	}
	tp := newTracerProvider(res, cfg)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	return &Telemetry{meters: mp, tracers: tp}, nil
}

// MeterProvider returns the SDK meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider { return t.meters }

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracers.Shutdown(ctx), t.meters.Shutdown(ctx))
}

func newResource(ctx context.Context, cfg telemetryConfig) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.service),
			semconv.ServiceVersion(cfg.version),
		),
	)
}

func newMeterProvider(res *resource.Resource, reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	var opts []promexporter.Option
	if reg != nil {
		opts = append(opts, promexporter.WithRegisterer(reg))
	}
	reader, err := promexporter.New(opts...)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

func newTracerProvider(res *resource.Resource, cfg telemetryConfig) *sdktrace.TracerProvider {
	sampler := sdktrace.AlwaysSample()
	if cfg.ratio > 0 && cfg.ratio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.ratio))
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.exporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}
