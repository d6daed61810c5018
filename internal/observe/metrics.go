// Package observe provides application-wide observability primitives for
// micgraph: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup]
// installs a meter provider backed by a Prometheus collector so that metrics
// can be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Nothing in this package is called from the real-time capture context.
// Per-tick counters live in atomics owned by the session and are read by
// observable instruments at collection time (see [Metrics.ObserveCapture]).
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all micgraph metrics.
const meterName = "github.com/MrWong99/micgraph"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// ToggleDuration tracks how long a session start or stop took. Use with
	// attributes:
	//   attribute.String("direction", "start"|"stop"), attribute.String("status", ...)
	ToggleDuration metric.Float64Histogram

	// TickDuration tracks graph processing time per tick, sampled by the
	// session reporter from its latency window.
	TickDuration metric.Float64Histogram

	// --- Counters ---

	// SessionTransitions counts controller state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	SessionTransitions metric.Int64Counter

	// CallbackFailures counts contained worklet faults. Use with attribute:
	//   attribute.String("context", ...)
	CallbackFailures metric.Int64Counter

	// NodeErrors counts graph node failures. Use with attribute:
	//   attribute.String("node", ...)
	NodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running capture sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- Observable counters (see ObserveCapture) ---

	ticks          metric.Int64ObservableCounter
	deadlineMisses metric.Int64ObservableCounter
	overruns       metric.Int64ObservableCounter
	dropped        metric.Int64ObservableCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for control
// operations such as permission prompts and device start-up.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// tickBuckets defines histogram bucket boundaries (in seconds) around typical
// buffer periods (2.7 ms at 128 frames up to 85 ms at 4096 frames, 48 kHz).
var tickBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02133, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.ToggleDuration, err = m.Float64Histogram("micgraph.session.toggle.duration",
		metric.WithDescription("Latency of session start and stop, including the permission request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TickDuration, err = m.Float64Histogram("micgraph.graph.tick.duration",
		metric.WithDescription("Graph processing time per tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionTransitions, err = m.Int64Counter("micgraph.session.transitions",
		metric.WithDescription("Total session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.CallbackFailures, err = m.Int64Counter("micgraph.worklet.callback_failures",
		metric.WithDescription("Total contained worklet callback faults by execution context."),
	); err != nil {
		return nil, err
	}
	if met.NodeErrors, err = m.Int64Counter("micgraph.graph.node_errors",
		metric.WithDescription("Total graph node failures by node name."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("micgraph.active_sessions",
		metric.WithDescription("Number of running capture sessions."),
	); err != nil {
		return nil, err
	}

	// Observable counters.
	if met.ticks, err = m.Int64ObservableCounter("micgraph.capture.ticks",
		metric.WithDescription("Total buffers delivered by the capture device."),
	); err != nil {
		return nil, err
	}
	if met.deadlineMisses, err = m.Int64ObservableCounter("micgraph.capture.deadline_misses",
		metric.WithDescription("Total ticks whose processing exceeded the buffer period."),
	); err != nil {
		return nil, err
	}
	if met.overruns, err = m.Int64ObservableCounter("micgraph.capture.overruns",
		metric.WithDescription("Total driver callbacks rejected because the previous tick was still running."),
	); err != nil {
		return nil, err
	}
	if met.dropped, err = m.Int64ObservableCounter("micgraph.capture.dropped",
		metric.WithDescription("Total buffers dropped while the device was stopping."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("micgraph.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// CaptureCounters is a snapshot of the lifetime capture counters. Values
// must never decrease between snapshots.
type CaptureCounters struct {
	Ticks          uint64
	DeadlineMisses uint64
	Overruns       uint64
	Dropped        uint64
}

// ObserveCapture registers source to be read on every metric collection.
// Unregister the returned registration when source goes away.
func (m *Metrics) ObserveCapture(source func() CaptureCounters) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		c := source()
		o.ObserveInt64(m.ticks, int64(c.Ticks))
		o.ObserveInt64(m.deadlineMisses, int64(c.DeadlineMisses))
		o.ObserveInt64(m.overruns, int64(c.Overruns))
		o.ObserveInt64(m.dropped, int64(c.Dropped))
		return nil
	}, m.ticks, m.deadlineMisses, m.overruns, m.dropped)
}

// RecordToggle records the duration of a session start or stop.
func (m *Metrics) RecordToggle(ctx context.Context, direction, status string, seconds float64) {
	m.ToggleDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("status", status),
		),
	)
}

// RecordTransition records a controller state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordCallbackFailure records a contained worklet fault.
func (m *Metrics) RecordCallbackFailure(ctx context.Context, execContext string) {
	m.CallbackFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("context", execContext)),
	)
}

// RecordNodeError records a graph node failure.
func (m *Metrics) RecordNodeError(ctx context.Context, node string) {
	m.NodeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("node", node)),
	)
}

// Add returns the field-wise sum of c and o.
func (c CaptureCounters) Add(o CaptureCounters) CaptureCounters {
	return CaptureCounters{
		Ticks:          c.Ticks + o.Ticks,
		DeadlineMisses: c.DeadlineMisses + o.DeadlineMisses,
		Overruns:       c.Overruns + o.Overruns,
		Dropped:        c.Dropped + o.Dropped,
	}
}
