package observe

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
)

// setupIsolated runs Setup against a private registry and restores the
// global providers afterwards. Tests calling it must not run in parallel.
func setupIsolated(t *testing.T, opts ...TelemetryOption) (*Telemetry, *prometheus.Registry) {
	t.Helper()
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	reg := prometheus.NewRegistry()
	tel, err := Setup(context.Background(), append(opts, WithRegisterer(reg))...)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
		_ = tel.Shutdown(context.Background())
	})
	return tel, reg
}

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestSetup_ExportsToRegisterer(t *testing.T) {
	tel, reg := setupIsolated(t, WithServiceVersion("1.2.3"))

	m, err := NewMetrics(tel.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordNodeError(context.Background(), "graph")
	m.RecordNodeError(context.Background(), "graph")

	mf := family(t, reg, "micgraph_graph_node_errors_total")
	if mf == nil {
		t.Fatal("node error counter missing from the registry")
	}
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("counter = %v, want 2", got)
	}

	info := family(t, reg, "target_info")
	if info == nil {
		t.Fatal("target_info missing")
	}
	labels := map[string]string{}
	for _, l := range info.GetMetric()[0].GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	if labels["service_name"] != "micgraph" || labels["service_version"] != "1.2.3" {
		t.Errorf("resource labels = %v", labels)
	}
}

func TestSetup_SampleRatio(t *testing.T) {
	tests := []struct {
		name        string
		opts        []TelemetryOption
		wantSampled bool
	}{
		{name: "default samples everything", wantSampled: true},
		{name: "ratio above range samples everything", opts: []TelemetryOption{WithSampleRatio(2)}, wantSampled: true},
		{name: "tiny ratio drops root spans", opts: []TelemetryOption{WithSampleRatio(1e-12)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupIsolated(t, tt.opts...)
			_, span := StartSpan(context.Background(), "session.start")
			defer span.End()
			if got := span.SpanContext().IsSampled(); got != tt.wantSampled {
				t.Errorf("sampled = %v, want %v", got, tt.wantSampled)
			}
		})
	}
}
