package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/micgraph/internal/config"
	"github.com/MrWong99/micgraph/pkg/audio/capture"
	"github.com/MrWong99/micgraph/pkg/audio/mock"
	"github.com/MrWong99/micgraph/pkg/audio/sink"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  log_file: /var/log/micgraph.log

capture:
  driver: synthetic
  sample_rate: 48000
  buffer_frames: 1024
  channels: 1
  synthetic:
    frequency: 1000
    amplitude: 0.25
    realtime: true

permission:
  mode: prompt

worklet:
  kind: meter
  channels: 2
  context: UIRuntime

destination:
  kind: opus
  opus_bitrate: 64000

session:
  autostart: true
  event_buffer: 128
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Capture.Driver != "synthetic" || !cfg.Capture.Synthetic.Realtime {
		t.Errorf("capture: got %+v", cfg.Capture)
	}
	if cfg.Capture.Synthetic.Frequency != 1000 || cfg.Capture.Synthetic.Amplitude != 0.25 {
		t.Errorf("capture.synthetic: got %+v", cfg.Capture.Synthetic)
	}
	if cfg.Permission.Mode != config.PermissionPrompt {
		t.Errorf("permission.mode: got %q", cfg.Permission.Mode)
	}
	if cfg.Worklet.Kind != "meter" || cfg.Worklet.Channels != 2 || cfg.Worklet.Context != "UIRuntime" {
		t.Errorf("worklet: got %+v", cfg.Worklet)
	}
	if cfg.Destination.Kind != config.DestinationOpus || cfg.Destination.OpusBitrate != 64000 {
		t.Errorf("destination: got %+v", cfg.Destination)
	}
	if !cfg.Session.Autostart || cfg.Session.EventBuffer != 128 {
		t.Errorf("session: got %+v", cfg.Session)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Capture.SampleRate != 48000 || cfg.Capture.BufferFrames != 1024 || cfg.Capture.Channels != 1 {
			t.Errorf("capture defaults: got %+v", cfg.Capture)
		}
		if cfg.Capture.Driver != config.DefaultDriver {
			t.Errorf("capture.driver default: got %q", cfg.Capture.Driver)
		}
		if cfg.Worklet.Kind != "length" || cfg.Worklet.Context != "UIRuntime" || cfg.Worklet.Channels != 1 {
			t.Errorf("worklet defaults: got %+v", cfg.Worklet)
		}
		if cfg.Permission.Mode != config.PermissionAllow || cfg.Destination.Kind != config.DestinationDiscard {
			t.Errorf("permission/destination defaults: got %q / %q", cfg.Permission.Mode, cfg.Destination.Kind)
		}
		if cfg.Worklet.GainValue() != 1 {
			t.Errorf("GainValue default: got %v, want 1", cfg.Worklet.GainValue())
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	yaml := `
capture:
  samplerate: 44100
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_WorkletChannelsFollowCapture(t *testing.T) {
	yaml := `
capture:
  channels: 2
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worklet.Channels != 2 {
		t.Errorf("worklet.channels: got %d, want 2", cfg.Worklet.Channels)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "server.log_level") {
		t.Errorf("error should name server.log_level, got: %v", err)
	}
}

func TestValidate_InvalidWorkletKind(t *testing.T) {
	yaml := `
worklet:
  kind: reverb
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown worklet kind, got nil")
	}
	if !strings.Contains(err.Error(), "length, meter, gain") {
		t.Errorf("error should list valid kinds, got: %v", err)
	}
}

func TestValidate_InvalidDestination(t *testing.T) {
	yaml := `
destination:
  kind: cassette
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown destination, got nil")
	}
}

func TestValidate_UnknownDriverIsOnlyAWarning(t *testing.T) {
	yaml := `
capture:
  driver: jack
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown drivers may be registered later, got: %v", err)
	}
}

func TestValidate_Fallback(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(`
capture:
  driver: portaudio
  fallback: malgo
  fallback_cooldown: 5s
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Capture.Fallback != "malgo" || cfg.Capture.FallbackCooldown != 5*time.Second {
		t.Fatalf("capture = %+v, want fallback malgo with 5s cooldown", cfg.Capture)
	}

	_, err = config.LoadFromReader(strings.NewReader(`
capture:
  driver: malgo
  fallback: malgo
`))
	if err == nil || !strings.Contains(err.Error(), "capture.fallback must differ from driver") {
		t.Fatalf("same fallback as driver: got %v", err)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.SlogLevel(); got != tc.want {
			t.Errorf("LogLevel(%q).SlogLevel() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownDriver(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateDriver(config.CaptureConfig{Driver: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownSink(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateSink(&config.Config{Destination: config.DestinationConfig{Kind: "nonexistent"}})
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredDriver(t *testing.T) {
	reg := config.NewRegistry()
	want := &mock.Driver{}
	var gotCfg config.CaptureConfig
	reg.RegisterDriver("stub", func(c config.CaptureConfig) (capture.Driver, error) {
		gotCfg = c
		return want, nil
	})
	got, err := reg.CreateDriver(config.CaptureConfig{Driver: "stub", Device: "hw:1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned driver is not the expected instance")
	}
	if gotCfg.Device != "hw:1" {
		t.Errorf("factory received %+v", gotCfg)
	}
}

func TestRegistry_RegisteredSink(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterSink("discard", func(*config.Config) (sink.Sink, error) {
		return sink.Discard, nil
	})
	got, err := reg.CreateSink(config.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != sink.Discard {
		t.Error("returned sink is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterDriver("broken", func(config.CaptureConfig) (capture.Driver, error) {
		return nil, wantErr
	})
	_, err := reg.CreateDriver(config.CaptureConfig{Driver: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_Drivers(t *testing.T) {
	reg := config.NewRegistry()
	for _, name := range []string{"synthetic", "malgo", "portaudio"} {
		reg.RegisterDriver(name, func(config.CaptureConfig) (capture.Driver, error) { return &mock.Driver{}, nil })
	}
	got := reg.Drivers()
	if strings.Join(got, ",") != "malgo,portaudio,synthetic" {
		t.Errorf("Drivers() = %v", got)
	}
}
