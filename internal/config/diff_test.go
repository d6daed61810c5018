package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/micgraph/internal/config"
)

func gain(v float64) *float64 { return &v }

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.GainChanged || d.RestartRequired || d.ListenAddrChanged {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level changes must not require a restart")
	}
}

func TestDiff_GainChanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		kind     string
		old, new *float64
		want     bool
		wantGain float64
	}{
		{"unset to half", "gain", nil, gain(0.5), true, 0.5},
		{"half to unset", "gain", gain(0.5), nil, true, 1},
		{"same value", "gain", gain(2), gain(2), false, 0},
		{"other kind", "meter", gain(1), gain(3), false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := &config.Config{Worklet: config.WorkletConfig{Kind: tc.kind, Gain: tc.old}}
			new := &config.Config{Worklet: config.WorkletConfig{Kind: tc.kind, Gain: tc.new}}
			d := config.Diff(old, new)
			if d.GainChanged != tc.want || d.NewGain != tc.wantGain {
				t.Errorf("Diff = {GainChanged:%v NewGain:%v}, want {%v %v}", d.GainChanged, d.NewGain, tc.want, tc.wantGain)
			}
			if d.RestartRequired {
				t.Errorf("gain change must not require a restart, fields %v", d.RestartFields)
			}
		})
	}
}

func TestDiff_RestartFields(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Capture.BufferFrames = 512
	new.Destination.Kind = config.DestinationOpus
	new.Worklet.Context = "audio"

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Fatal("expected RestartRequired=true")
	}
	want := []string{"capture", "worklet", "destination"}
	if !slices.Equal(d.RestartFields, want) {
		t.Errorf("RestartFields = %v, want %v", d.RestartFields, want)
	}
}

func TestDiff_ListenAddrChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9090"
	if d := config.Diff(old, new); !d.ListenAddrChanged {
		t.Error("expected ListenAddrChanged=true")
	}
}
