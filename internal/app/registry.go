package app

import (
	"log/slog"

	"github.com/MrWong99/micgraph/internal/config"
	"github.com/MrWong99/micgraph/pkg/audio/capture"
	"github.com/MrWong99/micgraph/pkg/audio/capture/malgo"
	"github.com/MrWong99/micgraph/pkg/audio/capture/portaudio"
	"github.com/MrWong99/micgraph/pkg/audio/sink"
	"github.com/MrWong99/micgraph/pkg/audio/sink/opus"
	"github.com/MrWong99/micgraph/pkg/audio/sink/speaker"
)

// NewRegistry returns a registry holding every built-in capture driver and
// destination sink.
func NewRegistry(log *slog.Logger) *config.Registry {
	reg := config.NewRegistry()

	// ── Capture drivers ───────────────────────────────────────────────────
	reg.RegisterDriver("portaudio", func(config.CaptureConfig) (capture.Driver, error) {
		return portaudio.New(), nil
	})
	reg.RegisterDriver("malgo", func(config.CaptureConfig) (capture.Driver, error) {
		return malgo.New(), nil
	})
	reg.RegisterDriver("synthetic", func(c config.CaptureConfig) (capture.Driver, error) {
		return &capture.Synthetic{
			Frequency: c.Synthetic.Frequency,
			Amplitude: c.Synthetic.Amplitude,
			Realtime:  c.Synthetic.Realtime,
		}, nil
	})

	// ── Destinations ──────────────────────────────────────────────────────
	reg.RegisterSink(config.DestinationDiscard, func(*config.Config) (sink.Sink, error) {
		return sink.Discard, nil
	})
	reg.RegisterSink(config.DestinationSpeaker, func(cfg *config.Config) (sink.Sink, error) {
		return speaker.New(speaker.Config{
			SampleRate:   cfg.Capture.SampleRate,
			Channels:     cfg.Worklet.Channels,
			BufferFrames: cfg.Capture.BufferFrames,
		})
	})
	reg.RegisterSink(config.DestinationOpus, func(cfg *config.Config) (sink.Sink, error) {
		return opus.New(opus.Config{
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Worklet.Channels,
			Bitrate:    cfg.Destination.OpusBitrate,
			Logger:     log,
		})
	})

	return reg
}
