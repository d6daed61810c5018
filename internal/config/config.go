// Package config provides the configuration schema, loader, reloader, and
// factory registry for the micgraph capture service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the micgraph server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown and empty levels map
// to [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// PermissionMode selects how capture permission is obtained.
type PermissionMode string

const (
	// PermissionAllow grants capture without asking.
	PermissionAllow PermissionMode = "allow"

	// PermissionDeny refuses every capture request.
	PermissionDeny PermissionMode = "deny"

	// PermissionPrompt asks on the controlling terminal and remembers the answer.
	PermissionPrompt PermissionMode = "prompt"
)

// Destination kinds.
const (
	DestinationDiscard = "discard"
	DestinationSpeaker = "speaker"
	DestinationOpus    = "opus"
)

// Config is the root configuration structure for micgraph.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Capture     CaptureConfig     `yaml:"capture"`
	Permission  PermissionConfig  `yaml:"permission"`
	Worklet     WorkletConfig     `yaml:"worklet"`
	Destination DestinationConfig `yaml:"destination"`
	Session     SessionConfig     `yaml:"session"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP control surface listens on
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogFile, when set, additionally writes logs to a size-rotated file.
	LogFile string `yaml:"log_file" validate:"omitempty,max=4096"`
}

// CaptureConfig selects the capture driver and the buffer format.
type CaptureConfig struct {
	// Driver names a driver registered in the [Registry]
	// ("portaudio", "malgo", "synthetic").
	Driver string `yaml:"driver"`

	// Fallback optionally names a second registered driver that opens the
	// stream when Driver fails. A driver that keeps failing is skipped for
	// FallbackCooldown before it is tried again.
	Fallback         string        `yaml:"fallback" validate:"omitempty,nefield=Driver"`
	FallbackCooldown time.Duration `yaml:"fallback_cooldown" validate:"omitempty,gte=0"`

	SampleRate   int    `yaml:"sample_rate" validate:"omitempty,gte=8000,lte=384000"`
	BufferFrames int    `yaml:"buffer_frames" validate:"omitempty,gte=16,lte=16384"`
	Channels     int    `yaml:"channels" validate:"omitempty,gte=1,lte=32"`
	Device       string `yaml:"device" validate:"omitempty,max=256"`

	Synthetic SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig configures the sine generator driver.
type SyntheticConfig struct {
	Frequency float64 `yaml:"frequency" validate:"omitempty,gt=0"`
	Amplitude float64 `yaml:"amplitude" validate:"omitempty,gt=0,lte=1"`

	// Realtime paces delivery at the hardware cadence. When false the
	// generator runs as fast as the graph consumes.
	Realtime bool `yaml:"realtime"`
}

// PermissionConfig configures the permission gate.
type PermissionConfig struct {
	Mode PermissionMode `yaml:"mode" validate:"omitempty,oneof=allow deny prompt"`
}

// WorkletConfig selects the built-in worklet placed between the capture
// adapter and the destination.
type WorkletConfig struct {
	// Kind is "length", "meter" or "gain".
	Kind string `yaml:"kind" validate:"omitempty,oneof=length meter gain"`

	// Channels is the worklet's channel count. Zero uses the capture channels.
	Channels int `yaml:"channels" validate:"omitempty,gte=1,lte=32"`

	// Context labels the execution context the worklet runs in.
	Context string `yaml:"context" validate:"omitempty,max=64"`

	// Gain is the linear gain of the gain worklet. Hot-reloadable.
	Gain *float64 `yaml:"gain" validate:"omitempty,gte=0,lte=16"`
}

// DestinationConfig selects where the graph output goes.
type DestinationConfig struct {
	Kind string `yaml:"kind" validate:"omitempty,oneof=discard speaker opus"`

	// OpusBitrate in bits per second. Zero keeps the encoder default.
	OpusBitrate int `yaml:"opus_bitrate" validate:"omitempty,gte=6000,lte=510000"`
}

// SessionConfig holds session controller settings.
type SessionConfig struct {
	// Autostart toggles the session on at startup.
	Autostart bool `yaml:"autostart"`

	// EventBuffer sizes each event subscriber's queue.
	EventBuffer int `yaml:"event_buffer" validate:"omitempty,gte=1,lte=65536"`
}

// GainValue returns the configured gain, or 1 when unset.
func (w WorkletConfig) GainValue() float64 {
	if w.Gain == nil {
		return 1
	}
	return *w.Gain
}
