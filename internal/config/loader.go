package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultDriver       = "portaudio"
	DefaultSampleRate   = 48000
	DefaultBufferFrames = 1024
	DefaultChannels     = 1
	DefaultWorkletKind  = "length"
	DefaultContext      = "UIRuntime"
	DefaultEventBuffer  = 64
)

// ValidDriverNames lists the capture drivers built into micgraph.
// Used by [Validate] to warn about unrecognised driver names.
var ValidDriverNames = []string{"portaudio", "malgo", "synthetic"}

// opusSampleRates are the PCM rates the Opus encoder accepts.
var opusSampleRates = []int{8000, 12000, 16000, 24000, 48000}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Capture.Driver == "" {
		cfg.Capture.Driver = DefaultDriver
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultSampleRate
	}
	if cfg.Capture.BufferFrames == 0 {
		cfg.Capture.BufferFrames = DefaultBufferFrames
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = DefaultChannels
	}
	if cfg.Capture.Synthetic.Frequency == 0 {
		cfg.Capture.Synthetic.Frequency = 440
	}
	if cfg.Capture.Synthetic.Amplitude == 0 {
		cfg.Capture.Synthetic.Amplitude = 0.5
	}
	if cfg.Permission.Mode == "" {
		cfg.Permission.Mode = PermissionAllow
	}
	if cfg.Worklet.Kind == "" {
		cfg.Worklet.Kind = DefaultWorkletKind
	}
	if cfg.Worklet.Channels == 0 {
		cfg.Worklet.Channels = cfg.Capture.Channels
	}
	if cfg.Worklet.Context == "" {
		cfg.Worklet.Context = DefaultContext
	}
	if cfg.Destination.Kind == "" {
		cfg.Destination.Kind = DestinationDiscard
	}
	if cfg.Session.EventBuffer == 0 {
		cfg.Session.EventBuffer = DefaultEventBuffer
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s %s", fieldPath(fe), formatValidationMessage(fe)))
		}
	}

	validateDriverName(cfg.Capture.Driver)
	if cfg.Capture.Fallback != "" {
		validateDriverName(cfg.Capture.Fallback)
	} else if cfg.Capture.FallbackCooldown != 0 {
		slog.Warn("capture.fallback_cooldown is ignored without capture.fallback")
	}

	if cfg.Capture.Driver == "synthetic" && cfg.Capture.Device != "" {
		slog.Warn("capture.device is ignored by the synthetic driver", "device", cfg.Capture.Device)
	}

	if cfg.Destination.Kind == DestinationOpus {
		if !slices.Contains(opusSampleRates, cfg.Capture.SampleRate) {
			errs = append(errs, fmt.Errorf("destination.kind opus requires capture.sample_rate in %v, got %d",
				opusSampleRates, cfg.Capture.SampleRate))
		}
		if cfg.Worklet.Channels > 2 {
			errs = append(errs, fmt.Errorf("destination.kind opus supports at most 2 channels, worklet.channels is %d",
				cfg.Worklet.Channels))
		}
	} else if cfg.Destination.OpusBitrate != 0 {
		slog.Warn("destination.opus_bitrate is ignored unless destination.kind is opus", "kind", cfg.Destination.Kind)
	}

	if cfg.Worklet.Gain != nil && cfg.Worklet.Kind != "gain" {
		slog.Warn("worklet.gain is ignored unless worklet.kind is gain", "kind", cfg.Worklet.Kind)
	}

	if cfg.Permission.Mode == PermissionDeny && cfg.Session.Autostart {
		slog.Warn("session.autostart with permission.mode deny will always fail")
	}

	return errors.Join(errs...)
}

// fieldPath turns the validator namespace "Config.Capture.SampleRate" into
// the YAML path "capture.sample_rate".
func fieldPath(fe validator.FieldError) string {
	parts := strings.Split(fe.StructNamespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "oneof":
		return fmt.Sprintf("%v is invalid; valid values: %s", e.Value(), strings.ReplaceAll(e.Param(), " ", ", "))
	case "nefield":
		return fmt.Sprintf("must differ from %s", snake(e.Param()))
	case "hostname_port":
		return fmt.Sprintf("%v must be host:port", e.Value())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

// validateDriverName logs a warning if name is not a built-in driver.
func validateDriverName(name string) {
	if slices.Contains(ValidDriverNames, name) {
		return
	}
	slog.Warn("unknown capture driver; it must be registered before the session starts",
		"name", name,
		"known", ValidDriverNames,
	)
}
