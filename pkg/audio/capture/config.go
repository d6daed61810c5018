package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/micgraph/pkg/audio"
)

// Config describes the stream a [Device] produces.
type Config struct {
	// SampleRate in Hz. Must be > 0.
	SampleRate int

	// BufferFrames is the number of frames in every delivered buffer. Must be > 0.
	BufferFrames int

	// Channels is the number of captured channels. Zero means mono.
	Channels int

	// DeviceName optionally selects an input device by name. Empty selects the
	// host default. Drivers that cannot enumerate devices ignore it.
	DeviceName string
}

// withDefaults returns c with zero-valued optional fields filled in.
func (c Config) withDefaults() Config {
	if c.Channels == 0 {
		c.Channels = 1
	}
	return c
}

// Validate reports every problem with c, each wrapped in [audio.ErrInvalidConfig].
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive: %w", c.SampleRate, audio.ErrInvalidConfig))
	}
	if c.BufferFrames <= 0 {
		errs = append(errs, fmt.Errorf("buffer frames %d must be positive: %w", c.BufferFrames, audio.ErrInvalidConfig))
	}
	if c.Channels < 0 {
		errs = append(errs, fmt.Errorf("channel count %d must not be negative: %w", c.Channels, audio.ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// Period returns the time budget of one buffer: BufferFrames / SampleRate.
func (c Config) Period() time.Duration {
	return audio.FrameDuration(c.BufferFrames, c.SampleRate)
}

// Format returns the sample format of delivered buffers.
func (c Config) Format() audio.Format {
	c = c.withDefaults()
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}
