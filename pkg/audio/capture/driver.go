package capture

import "context"

// DeliverFunc receives interleaved float32 samples from a driver's real-time
// context. The slice is only valid for the duration of the call. Its length
// need not match the configured buffer size; the [Device] re-blocks it.
type DeliverFunc func(interleaved []float32)

// Driver is the hardware (or simulated) backend behind a [Device].
// Implementations wrap an audio library such as PortAudio or miniaudio.
//
// Implementations must be safe for concurrent use.
type Driver interface {
	// Name returns the registry name of the driver (e.g., "portaudio").
	Name() string

	// OpenStream allocates an input stream matching cfg that calls deliver for
	// every captured block once started. It must fail with an error wrapping
	// [audio.ErrDeviceUnavailable] when no input device exists and
	// [audio.ErrInvalidConfig] when the hardware rejects cfg.
	OpenStream(cfg Config, deliver DeliverFunc) (Stream, error)
}

// Stream is one allocated hardware input stream.
type Stream interface {
	// Start begins delivery.
	Start() error

	// Stop halts delivery. After Stop returns the driver must not call the
	// stream's DeliverFunc again until the next Start.
	Stop() error

	// Close releases the stream. Close is called at most once, after Stop.
	Close() error
}

// Prober is implemented by drivers that can check for a usable input device
// without opening a stream. Used by readiness checks.
type Prober interface {
	Probe(ctx context.Context) error
}
