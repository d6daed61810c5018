// Package portaudio implements [capture.Driver] on top of PortAudio.
//
// Every opened stream holds its own PortAudio initialisation reference and
// releases it on Close, so drivers can be opened and closed any number of
// times without leaking the library handle.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/capture"
)

// Compile-time interface assertions.
var (
	_ capture.Driver = (*Driver)(nil)
	_ capture.Prober = (*Driver)(nil)
)

// Driver opens PortAudio input streams.
type Driver struct {
	// Latency overrides the suggested input latency. Zero uses the device's
	// default low-latency value.
	Latency time.Duration
}

// New returns a PortAudio driver.
func New() *Driver { return &Driver{} }

// Name implements [capture.Driver].
func (d *Driver) Name() string { return "portaudio" }

// Probe implements [capture.Prober]. It checks that a default input device
// exists.
func (d *Driver) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", mapError(err))
	}
	defer portaudio.Terminate()

	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return fmt.Errorf("portaudio: default input: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return nil
}

// OpenStream implements [capture.Driver].
func (d *Driver) OpenStream(cfg capture.Config, deliver capture.DeliverFunc) (capture.Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", mapError(err))
	}

	dev, err := inputDevice(cfg.DeviceName)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	channels := max(cfg.Channels, 1)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.BufferFrames
	if d.Latency > 0 {
		params.Input.Latency = d.Latency
	}

	if err := portaudio.IsFormatSupported(params, callback(deliver)); err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: %s does not support %s: %w",
			dev.Name, audio.Format{SampleRate: cfg.SampleRate, Channels: channels}, mapError(err))
	}

	s, err := portaudio.OpenStream(params, callback(deliver))
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open stream on %s: %w", dev.Name, mapError(err))
	}
	return &stream{s: s}, nil
}

// inputDevice resolves name to a device with input channels. An empty name
// selects the host default.
func inputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input: %w: %w", audio.ErrDeviceUnavailable, err)
		}
		return dev, nil
	}

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", mapError(err))
	}
	for _, dev := range devs {
		if dev.Name == name && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("portaudio: no input device named %q: %w", name, audio.ErrDeviceUnavailable)
}

// callback adapts a DeliverFunc to the signature PortAudio expects for a
// float32 input-only stream.
func callback(f capture.DeliverFunc) func([]float32) {
	return func(in []float32) { f(in) }
}

// mapError classifies PortAudio error codes into audio sentinels.
func mapError(err error) error {
	var pe portaudio.Error
	if !errors.As(err, &pe) {
		return err
	}
	switch pe {
	case portaudio.InvalidChannelCount, portaudio.InvalidSampleRate,
		portaudio.SampleFormatNotSupported, portaudio.BufferTooBig, portaudio.BufferTooSmall:
		return fmt.Errorf("%w: %w", audio.ErrInvalidConfig, err)
	case portaudio.DeviceUnavailable, portaudio.InvalidDevice:
		return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	return err
}

type stream struct {
	s *portaudio.Stream
}

func (s *stream) Start() error {
	if err := s.s.Start(); err != nil {
		return fmt.Errorf("portaudio: start: %w", mapError(err))
	}
	return nil
}

// Stop waits for the PortAudio callback thread to finish its current buffer.
func (s *stream) Stop() error {
	if err := s.s.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop: %w", mapError(err))
	}
	return nil
}

func (s *stream) Close() error {
	err := s.s.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	if err != nil {
		return fmt.Errorf("portaudio: close: %w", err)
	}
	return nil
}
