// Package malgo implements [capture.Driver] on top of miniaudio via malgo.
//
// It is the alternative to the PortAudio driver for hosts where PortAudio is
// not installed: miniaudio is compiled into the binary and needs no system
// library.
package malgo

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/capture"
)

var (
	_ capture.Driver = (*Driver)(nil)
	_ capture.Prober = (*Driver)(nil)
)

// Driver opens miniaudio capture devices.
type Driver struct {
	// Backends restricts the audio backends miniaudio may use. Nil lets
	// miniaudio pick.
	Backends []malgo.Backend
}

// New returns a miniaudio driver using the default backend order.
func New() *Driver { return &Driver{} }

// Name implements [capture.Driver].
func (d *Driver) Name() string { return "malgo" }

// Probe implements [capture.Prober]. It succeeds when at least one capture
// device is enumerated.
func (d *Driver) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mctx, err := malgo.InitContext(d.Backends, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("malgo: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("malgo: list capture devices: %w", err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("malgo: no capture devices: %w", audio.ErrDeviceUnavailable)
	}
	return nil
}

// OpenStream implements [capture.Driver].
func (d *Driver) OpenStream(cfg capture.Config, deliver capture.DeliverFunc) (capture.Stream, error) {
	if cfg.SampleRate <= 0 || cfg.BufferFrames <= 0 {
		return nil, fmt.Errorf("malgo: %w", audio.ErrInvalidConfig)
	}
	channels := max(cfg.Channels, 1)

	mctx, err := malgo.InitContext(d.Backends, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	s := &stream{ctx: mctx}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.BufferFrames)
	if cfg.DeviceName != "" {
		id, err := findDevice(mctx, cfg.DeviceName)
		if err != nil {
			s.free()
			return nil, err
		}
		devCfg.Capture.DeviceID = id.Pointer()
	}

	// Scratch space for decoded samples. Sized for two periods so the common
	// case never grows it on the real-time path.
	scratch := make([]float32, 2*cfg.BufferFrames*channels)
	onData := func(_, in []byte, frames uint32) {
		need := int(frames) * channels
		if need > len(scratch) {
			scratch = make([]float32, need)
		}
		n := audio.BytesToFloat32LE(scratch[:need], in)
		deliver(scratch[:n])
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		s.free()
		return nil, fmt.Errorf("malgo: init capture device (%s): %w: %w",
			audio.Format{SampleRate: cfg.SampleRate, Channels: channels}, audio.ErrDeviceUnavailable, err)
	}
	s.dev = dev
	return s, nil
}

func findDevice(mctx *malgo.AllocatedContext, name string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("malgo: list capture devices: %w", err)
	}
	for _, info := range infos {
		if info.Name() == name {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("malgo: no capture device named %q: %w", name, audio.ErrDeviceUnavailable)
}

type stream struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	closeOnce sync.Once
}

func (s *stream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start: %w", err)
	}
	return nil
}

// Stop blocks until miniaudio's device thread has left the data callback.
func (s *stream) Stop() error {
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		if s.dev != nil {
			s.dev.Uninit()
		}
		s.free()
	})
	return nil
}

func (s *stream) free() {
	_ = s.ctx.Uninit()
	s.ctx.Free()
}
