// Package speaker provides a [sink.Sink] that plays the graph output on the
// host's default output device through PortAudio.
//
// Capture and playback run on two independent hardware clocks. The sink
// decouples them with a lock-free sample ring: the graph writes into it from
// the capture context and the PortAudio output callback drains it, playing
// silence on underrun.
package speaker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/ring"
	"github.com/MrWong99/micgraph/pkg/audio/sink"
)

var _ sink.Sink = (*Sink)(nil)

// Config describes the output stream.
type Config struct {
	SampleRate   int
	Channels     int
	BufferFrames int

	// Buffers is the ring depth in buffers. Zero means 8.
	Buffers int
}

// Stats is a snapshot of playback counters.
type Stats struct {
	Underruns uint64
	Overflows uint64
}

// Sink plays buffers on the default output device.
type Sink struct {
	cfg        Config
	ring       *ring.Floats
	interleave []float32
	stream     *portaudio.Stream

	closeOnce sync.Once
	closeErr  error

	underruns atomic.Uint64
	overflows atomic.Uint64
}

// New opens and starts the default output stream.
func New(cfg Config) (*Sink, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.BufferFrames <= 0 {
		return nil, fmt.Errorf("speaker: %+v: %w", cfg, audio.ErrInvalidConfig)
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = 8
	}
	s := &Sink{
		cfg:        cfg,
		ring:       ring.NewFloats(cfg.Buffers * cfg.BufferFrames * cfg.Channels),
		interleave: make([]float32, cfg.BufferFrames*cfg.Channels),
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("speaker: initialize portaudio: %w", err)
	}
	stream, err := portaudio.OpenDefaultStream(0, cfg.Channels, float64(cfg.SampleRate), cfg.BufferFrames, s.play)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("speaker: open output stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("speaker: start output stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

// Write implements [sink.Sink].
func (s *Sink) Write(b *audio.Buffer) error {
	if b.ChannelCount() != s.cfg.Channels {
		return fmt.Errorf("speaker: buffer has %d channels, want %d: %w",
			b.ChannelCount(), s.cfg.Channels, audio.ErrArityMismatch)
	}
	n := audio.Interleave(s.interleave, b)
	if w := s.ring.Write(s.interleave[:n]); w < n {
		s.overflows.Add(1)
	}
	return nil
}

// play is the PortAudio output callback.
func (s *Sink) play(out []float32) {
	n := s.ring.Read(out)
	if n < len(out) {
		clear(out[n:])
		s.underruns.Add(1)
	}
}

// Stats returns a snapshot of the playback counters.
func (s *Sink) Stats() Stats {
	return Stats{Underruns: s.underruns.Load(), Overflows: s.overflows.Load()}
}

// Close stops playback and releases the output stream.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.closeErr = fmt.Errorf("speaker: stop: %w", err)
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("speaker: close: %w", err)
		}
		if err := portaudio.Terminate(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("speaker: terminate: %w", err)
		}
	})
	return s.closeErr
}
