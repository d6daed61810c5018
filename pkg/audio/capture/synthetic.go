package capture

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/MrWong99/micgraph/pkg/audio"
)

// Synthetic is a [Driver] that generates a sine tone instead of reading a
// microphone. It is used on hosts without an input device and in tests.
//
// With Realtime set, chunk k of a run is delivered no earlier than
// start + (k+1) × chunk period, matching the pace of real hardware. Without it
// chunks are generated as fast as the consumer accepts them.
type Synthetic struct {
	// Frequency of the tone in Hz. Zero produces silence.
	Frequency float64

	// Amplitude of the tone in [0, 1].
	Amplitude float64

	// Realtime paces deliveries at the stream's natural cadence.
	Realtime bool

	// Chunk is the number of frames per driver delivery. Zero uses the
	// configured buffer size; other values exercise the Device's re-blocking.
	Chunk int

	// MaxChunks stops generation after that many deliveries per run. Zero
	// means unlimited.
	MaxChunks int

	// Unavailable simulates a host without an input device.
	Unavailable bool
}

// Name implements [Driver].
func (s *Synthetic) Name() string { return "synthetic" }

// Probe implements [Prober].
func (s *Synthetic) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Unavailable {
		return fmt.Errorf("synthetic: %w", audio.ErrDeviceUnavailable)
	}
	return nil
}

// OpenStream implements [Driver].
func (s *Synthetic) OpenStream(cfg Config, deliver DeliverFunc) (Stream, error) {
	if s.Unavailable {
		return nil, fmt.Errorf("synthetic: no input device: %w", audio.ErrDeviceUnavailable)
	}
	if deliver == nil {
		return nil, fmt.Errorf("synthetic: nil deliver func: %w", audio.ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	chunk := s.Chunk
	if chunk <= 0 {
		chunk = cfg.BufferFrames
	}
	return &syntheticStream{
		gen:     *s,
		cfg:     cfg,
		chunk:   chunk,
		deliver: deliver,
		samples: make([]float32, chunk*cfg.Channels),
	}, nil
}

type syntheticStream struct {
	gen     Synthetic
	cfg     Config
	chunk   int
	deliver DeliverFunc
	samples []float32

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	phase  float64
	closed bool
}

func (s *syntheticStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("synthetic: start closed stream: %w", audio.ErrInvalidState)
	}
	if s.stop != nil {
		return fmt.Errorf("synthetic: already started: %w", audio.ErrInvalidState)
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

func (s *syntheticStream) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *syntheticStream) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// run is the simulated real-time context. It owns samples and phase while
// running.
func (s *syntheticStream) run(stop, done chan struct{}) {
	defer close(done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	period := audio.FrameDuration(s.chunk, s.cfg.SampleRate)
	start := time.Now()
	var timer *time.Timer
	if s.gen.Realtime {
		timer = time.NewTimer(period)
		defer timer.Stop()
	}

	for k := 0; s.gen.MaxChunks == 0 || k < s.gen.MaxChunks; k++ {
		if timer != nil {
			timer.Reset(time.Until(start.Add(time.Duration(k+1) * period)))
			select {
			case <-stop:
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-stop:
				return
			default:
			}
		}
		s.fill()
		s.deliver(s.samples)
	}
	<-stop
}

func (s *syntheticStream) fill() {
	ch := s.cfg.Channels
	step := 2 * math.Pi * s.gen.Frequency / float64(s.cfg.SampleRate)
	amp := s.gen.Amplitude
	for i := range s.chunk {
		v := float32(amp * math.Sin(s.phase))
		for c := range ch {
			s.samples[i*ch+c] = v
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
}
