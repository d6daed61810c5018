// Package opus provides a [sink.Sink] that compresses the graph output into
// 20 ms Opus packets and fans them out to subscribers.
//
// The real-time side only interleaves samples into a lock-free ring and wakes
// the encoder. Encoding, and delivery to subscribers, happen on the sink's own
// goroutine. Slow subscribers lose packets rather than stalling the encoder.
package opus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"layeh.com/gopus"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/ring"
	"github.com/MrWong99/micgraph/pkg/audio/sink"
)

// FrameDuration is the duration of one Opus packet.
const FrameDuration = 20 * time.Millisecond

// maxPacketBytes bounds a single encoded packet (RFC 6716 recommends 1275).
const maxPacketBytes = 4000

// Encoder compresses one frame of interleaved int16 PCM. *gopus.Encoder
// satisfies it.
type Encoder interface {
	Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error)
}

// Packet is one encoded Opus frame.
type Packet struct {
	// Seq is the 0-based packet sequence number.
	Seq uint64

	// Data is the Opus payload. Subscribers own it.
	Data []byte

	// Duration is the audio length of the packet.
	Duration time.Duration
}

// Stats is a snapshot of sink counters.
type Stats struct {
	Packets      uint64
	Overflows    uint64
	EncodeErrors uint64
	Dropped      uint64
}

// Config describes the PCM the sink receives and the encoder settings.
type Config struct {
	// SampleRate must be one of 8000, 12000, 16000, 24000, 48000.
	SampleRate int

	// Channels is 1 or 2.
	Channels int

	// Bitrate in bits per second. Zero keeps the encoder default.
	Bitrate int

	// Logger receives encoder errors. Nil uses slog.Default().
	Logger *slog.Logger
}

// Option configures a [Sink].
type Option func(*Sink)

// WithEncoder replaces the gopus encoder, e.g. with a test double.
func WithEncoder(enc Encoder) Option {
	return func(s *Sink) { s.enc = enc }
}

var _ sink.Sink = (*Sink)(nil)

// Sink encodes graph output to Opus.
type Sink struct {
	cfg       Config
	log       *slog.Logger
	enc       Encoder
	frameSize int // samples per channel per packet

	ring       *ring.Floats
	interleave []float32
	wake       chan struct{}

	subsMu sync.Mutex
	subs   map[int]chan Packet
	nextID int

	cancel context.CancelFunc
	eg     *errgroup.Group
	closed atomic.Bool

	packets      atomic.Uint64
	overflows    atomic.Uint64
	encodeErrors atomic.Uint64
	dropped      atomic.Uint64
}

// New validates cfg, creates the encoder and starts the encoding goroutine.
func New(cfg Config, opts ...Option) (*Sink, error) {
	switch cfg.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("opus: unsupported sample rate %d: %w", cfg.SampleRate, audio.ErrInvalidConfig)
	}
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d: %w", cfg.Channels, audio.ErrInvalidConfig)
	}

	s := &Sink{
		cfg:       cfg,
		log:       cfg.Logger,
		frameSize: cfg.SampleRate * int(FrameDuration/time.Millisecond) / 1000,
		wake:      make(chan struct{}, 1),
		subs:      make(map[int]chan Packet),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, o := range opts {
		o(s)
	}
	if s.enc == nil {
		enc, err := gopus.NewEncoder(cfg.SampleRate, cfg.Channels, gopus.Audio)
		if err != nil {
			return nil, fmt.Errorf("opus: create encoder: %w", err)
		}
		if cfg.Bitrate > 0 {
			enc.SetBitrate(cfg.Bitrate)
		}
		s.enc = enc
	}

	// One second of headroom between the real-time side and the encoder.
	s.ring = ring.NewFloats(cfg.SampleRate * cfg.Channels)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.eg, ctx = errgroup.WithContext(ctx)
	s.eg.Go(func() error { return s.run(ctx) })
	return s, nil
}

// Write implements [sink.Sink]. It never blocks; samples that do not fit in
// the ring are dropped and counted as an overflow.
func (s *Sink) Write(b *audio.Buffer) error {
	if s.closed.Load() {
		return nil
	}
	if b.ChannelCount() != s.cfg.Channels {
		return fmt.Errorf("opus: buffer has %d channels, want %d: %w",
			b.ChannelCount(), s.cfg.Channels, audio.ErrArityMismatch)
	}
	n := b.Frames() * s.cfg.Channels
	if cap(s.interleave) < n {
		// Only on the first tick.
		s.interleave = make([]float32, n)
	}
	buf := s.interleave[:n]
	audio.Interleave(buf, b)
	if w := s.ring.Write(buf); w < n {
		s.overflows.Add(1)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe returns a channel receiving every packet encoded from now on, and
// a function that cancels the subscription. The channel is closed when the
// subscription is cancelled or the sink is closed.
func (s *Sink) Subscribe(buffer int) (<-chan Packet, func()) {
	ch := make(chan Packet, max(buffer, 1))
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closed.Load() {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Packets:      s.packets.Load(),
		Overflows:    s.overflows.Load(),
		EncodeErrors: s.encodeErrors.Load(),
		Dropped:      s.dropped.Load(),
	}
}

// Close stops the encoder, flushes nothing further, and closes every
// subscription. It is idempotent.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	err := s.eg.Wait()

	s.subsMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Sink) run(ctx context.Context) error {
	frame := make([]float32, s.frameSize*s.cfg.Channels)
	pcm := make([]int16, len(frame))
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
		for s.ring.Len() >= len(frame) {
			s.ring.Read(frame)
			audio.Float32ToInt16(pcm, frame)
			data, err := s.enc.Encode(pcm, s.frameSize, maxPacketBytes)
			if err != nil {
				s.encodeErrors.Add(1)
				s.log.Warn("opus: encode failed", "seq", seq, "err", err)
				continue
			}
			s.publish(Packet{Seq: seq, Data: data, Duration: FrameDuration})
			seq++
		}
	}
}

func (s *Sink) publish(p Packet) {
	s.packets.Add(1)
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- p:
		default:
			s.dropped.Add(1)
		}
	}
}
