// Package mock provides in-memory mock implementations of [capture.Driver],
// [capture.Stream], and [permission.Gate] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	drv := &mock.Driver{}
//	grant, _ := permission.Authorize(ctx, &mock.Gate{Allowed: true})
//	dev, _ := capture.Open(drv, capture.Config{SampleRate: 48000, BufferFrames: 128}, grant)
//	_ = dev.Start(onBuffer)
//	drv.Deliver(make([]float32, 128)) // one tick on the caller's goroutine
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/capture"
)

// ─── Driver ───────────────────────────────────────────────────────────────────

// OpenStreamCall records the arguments of a single [Driver.OpenStream] invocation.
type OpenStreamCall struct {
	// Config is the stream configuration passed to OpenStream.
	Config capture.Config
}

// Driver is a mock implementation of [capture.Driver] and [capture.Prober].
// Streams it opens never deliver on their own; call [Driver.Deliver] to
// simulate the hardware callback.
type Driver struct {
	mu sync.Mutex

	// NameResult is returned by [Driver.Name]. Defaults to "mock".
	NameResult string

	// OpenStreamError is returned by OpenStream when non-nil.
	OpenStreamError error

	// StartError is returned by the Start method of opened streams.
	StartError error

	// StopError is returned by the Stop method of opened streams.
	StopError error

	// CloseError is returned by the Close method of opened streams.
	CloseError error

	// ProbeError is returned by Probe.
	ProbeError error

	// OpenStreamCalls records all OpenStream invocations.
	OpenStreamCalls []OpenStreamCall

	// Streams holds every stream opened, in order.
	Streams []*Stream
}

// Name implements [capture.Driver].
func (d *Driver) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NameResult == "" {
		return "mock"
	}
	return d.NameResult
}

// OpenStream implements [capture.Driver]. Records the call and returns a new
// [Stream] unless OpenStreamError is set.
func (d *Driver) OpenStream(cfg capture.Config, deliver capture.DeliverFunc) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenStreamCalls = append(d.OpenStreamCalls, OpenStreamCall{Config: cfg})
	if d.OpenStreamError != nil {
		return nil, d.OpenStreamError
	}
	s := &Stream{driver: d, deliver: deliver}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// Probe implements [capture.Prober]. Returns ProbeError.
func (d *Driver) Probe(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ProbeError
}

// OpenHandles returns the number of streams opened and not yet closed.
func (d *Driver) OpenHandles() int {
	d.mu.Lock()
	streams := append([]*Stream(nil), d.Streams...)
	d.mu.Unlock()

	n := 0
	for _, s := range streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Deliver calls the DeliverFunc of the most recently opened stream on the
// caller's goroutine, as a driver callback would. It reports whether a started
// stream received the samples.
func (d *Driver) Deliver(interleaved []float32) bool {
	d.mu.Lock()
	var s *Stream
	if n := len(d.Streams); n > 0 {
		s = d.Streams[n-1]
	}
	d.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Deliver(interleaved)
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is the [capture.Stream] returned by [Driver.OpenStream].
type Stream struct {
	driver  *Driver
	deliver capture.DeliverFunc

	mu      sync.Mutex
	started bool
	closed  bool

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start implements [capture.Stream].
func (s *Stream) Start() error {
	s.driver.mu.Lock()
	err := s.driver.StartError
	s.driver.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if err != nil {
		return err
	}
	if s.closed {
		return errors.Join(audio.ErrInvalidState, errors.New("mock: start on closed stream"))
	}
	s.started = true
	return nil
}

// Stop implements [capture.Stream].
func (s *Stream) Stop() error {
	s.driver.mu.Lock()
	err := s.driver.StopError
	s.driver.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.started = false
	return err
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.driver.mu.Lock()
	err := s.driver.CloseError
	s.driver.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.started = false
	s.closed = true
	return err
}

// Started reports whether the stream is between Start and Stop.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Deliver invokes the stream's DeliverFunc if the stream is started. The
// stream lock is not held during the callback, so a concurrent Stop proceeds
// exactly as it would against real hardware.
func (s *Stream) Deliver(interleaved []float32) bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	s.deliver(interleaved)
	return true
}

// ─── Gate ─────────────────────────────────────────────────────────────────────

// Gate is a mock implementation of [permission.Gate].
type Gate struct {
	mu sync.Mutex

	// Allowed is the answer returned by RequestCapturePermission.
	Allowed bool

	// Err is returned by RequestCapturePermission when non-nil.
	Err error

	// Block, when non-nil, makes RequestCapturePermission wait until the
	// channel is closed or the context is cancelled.
	Block chan struct{}

	// CallCount records how many times RequestCapturePermission was called.
	CallCount int
}

// RequestCapturePermission implements [permission.Gate].
func (g *Gate) RequestCapturePermission(ctx context.Context) (bool, error) {
	g.mu.Lock()
	g.CallCount++
	block, allowed, err := g.Block, g.Allowed, g.Err
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// Calls returns CallCount under the lock.
func (g *Gate) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CallCount
}
