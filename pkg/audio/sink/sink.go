// Package sink defines the terminal outputs that sit behind a graph's
// destination node.
//
// A [Sink] receives one buffer per tick on the real-time context. Sinks that
// talk to slow consumers (a speaker stream, an encoder, a network peer) copy
// the samples into a preallocated ring and do the slow part on their own
// goroutine.
package sink

import (
	"io"
	"sync"

	"github.com/MrWong99/micgraph/pkg/audio"
)

// Sink consumes the buffers that reach the end of the graph.
//
// Write is called once per tick on the real-time context. It must not block
// and must not retain b. A returned error is reported as a node failure and
// does not stop the session. Sinks that hold resources also implement
// io.Closer; Close is called once when the owning graph is destroyed.
type Sink interface {
	Write(b *audio.Buffer) error
}

// Discard drops every buffer. It is the default destination, equivalent to an
// unconnected output device.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write(*audio.Buffer) error { return nil }

// Func adapts a plain function to [Sink].
type Func func(b *audio.Buffer) error

// Write implements [Sink].
func (f Func) Write(b *audio.Buffer) error { return f(b) }

// Tap records copies of every buffer it receives. It allocates on every
// Write and is meant for tests and diagnostics, not production paths.
type Tap struct {
	// Next, when set, receives every buffer after it was recorded.
	Next Sink

	mu     sync.Mutex
	bufs   []*audio.Buffer
	closed bool
}

// Write implements [Sink].
func (t *Tap) Write(b *audio.Buffer) error {
	cp := audio.NewBuffer(b.ChannelCount(), b.Frames(), b.SampleRate)
	for c := range b.Channels {
		copy(cp.Channels[c], b.Channels[c])
	}
	t.mu.Lock()
	t.bufs = append(t.bufs, cp)
	t.mu.Unlock()
	if t.Next != nil {
		return t.Next.Write(b)
	}
	return nil
}

// Buffers returns the recorded buffers in arrival order.
func (t *Tap) Buffers() []*audio.Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*audio.Buffer(nil), t.bufs...)
}

// Len returns the number of recorded buffers.
func (t *Tap) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bufs)
}

// Close implements io.Closer. It closes Next when it is closable.
func (t *Tap) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if c, ok := t.Next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (t *Tap) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
