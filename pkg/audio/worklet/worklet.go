// Package worklet runs user-supplied per-buffer callbacks inside graph ticks.
//
// A worklet is a plain function held by the real-time context. It sees the
// samples of one tick and may return replacement samples; anything else it
// needs from the control context arrives through its [Port]. Faults inside the
// callback (panics, wrongly shaped results) are contained at the node: the
// tick's output becomes silence and a [CallbackError] is queued on the
// [Runtime] for the control context to collect.
//
// Callbacks must not block, allocate without bound, or touch state owned by
// the control context. The runtime cannot detect such misuse; it is the
// caller's obligation.
package worklet

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/graph"
	"github.com/MrWong99/micgraph/pkg/audio/ring"
)

// Callback processes one tick. in holds one slice per channel, each
// bufferFrames long; inputChannelCount is len(in). The slices are only valid
// during the call.
//
// Returning nil passes the input through unchanged (the same buffer reaches
// the next node). Otherwise the result must have channelCount channels of
// bufferFrames samples each and stays owned by the callback; it may be reused
// on the next call.
type Callback func(in [][]float32, inputChannelCount int) [][]float32

// CallbackError describes a callback fault. It unwraps to
// [audio.ErrCallbackFailure].
type CallbackError struct {
	// Node is the name of the failing worklet node.
	Node string

	// Context is the execution-context label the node was created with.
	Context string

	// Tick is the 1-based invocation number of the failed call.
	Tick uint64

	// Reason describes the fault.
	Reason string
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("worklet %s: tick %d: %s", e.Node, e.Tick, e.Reason)
}

func (e *CallbackError) Unwrap() error { return audio.ErrCallbackFailure }

// DefaultFailureCapacity is the depth of the runtime's failure queue.
const DefaultFailureCapacity = 64

// RuntimeOption configures a [Runtime].
type RuntimeOption func(*Runtime)

// WithFailureCapacity sets the depth of the failure queue. Failures reported
// while the queue is full are counted and dropped.
func WithFailureCapacity(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.failures = ring.NewQueue[*CallbackError](n)
		}
	}
}

// Runtime creates worklet nodes and collects their failures. One runtime
// belongs to one session; its nodes must all tick on the same real-time
// context.
type Runtime struct {
	failures *ring.Queue[*CallbackError]
	dropped  atomic.Uint64
	total    atomic.Uint64
	recvMu   sync.Mutex

	mu    sync.Mutex
	nodes []*Node
}

// NewRuntime returns an empty runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{}
	for _, o := range opts {
		o(r)
	}
	if r.failures == nil {
		r.failures = ring.NewQueue[*CallbackError](DefaultFailureCapacity)
	}
	return r
}

// NodeOption configures a [Node].
type NodeOption func(*Node)

// WithPort attaches an existing port, typically one the callback closure
// already captured. Without it the node creates its own.
func WithPort(p *Port) NodeOption {
	return func(n *Node) {
		if p != nil {
			n.port = p
		}
	}
}

// CreateWorkletNode wraps cb in a graph node that accepts and emits
// channelCount channels of bufferFrames frames. Upstream buffers with a
// different channel count are converted before cb sees them.
//
// executionContext labels the context the callback belongs to. It names the
// node and tags its failures; callbacks always run synchronously inside the
// tick that drives the node.
func (r *Runtime) CreateWorkletNode(cb Callback, bufferFrames, channelCount int, executionContext string, opts ...NodeOption) (*Node, error) {
	if cb == nil {
		return nil, fmt.Errorf("worklet: nil callback: %w", audio.ErrInvalidConfig)
	}
	if bufferFrames <= 0 || channelCount <= 0 {
		return nil, fmt.Errorf("worklet: %d frames × %d channels: %w", bufferFrames, channelCount, audio.ErrInvalidConfig)
	}
	if executionContext == "" {
		executionContext = "default"
	}

	n := &Node{
		rt:       r,
		cb:       cb,
		name:     "worklet/" + executionContext,
		context:  executionContext,
		frames:   bufferFrames,
		channels: channelCount,
		silence:  audio.NewBuffer(channelCount, bufferFrames, 0),
		view:     &audio.Buffer{Channels: make([][]float32, channelCount)},
		outs:     make([]*audio.Buffer, 1),
	}
	for _, o := range opts {
		o(n)
	}
	if n.port == nil {
		n.port = NewPort(DefaultPortCapacity)
	}

	r.mu.Lock()
	r.nodes = append(r.nodes, n)
	r.mu.Unlock()
	return n, nil
}

// NextFailure returns the oldest queued callback failure. Control side.
func (r *Runtime) NextFailure() (*CallbackError, bool) {
	r.recvMu.Lock()
	defer r.recvMu.Unlock()
	return r.failures.Pop()
}

// Failures returns how many callback faults occurred and how many of those
// could not be queued.
func (r *Runtime) Failures() (total, dropped uint64) {
	return r.total.Load(), r.dropped.Load()
}

// Nodes returns the nodes created by the runtime.
func (r *Runtime) Nodes() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Node(nil), r.nodes...)
}

// report queues e for the control context. Real-time side.
func (r *Runtime) report(e *CallbackError) {
	r.total.Add(1)
	if !r.failures.Push(e) {
		r.dropped.Add(1)
	}
}

var _ graph.Node = (*Node)(nil)

// Node is a [graph.Node] that runs a [Callback] once per tick.
type Node struct {
	rt       *Runtime
	cb       Callback
	port     *Port
	name     string
	context  string
	frames   int
	channels int

	silence *audio.Buffer
	view    *audio.Buffer
	outs    []*audio.Buffer

	invocations atomic.Uint64
	failures    atomic.Uint64
}

// Name implements [graph.Node].
func (n *Node) Name() string { return n.name }

// Context returns the execution-context label.
func (n *Node) Context() string { return n.context }

// Port returns the node's message port.
func (n *Node) Port() *Port { return n.port }

// Invocations returns how many times the callback was called.
func (n *Node) Invocations() uint64 { return n.invocations.Load() }

// FailureCount returns how many invocations faulted.
func (n *Node) FailureCount() uint64 { return n.failures.Load() }

// Inputs implements [graph.Node].
func (n *Node) Inputs() []graph.PortSpec {
	return []graph.PortSpec{{Channels: n.channels, Convert: true}}
}

// Outputs implements [graph.Node].
func (n *Node) Outputs() []graph.PortSpec {
	return []graph.PortSpec{{Channels: n.channels}}
}

// Process implements [graph.Node]. It never returns an error: callback faults
// are converted to silence and reported through the runtime.
func (n *Node) Process(in []*audio.Buffer) ([]*audio.Buffer, error) {
	tick := n.invocations.Add(1)
	src := in[0]

	res, reason := n.invoke(src)
	switch {
	case reason != "":
	case res == nil:
		n.outs[0] = src
		return n.outs, nil
	default:
		if reason = n.checkShape(res); reason == "" {
			copy(n.view.Channels, res)
			n.view.SampleRate = src.SampleRate
			n.outs[0] = n.view
			return n.outs, nil
		}
	}

	n.failures.Add(1)
	n.silence.Zero()
	n.silence.SampleRate = src.SampleRate
	n.outs[0] = n.silence
	n.rt.report(&CallbackError{Node: n.name, Context: n.context, Tick: tick, Reason: reason})
	return n.outs, nil
}

func (n *Node) invoke(src *audio.Buffer) (res [][]float32, reason string) {
	defer func() {
		if r := recover(); r != nil {
			res, reason = nil, fmt.Sprintf("panic: %v", r)
		}
	}()
	return n.cb(src.Channels, len(src.Channels)), ""
}

func (n *Node) checkShape(res [][]float32) string {
	if len(res) != n.channels {
		return fmt.Sprintf("returned %d channels, want %d", len(res), n.channels)
	}
	for c, ch := range res {
		if len(ch) != n.frames {
			return fmt.Sprintf("channel %d has %d frames, want %d", c, len(ch), n.frames)
		}
	}
	return ""
}
