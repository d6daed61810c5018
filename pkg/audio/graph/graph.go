// Package graph implements the directed audio processing graph that is walked
// once per captured buffer.
//
// Nodes live in an arena and are addressed by [NodeID]. Edges connect one
// output port to one input port; every input port has at most one inbound
// edge, and connects that would close a cycle are rejected. The topological
// order is recomputed on every mutation, so [Graph.Tick] never allocates.
//
// The graph separates two execution contexts. Topology is changed from the
// control context, and only while the graph is stopped. Ticks run on the
// real-time capture context, and only while the graph is started. Breaking
// this contract is detected and reported as [audio.ErrConcurrentMutation].
package graph

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/micgraph/pkg/audio"
)

// ErrUnknownNode is returned when a NodeID or port index does not name an
// existing node or port.
var ErrUnknownNode = errors.New("graph: unknown node or port")

// Config holds the parameters of a [Graph].
type Config struct {
	// SampleRate of every buffer in the graph. Must be > 0.
	SampleRate int

	// BufferFrames is the frame count of every buffer in the graph. Must be > 0.
	BufferFrames int

	// Logger receives contract violations from the control context. Nil uses
	// slog.Default().
	Logger *slog.Logger

	// OnNodeError is called on the real-time context when a node fails during
	// a tick. It must not block. Optional.
	OnNodeError func(id NodeID, name string, err error)
}

// Edge is a directed connection from an output port to an input port.
type Edge struct {
	From     NodeID
	FromPort int
	To       NodeID
	ToPort   int
}

// Stats is a snapshot of graph counters.
type Stats struct {
	Ticks      uint64
	NodeErrors uint64
	Rejected   uint64
}

type slot struct {
	node    Node
	name    string
	ins     []PortSpec
	outs    []PortSpec
	inbound []*Edge // per input port; nil when unconnected

	// Preallocated per-tick scratch.
	inBufs  []*audio.Buffer
	conv    []*audio.Buffer // per input port
	silence []*audio.Buffer // per output port
	out     []*audio.Buffer // outputs of the current tick
}

func (s *slot) isRoot() bool {
	for _, e := range s.inbound {
		if e != nil {
			return false
		}
	}
	return true
}

// Graph is a directed acyclic graph of audio nodes. All methods are safe for
// concurrent use; see the package documentation for the context rules.
type Graph struct {
	cfg Config
	log *slog.Logger

	// mu is held by every mutation and by every tick. Ticks only TryLock it,
	// so contention surfaces as ErrConcurrentMutation instead of blocking the
	// real-time context.
	mu      sync.Mutex
	nodes   []*slot // indexed by NodeID; nil after Remove
	order   []NodeID
	closed  bool
	running atomic.Bool

	ticks      atomic.Uint64
	nodeErrors atomic.Uint64
	rejected   atomic.Uint64
}

// New creates an empty, stopped graph.
func New(cfg Config) (*Graph, error) {
	if cfg.SampleRate <= 0 || cfg.BufferFrames <= 0 {
		return nil, fmt.Errorf("graph: sample rate %d, buffer frames %d: %w",
			cfg.SampleRate, cfg.BufferFrames, audio.ErrInvalidConfig)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Graph{cfg: cfg, log: log}, nil
}

// BufferFrames returns the frame count every buffer in the graph carries.
func (g *Graph) BufferFrames() int { return g.cfg.BufferFrames }

// SampleRate returns the graph's sample rate.
func (g *Graph) SampleRate() int { return g.cfg.SampleRate }

// Running reports whether ticks are currently allowed.
func (g *Graph) Running() bool { return g.running.Load() }

// Stats returns a snapshot of the graph counters.
func (g *Graph) Stats() Stats {
	return Stats{
		Ticks:      g.ticks.Load(),
		NodeErrors: g.nodeErrors.Load(),
		Rejected:   g.rejected.Load(),
	}
}

// lockForMutation acquires mu for a topology change, rejecting the change if
// the graph is started or a tick is in flight.
func (g *Graph) lockForMutation(op string) error {
	if !g.mu.TryLock() {
		return g.rejectMutation(op)
	}
	if g.running.Load() {
		g.mu.Unlock()
		return g.rejectMutation(op)
	}
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("graph: %s on closed graph: %w", op, audio.ErrInvalidState)
	}
	return nil
}

func (g *Graph) rejectMutation(op string) error {
	g.rejected.Add(1)
	err := fmt.Errorf("graph: %s while ticking: %w", op, audio.ErrConcurrentMutation)
	g.log.Error("graph mutation rejected", "op", op, "err", err)
	return err
}

// Add inserts node into the arena and returns its handle.
func (g *Graph) Add(node Node) (NodeID, error) {
	if node == nil {
		return -1, fmt.Errorf("graph: add nil node: %w", audio.ErrInvalidConfig)
	}
	ins, outs := node.Inputs(), node.Outputs()
	for _, p := range append(append([]PortSpec(nil), ins...), outs...) {
		if p.Channels <= 0 {
			return -1, fmt.Errorf("graph: node %q declares a port with %d channels: %w",
				node.Name(), p.Channels, audio.ErrInvalidConfig)
		}
	}

	if err := g.lockForMutation("add"); err != nil {
		return -1, err
	}
	defer g.mu.Unlock()

	for _, s := range g.nodes {
		if s != nil && s.node == node {
			return -1, fmt.Errorf("graph: node %q already added: %w", node.Name(), audio.ErrInvalidState)
		}
	}

	frames, rate := g.cfg.BufferFrames, g.cfg.SampleRate
	s := &slot{
		node:    node,
		name:    node.Name(),
		ins:     ins,
		outs:    outs,
		inbound: make([]*Edge, len(ins)),
		inBufs:  make([]*audio.Buffer, len(ins)),
		conv:    make([]*audio.Buffer, len(ins)),
		silence: make([]*audio.Buffer, len(outs)),
		out:     make([]*audio.Buffer, len(outs)),
	}
	for i, p := range ins {
		s.conv[i] = audio.NewBuffer(p.Channels, frames, rate)
	}
	for i, p := range outs {
		s.silence[i] = audio.NewBuffer(p.Channels, frames, rate)
	}

	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, s)
	g.order = g.topoSort()
	return id, nil
}

// Remove deletes a node and every edge touching it. If the node implements
// io.Closer it is closed.
func (g *Graph) Remove(id NodeID) error {
	if err := g.lockForMutation("remove"); err != nil {
		return err
	}
	defer g.mu.Unlock()

	s, err := g.slot(id)
	if err != nil {
		return err
	}
	for _, other := range g.nodes {
		if other == nil {
			continue
		}
		for i, e := range other.inbound {
			if e != nil && e.From == id {
				other.inbound[i] = nil
			}
		}
	}
	g.nodes[id] = nil
	g.order = g.topoSort()
	return closeNode(s.node)
}

// Connect adds the edge (from, fromPort) → (to, toPort).
//
// It fails with [audio.ErrArityMismatch] when the port channel counts differ
// and the input port does not convert, [audio.ErrPortOccupied] when the input
// port already has an inbound edge, and [audio.ErrCycleDetected] when the
// edge would close a cycle. A failed Connect leaves the topology unchanged.
func (g *Graph) Connect(from NodeID, fromPort int, to NodeID, toPort int) error {
	if err := g.lockForMutation("connect"); err != nil {
		return err
	}
	defer g.mu.Unlock()

	src, err := g.slot(from)
	if err != nil {
		return err
	}
	dst, err := g.slot(to)
	if err != nil {
		return err
	}
	if fromPort < 0 || fromPort >= len(src.outs) {
		return fmt.Errorf("graph: %q has no output port %d: %w", src.name, fromPort, ErrUnknownNode)
	}
	if toPort < 0 || toPort >= len(dst.ins) {
		return fmt.Errorf("graph: %q has no input port %d: %w", dst.name, toPort, ErrUnknownNode)
	}

	out, in := src.outs[fromPort], dst.ins[toPort]
	if out.Channels != in.Channels && !in.Convert {
		return fmt.Errorf("graph: connect %q[%d] (%d ch) → %q[%d] (%d ch): %w",
			src.name, fromPort, out.Channels, dst.name, toPort, in.Channels, audio.ErrArityMismatch)
	}
	if dst.inbound[toPort] != nil {
		return fmt.Errorf("graph: %q input %d: %w", dst.name, toPort, audio.ErrPortOccupied)
	}
	if from == to || g.reachable(to, from) {
		return fmt.Errorf("graph: connect %q → %q: %w", src.name, dst.name, audio.ErrCycleDetected)
	}

	dst.inbound[toPort] = &Edge{From: from, FromPort: fromPort, To: to, ToPort: toPort}
	g.order = g.topoSort()
	return nil
}

// Disconnect removes the edge (from, fromPort) → (to, toPort). It fails with
// [audio.ErrEdgeNotFound] when no such edge exists.
func (g *Graph) Disconnect(from NodeID, fromPort int, to NodeID, toPort int) error {
	if err := g.lockForMutation("disconnect"); err != nil {
		return err
	}
	defer g.mu.Unlock()

	dst, err := g.slot(to)
	if err != nil || toPort < 0 || toPort >= len(dst.inbound) {
		return fmt.Errorf("graph: disconnect %d[%d] → %d[%d]: %w", from, fromPort, to, toPort, audio.ErrEdgeNotFound)
	}
	e := dst.inbound[toPort]
	if e == nil || e.From != from || e.FromPort != fromPort {
		return fmt.Errorf("graph: disconnect %d[%d] → %d[%d]: %w", from, fromPort, to, toPort, audio.ErrEdgeNotFound)
	}
	dst.inbound[toPort] = nil
	g.order = g.topoSort()
	return nil
}

// Edges returns every edge in the graph, ordered by destination node and port.
func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	var edges []Edge
	for _, s := range g.nodes {
		if s == nil {
			continue
		}
		for _, e := range s.inbound {
			if e != nil {
				edges = append(edges, *e)
			}
		}
	}
	return edges
}

// Order returns the cached processing order.
func (g *Graph) Order() []NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]NodeID(nil), g.order...)
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

// Start allows ticks. From now on topology mutations are rejected.
func (g *Graph) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("graph: start closed graph: %w", audio.ErrInvalidState)
	}
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("graph: already started: %w", audio.ErrInvalidState)
	}
	return nil
}

// Stop disallows ticks and waits for a tick in flight to complete. Stopping a
// stopped graph is a no-op.
func (g *Graph) Stop() {
	g.running.Store(false)
	// Drain: a tick holds mu for its whole pass.
	g.mu.Lock()
	defer g.mu.Unlock()
}

// Close stops the graph and destroys every node. Nodes implementing io.Closer
// are closed in processing order. Close is idempotent.
func (g *Graph) Close() error {
	g.Stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	var errs []error
	for _, id := range g.order {
		if err := closeNode(g.nodes[id].node); err != nil {
			errs = append(errs, fmt.Errorf("graph: close %q: %w", g.nodes[id].name, err))
		}
	}
	g.nodes = nil
	g.order = nil
	return errors.Join(errs...)
}

// Tick runs one processing pass. Every node is processed exactly once, in
// dependency order. Root nodes (those without inbound edges) receive in on
// each of their input ports, converted to the port's channel count when
// necessary.
//
// Tick is called from the real-time context and never blocks: an overlapping
// tick or a concurrent mutation fails with [audio.ErrConcurrentMutation].
func (g *Graph) Tick(in *audio.Buffer) error {
	if !g.running.Load() {
		return fmt.Errorf("graph: tick while stopped: %w", audio.ErrInvalidState)
	}
	if !g.mu.TryLock() {
		g.rejected.Add(1)
		return fmt.Errorf("graph: overlapping tick: %w", audio.ErrConcurrentMutation)
	}
	defer g.mu.Unlock()
	if !g.running.Load() {
		// Stop won the race for mu.
		return fmt.Errorf("graph: tick while stopped: %w", audio.ErrInvalidState)
	}
	if in.Frames() != g.cfg.BufferFrames {
		return fmt.Errorf("graph: tick buffer has %d frames, want %d: %w",
			in.Frames(), g.cfg.BufferFrames, audio.ErrInvalidConfig)
	}

	for _, id := range g.order {
		g.process(id, g.nodes[id], in)
	}
	g.ticks.Add(1)
	return nil
}

func (g *Graph) process(id NodeID, s *slot, in *audio.Buffer) {
	root := s.isRoot()
	for i, port := range s.ins {
		var src *audio.Buffer
		switch e := s.inbound[i]; {
		case e != nil:
			src = g.nodes[e.From].out[e.FromPort]
		case root:
			src = in
		default:
			s.conv[i].Zero()
			s.inBufs[i] = s.conv[i]
			continue
		}
		if src.ChannelCount() != port.Channels {
			audio.ConvertChannels(s.conv[i], src)
			src = s.conv[i]
		}
		s.inBufs[i] = src
	}

	outs, err := safeProcess(s.node, s.inBufs)
	if err == nil {
		err = g.checkOutputs(s, outs)
	}
	if err != nil {
		g.nodeErrors.Add(1)
		for i, b := range s.silence {
			b.Zero()
			s.out[i] = b
		}
		if g.cfg.OnNodeError != nil {
			g.cfg.OnNodeError(id, s.name, err)
		}
	} else {
		copy(s.out, outs)
	}
	clear(s.inBufs)
}

func (g *Graph) checkOutputs(s *slot, outs []*audio.Buffer) error {
	if len(outs) != len(s.outs) {
		return fmt.Errorf("graph: %q returned %d outputs, want %d", s.name, len(outs), len(s.outs))
	}
	for i, b := range outs {
		if b.ChannelCount() != s.outs[i].Channels || b.Frames() != g.cfg.BufferFrames {
			return fmt.Errorf("graph: %q output %d has %dx%d, want %dx%d", s.name, i,
				b.ChannelCount(), b.Frames(), s.outs[i].Channels, g.cfg.BufferFrames)
		}
	}
	return nil
}

func safeProcess(n Node, in []*audio.Buffer) (out []*audio.Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graph: node %q panicked: %v", n.Name(), r)
		}
	}()
	return n.Process(in)
}

func (g *Graph) slot(id NodeID) (*slot, error) {
	if id < 0 || int(id) >= len(g.nodes) || g.nodes[id] == nil {
		return nil, fmt.Errorf("graph: node %d: %w", id, ErrUnknownNode)
	}
	return g.nodes[id], nil
}

// reachable reports whether target can be reached from start by following
// edges downstream. Called with mu held.
func (g *Graph) reachable(start, target NodeID) bool {
	seen := make([]bool, len(g.nodes))
	stack := []NodeID{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		for next, s := range g.nodes {
			if s == nil || seen[next] {
				continue
			}
			for _, e := range s.inbound {
				if e != nil && e.From == id {
					stack = append(stack, NodeID(next))
					break
				}
			}
		}
	}
	return false
}

// topoSort returns the nodes in dependency order (Kahn's algorithm, ties
// broken by NodeID). Called with mu held; the graph is acyclic by
// construction.
func (g *Graph) topoSort() []NodeID {
	indeg := make([]int, len(g.nodes))
	var ready []NodeID
	for id, s := range g.nodes {
		if s == nil {
			continue
		}
		for _, e := range s.inbound {
			if e != nil {
				indeg[id]++
			}
		}
		if indeg[id] == 0 {
			ready = append(ready, NodeID(id))
		}
	}

	order := make([]NodeID, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for next, s := range g.nodes {
			if s == nil {
				continue
			}
			for _, e := range s.inbound {
				if e != nil && e.From == id {
					indeg[next]--
					if indeg[next] == 0 {
						ready = append(ready, NodeID(next))
					}
				}
			}
		}
	}
	return order
}

func closeNode(n Node) error {
	if c, ok := n.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
