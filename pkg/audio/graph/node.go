package graph

import "github.com/MrWong99/micgraph/pkg/audio"

// NodeID is the handle of a node inside one [Graph]. IDs are never reused
// within a graph.
type NodeID int

// PortSpec declares one input or output port of a [Node].
type PortSpec struct {
	// Channels is the channel count of buffers on this port. Must be > 0.
	Channels int

	// Convert marks an input port that accepts any upstream channel count.
	// Mismatched buffers are converted (mono upmix, average downmix) before
	// delivery. Ignored on output ports.
	Convert bool
}

// Node is a vertex of the processing graph.
//
// Process is called exactly once per tick, on the real-time context, with one
// buffer per declared input port. It returns one buffer per declared output
// port with the declared channel count and the graph's frame count. A node may
// return one of its input buffers unchanged to pass it through without a copy.
// Returned buffers must stay valid until the next call to Process.
//
// Process must not block, and must not retain the input buffers after it
// returns. A returned error (or a panic) makes the graph substitute silence
// for the node's outputs during that tick.
type Node interface {
	// Name identifies the node in logs and metrics.
	Name() string

	// Inputs declares the node's input ports. The result must not change
	// after the node was added to a graph.
	Inputs() []PortSpec

	// Outputs declares the node's output ports. The result must not change
	// after the node was added to a graph.
	Outputs() []PortSpec

	// Process maps input buffers to output buffers for one tick.
	Process(in []*audio.Buffer) ([]*audio.Buffer, error)
}
