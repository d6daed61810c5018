package graph

import (
	"fmt"
	"io"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/sink"
)

// AdapterNode turns raw capture buffers into the graph's channel layout. It is
// normally the only root of a session graph: the graph feeds it the tick's
// capture buffer, converting channel counts when the capture format differs.
type AdapterNode struct {
	name string
	port PortSpec
	outs []*audio.Buffer
}

// NewAdapterNode returns an adapter emitting channels-channel buffers.
func NewAdapterNode(name string, channels int) *AdapterNode {
	return &AdapterNode{
		name: name,
		port: PortSpec{Channels: channels, Convert: true},
		outs: make([]*audio.Buffer, 1),
	}
}

func (n *AdapterNode) Name() string { return n.name }

func (n *AdapterNode) Inputs() []PortSpec { return []PortSpec{n.port} }

func (n *AdapterNode) Outputs() []PortSpec { return []PortSpec{{Channels: n.port.Channels}} }

// Process passes the (already converted) capture buffer through unchanged.
func (n *AdapterNode) Process(in []*audio.Buffer) ([]*audio.Buffer, error) {
	n.outs[0] = in[0]
	return n.outs, nil
}

// DestinationNode is the terminal node of a graph. It hands every buffer it
// receives to a [sink.Sink] and has no outputs.
type DestinationNode struct {
	name string
	port PortSpec
	sink sink.Sink
}

// NewDestinationNode returns a destination accepting channels-channel
// buffers. Upstream buffers with a different channel count are converted. A
// nil sink discards.
func NewDestinationNode(name string, channels int, s sink.Sink) *DestinationNode {
	if s == nil {
		s = sink.Discard
	}
	return &DestinationNode{
		name: name,
		port: PortSpec{Channels: channels, Convert: true},
		sink: s,
	}
}

func (n *DestinationNode) Name() string { return n.name }

func (n *DestinationNode) Inputs() []PortSpec { return []PortSpec{n.port} }

func (n *DestinationNode) Outputs() []PortSpec { return nil }

// Process writes the input buffer to the sink.
func (n *DestinationNode) Process(in []*audio.Buffer) ([]*audio.Buffer, error) {
	if err := n.sink.Write(in[0]); err != nil {
		return nil, fmt.Errorf("destination %q: %w", n.name, err)
	}
	return nil, nil
}

// Close releases the sink if it holds resources.
func (n *DestinationNode) Close() error {
	if c, ok := n.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MixerNode sums several inputs of the same layout into one output. It is the
// only way to fan multiple edges into one stream, since every input port
// accepts at most one edge.
type MixerNode struct {
	name   string
	inputs int
	ch     int
	gain   float32
	out    *audio.Buffer
	outs   []*audio.Buffer
}

// NewMixerNode returns a mixer with inputs ports of channels channels each.
// frames and sampleRate size its output buffer and must match the graph.
// Each input is scaled by 1/inputs so that full-scale inputs cannot clip.
func NewMixerNode(name string, inputs, channels, frames, sampleRate int) *MixerNode {
	out := audio.NewBuffer(channels, frames, sampleRate)
	return &MixerNode{
		name:   name,
		inputs: inputs,
		ch:     channels,
		gain:   1 / float32(max(inputs, 1)),
		out:    out,
		outs:   []*audio.Buffer{out},
	}
}

func (n *MixerNode) Name() string { return n.name }

func (n *MixerNode) Inputs() []PortSpec {
	ports := make([]PortSpec, n.inputs)
	for i := range ports {
		ports[i] = PortSpec{Channels: n.ch, Convert: true}
	}
	return ports
}

func (n *MixerNode) Outputs() []PortSpec { return []PortSpec{{Channels: n.ch}} }

// Process mixes all inputs into the output buffer.
func (n *MixerNode) Process(in []*audio.Buffer) ([]*audio.Buffer, error) {
	n.out.Zero()
	for _, b := range in {
		for c, dst := range n.out.Channels {
			src := b.Channels[c]
			for i := range dst {
				dst[i] += src[i] * n.gain
			}
		}
	}
	return n.outs, nil
}
