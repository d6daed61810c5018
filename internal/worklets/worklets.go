// Package worklets contains the built-in worklet callbacks a session can be
// configured with.
//
// Every worklet reports through its [worklet.Port] outbox and never logs or
// allocates on the real-time path; the session reporter turns the messages
// into log lines and events.
package worklets

import (
	"fmt"
	"math"

	"github.com/MrWong99/micgraph/pkg/audio"
	"github.com/MrWong99/micgraph/pkg/audio/worklet"
)

// Built-in worklet kinds.
const (
	KindLength = "length"
	KindMeter  = "meter"
	KindGain   = "gain"
)

// Kinds lists every built-in worklet kind.
var Kinds = []string{KindLength, KindMeter, KindGain}

// Message kinds sent through worklet ports.
const (
	MsgLength = "length"
	MsgLevels = "levels"
	MsgGain   = "gain"
)

// MinDB is the floor of reported levels (silence).
const MinDB = -60.0

// clipThreshold is slightly below full scale to catch near-clips.
const clipThreshold = 32760.0 / 32768.0

// Options configures a built-in worklet.
type Options struct {
	// Kind is one of [Kinds].
	Kind string

	// Frames and Channels are the node's buffer shape.
	Frames   int
	Channels int

	// Context is the execution-context label of the node.
	Context string

	// Gain is the initial linear gain of the gain worklet.
	Gain float64

	// PortCapacity sizes the node's message queues. Zero uses the default.
	PortCapacity int
}

// New creates the worklet named by opts.Kind on rt.
func New(rt *worklet.Runtime, opts Options) (*worklet.Node, error) {
	port := worklet.NewPort(opts.PortCapacity)
	var cb worklet.Callback
	switch opts.Kind {
	case KindLength, "":
		cb = Length(port)
	case KindMeter:
		cb = Meter(port)
	case KindGain:
		cb = Gain(port, opts.Gain, opts.Frames, opts.Channels)
	default:
		return nil, fmt.Errorf("worklets: unknown kind %q: %w", opts.Kind, audio.ErrInvalidConfig)
	}
	return rt.CreateWorkletNode(cb, opts.Frames, opts.Channels, opts.Context, worklet.WithPort(port))
}

// Length reports the frame count of the first channel on every tick and
// passes the audio through unchanged.
func Length(port *worklet.Port) worklet.Callback {
	var tick uint64
	return func(in [][]float32, _ int) [][]float32 {
		tick++
		n := 0
		if len(in) > 0 {
			n = len(in[0])
		}
		port.Send(worklet.Message{Kind: MsgLength, Tick: tick, Values: [4]float64{float64(n)}})
		return nil
	}
}

// Levels is a decoded [MsgLevels] message.
type Levels struct {
	Tick    uint64
	RMSdB   float64
	PeakdB  float64
	Clipped int
}

// ParseLevels decodes a [MsgLevels] message.
func ParseLevels(m worklet.Message) (Levels, bool) {
	if m.Kind != MsgLevels {
		return Levels{}, false
	}
	return Levels{Tick: m.Tick, RMSdB: m.Values[0], PeakdB: m.Values[1], Clipped: int(m.Values[2])}, true
}

// Meter measures RMS and peak level in dBFS across all channels on every tick
// and passes the audio through unchanged.
func Meter(port *worklet.Port) worklet.Callback {
	var tick uint64
	return func(in [][]float32, _ int) [][]float32 {
		tick++
		var sumSquares, peak float64
		var count, clipped int
		for _, ch := range in {
			for _, s := range ch {
				v := float64(s)
				sumSquares += v * v
				if a := math.Abs(v); a > peak {
					peak = a
				}
				if v >= clipThreshold || v <= -clipThreshold {
					clipped++
				}
				count++
			}
		}
		rms, pk := MinDB, MinDB
		if count > 0 {
			rms = max(toDB(math.Sqrt(sumSquares/float64(count))), MinDB)
			pk = max(toDB(peak), MinDB)
		}
		port.Send(worklet.Message{Kind: MsgLevels, Tick: tick, Values: [4]float64{rms, pk, float64(clipped)}})
		return nil
	}
}

func toDB(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(v)
}

// Gain scales the audio by a linear factor. The factor starts at initial and
// changes when a [MsgGain] message arrives on the inbox; see [PostGain].
// frames and channels size the output buffer and must match the node.
func Gain(port *worklet.Port, initial float64, frames, channels int) worklet.Callback {
	out := audio.NewBuffer(channels, frames, 0)
	gain := float32(initial)
	return func(in [][]float32, _ int) [][]float32 {
		for msg, ok := port.Next(); ok; msg, ok = port.Next() {
			if msg.Kind == MsgGain {
				gain = float32(msg.Values[0])
			}
		}
		if gain == 1 {
			return nil
		}
		for c, ch := range in {
			if c >= len(out.Channels) {
				break
			}
			dst := out.Channels[c]
			for i, s := range ch {
				dst[i] = s * gain
			}
		}
		return out.Channels
	}
}

// PostGain asks a gain worklet to switch to gain. Control side.
func PostGain(port *worklet.Port, gain float64) bool {
	return port.Post(worklet.Message{Kind: MsgGain, Values: [4]float64{gain}})
}
