// Package audio defines the buffer types, sentinel errors, and sample
// conversion helpers shared by the micgraph real-time audio stack.
//
// The stack is split into narrow sub-packages:
//
//   - audio/permission: capture authorisation ([permission.Gate]).
//   - audio/capture: hardware input streams delivering fixed-size buffers.
//   - audio/graph: the node graph walked once per buffer tick.
//   - audio/worklet: user callbacks executed inside a tick.
//   - audio/sink: terminal outputs behind the destination node.
//
// This package lives under pkg/ because third-party capture drivers and
// worklet callbacks are expected to build on [Buffer].
package audio

import "time"

// Buffer is one block of planar audio flowing through a processing pass.
// Channels[c][i] is sample i of channel c, normalised to [-1, 1].
//
// A Buffer handed to a node is only valid for the duration of the current
// processing pass. Nodes must not retain it (or any of its channel slices)
// after they return.
type Buffer struct {
	// Channels holds one slice per channel; all slices have the same length.
	Channels [][]float32

	// SampleRate in Hz (e.g., 48000).
	SampleRate int
}

// NewBuffer allocates a zeroed Buffer with the given shape. Channel slices are
// carved from a single backing array.
func NewBuffer(channels, frames, sampleRate int) *Buffer {
	if channels < 0 {
		channels = 0
	}
	if frames < 0 {
		frames = 0
	}
	backing := make([]float32, channels*frames)
	b := &Buffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for c := range channels {
		b.Channels[c] = backing[c*frames : (c+1)*frames : (c+1)*frames]
	}
	return b
}

// ChannelCount returns the number of channels in b.
func (b *Buffer) ChannelCount() int {
	if b == nil {
		return 0
	}
	return len(b.Channels)
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the wall-clock length of the buffer at its sample rate.
func (b *Buffer) Duration() time.Duration {
	return FrameDuration(b.Frames(), b.SampleRate)
}

// Zero overwrites every sample with silence.
func (b *Buffer) Zero() {
	if b == nil {
		return
	}
	for _, ch := range b.Channels {
		clear(ch)
	}
}

// IsSilent reports whether every sample in b is exactly zero.
func (b *Buffer) IsSilent() bool {
	if b == nil {
		return true
	}
	for _, ch := range b.Channels {
		for _, s := range ch {
			if s != 0 {
				return false
			}
		}
	}
	return true
}

// SameShape reports whether b and o have equal channel and frame counts.
func (b *Buffer) SameShape(o *Buffer) bool {
	return b.ChannelCount() == o.ChannelCount() && b.Frames() == o.Frames()
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameDuration returns how long frames samples last at sampleRate.
// For 1024 frames at 48 kHz this is ~21.33 ms.
func FrameDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 || frames <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(sampleRate))
}
