package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ConvertChannels writes src into dst, converting between channel layouts.
// Both buffers must have the same frame count; dst is fully overwritten.
//
// Conversion rules:
//   - equal channel counts: straight copy
//   - mono → N: the mono channel is copied to every output channel (upmix)
//   - N → mono: the output is the per-frame average of all inputs (downmix)
//   - M → N otherwise: channels are copied by index, extra outputs are silent
//
// ConvertChannels never allocates and is safe to call on the real-time path.
func ConvertChannels(dst, src *Buffer) {
	frames := min(dst.Frames(), src.Frames())
	in, out := src.ChannelCount(), dst.ChannelCount()

	switch {
	case in == 0:
		dst.Zero()
	case in == out:
		for c := range out {
			copy(dst.Channels[c][:frames], src.Channels[c][:frames])
		}
	case in == 1:
		for c := range out {
			copy(dst.Channels[c][:frames], src.Channels[0][:frames])
		}
	case out == 1:
		scale := 1 / float32(in)
		mono := dst.Channels[0]
		for i := range frames {
			var sum float32
			for c := range in {
				sum += src.Channels[c][i]
			}
			mono[i] = sum * scale
		}
	default:
		for c := range out {
			if c < in {
				copy(dst.Channels[c][:frames], src.Channels[c][:frames])
			} else {
				clear(dst.Channels[c][:frames])
			}
		}
	}
}

// DeinterleaveInto copies interleaved samples into dst starting at frame
// offset. channels is the channel count of the interleaved data; when it
// differs from dst the surplus channels are dropped and missing channels are
// filled from the first input channel. Returns the number of frames consumed,
// which is bounded by the free space left in dst.
func DeinterleaveInto(dst *Buffer, offset int, interleaved []float32, channels int) int {
	if channels <= 0 || offset >= dst.Frames() {
		return 0
	}
	frames := min(len(interleaved)/channels, dst.Frames()-offset)
	out := dst.ChannelCount()
	for i := range frames {
		base := i * channels
		for c := range out {
			src := c
			if src >= channels {
				src = 0
			}
			dst.Channels[c][offset+i] = interleaved[base+src]
		}
	}
	return frames
}

// Interleave writes src into dst as interleaved samples (L R L R ...). dst must
// hold at least Frames()*ChannelCount() samples. Returns the sample count
// written.
func Interleave(dst []float32, src *Buffer) int {
	channels := src.ChannelCount()
	frames := src.Frames()
	if channels == 0 || len(dst) < frames*channels {
		return 0
	}
	for i := range frames {
		for c := range channels {
			dst[i*channels+c] = src.Channels[c][i]
		}
	}
	return frames * channels
}

// Float32ToInt16 converts normalised float samples to int16 PCM, clamping to
// the int16 range. Returns the number of samples written.
func Float32ToInt16(dst []int16, src []float32) int {
	n := min(len(dst), len(src))
	for i := range n {
		v := src[i] * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		dst[i] = int16(v)
	}
	return n
}

// Int16ToFloat32 converts int16 PCM samples to normalised floats. Returns the
// number of samples written.
func Int16ToFloat32(dst []float32, src []int16) int {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] = float32(src[i]) / 32768
	}
	return n
}

// BytesToFloat32LE decodes little-endian IEEE-754 float32 samples from b into
// dst. Trailing bytes that do not form a whole sample are ignored. Returns the
// number of samples written.
func BytesToFloat32LE(dst []float32, b []byte) int {
	n := min(len(dst), len(b)/4)
	for i := range n {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return n
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
