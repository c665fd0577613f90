// Package audio converts captured samples into the relay's wire frame format:
// 16-bit signed little-endian mono PCM at a fixed sample rate.
//
// Capture sources (a sound card via portaudio, or any other float source)
// deliver normalised float32 samples at their native rate. A Framer downmixes,
// resamples and quantises them into frames that pass ValidFrame.
package audio

import "encoding/binary"

// DefaultSampleRate is the canonical relay sample rate in Hz.
const DefaultSampleRate = 24000

// Framer turns float32 sample blocks into PCM16 frames at TargetRate.
// A Framer is stateless between calls; each block is framed independently.
type Framer struct {
	// SourceRate is the capture rate in Hz.
	SourceRate int

	// SourceChannels is the number of interleaved channels in each input
	// block. Zero is treated as mono.
	SourceChannels int

	// TargetRate is the output rate in Hz. Zero means DefaultSampleRate.
	TargetRate int
}

// Frame converts one block of interleaved float32 samples to a PCM16 frame.
// It returns nil when the block yields no output samples.
func (f Framer) Frame(samples []float32) []byte {
	mono := samples
	if f.SourceChannels > 1 {
		mono = DownmixFloat32(samples, f.SourceChannels)
	}
	target := f.TargetRate
	if target <= 0 {
		target = DefaultSampleRate
	}
	resampled := ResampleLinear(mono, f.SourceRate, target)
	if len(resampled) == 0 {
		return nil
	}
	return Float32ToPCM16(resampled)
}

// ResampleLinear resamples mono float32 samples from inRate to outRate using
// linear interpolation between neighbouring input samples. The output holds
// floor(len(in) / (inRate/outRate)) samples. If the rates are equal (or either
// is non-positive) the input is returned unchanged.
func ResampleLinear(in []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || inRate == outRate {
		return in
	}
	if len(in) == 0 {
		return nil
	}

	ratio := float64(inRate) / float64(outRate)
	n := int(float64(len(in)) / ratio)
	out := make([]float32, n)
	last := len(in) - 1

	for i := range n {
		pos := float64(i) * ratio
		i0 := int(pos)
		i1 := min(i0+1, last)
		t := float32(pos - float64(i0))
		out[i] = in[i0]*(1-t) + in[i1]*t
	}
	return out
}

// Float32ToPCM16 clamps each sample to [-1, 1] and quantises it to int16 with
// an asymmetric scale: negative values scale by 32768 and positive values by
// 32767, so -1.0 maps to -32768 and 1.0 maps to 32767. The result is
// little-endian, two bytes per sample.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7fff)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DownmixFloat32 averages interleaved multi-channel samples into mono.
// Trailing samples that do not form a complete frame are discarded.
func DownmixFloat32(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ValidFrame reports whether frame is a well-formed PCM16 audio frame: non-empty
// and a whole number of 16-bit samples. Invalid frames must be dropped without
// being forwarded or queued.
func ValidFrame(frame []byte) bool {
	return len(frame) > 0 && len(frame)%2 == 0
}
