package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame returns the size of one interleaved sample frame in bytes.
func (f Format) BytesPerFrame() int {
	return 2 * max(f.Channels, 1)
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate %d must be positive", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%d channels not supported (want 1 or 2)", f.Channels)
	}
	return nil
}

// Converter turns a raw little-endian PCM16 byte stream in one [Format] into
// another. Reads from a pipe may split sample frames at any byte, so the
// converter carries incomplete trailing frames over to the next call and
// every returned chunk passes [ValidFrame].
//
// A Converter is stateful; use one per stream and not concurrently.
type Converter struct {
	from, to Format
	rem      []byte
	warnOnce sync.Once
}

// NewConverter returns a Converter from src to dst. Both formats must have a
// positive sample rate and one or two channels.
func NewConverter(src, dst Format) (*Converter, error) {
	if err := src.validate(); err != nil {
		return nil, fmt.Errorf("audio: source format: %w", err)
	}
	if err := dst.validate(); err != nil {
		return nil, fmt.Errorf("audio: target format: %w", err)
	}
	return &Converter{from: src, to: dst}, nil
}

// ErrIncompleteFrame is returned by [Converter.Flush] when bytes of a partial
// sample frame were left over at the end of a stream.
var ErrIncompleteFrame = errors.New("audio: incomplete trailing sample frame")

// Convert appends chunk to any carried-over bytes and returns the converted
// audio for all complete sample frames. It returns nil when no complete frame
// is available yet.
func (c *Converter) Convert(chunk []byte) []byte {
	data := make([]byte, 0, len(c.rem)+len(chunk))
	data = append(data, c.rem...)
	data = append(data, chunk...)

	n := len(data) - len(data)%c.from.BytesPerFrame()
	c.rem = append(c.rem[:0], data[n:]...)
	if n == 0 {
		return nil
	}
	pcm := data[:n]

	if c.from == c.to {
		return pcm
	}
	c.warnOnce.Do(func() {
		slog.Debug("audio: converting pcm16 stream", "from", c.from, "to", c.to)
	})

	switch {
	case c.from.Channels == 2 && c.to.Channels == 1:
		// Downmix first so only one channel is resampled.
		pcm = ResampleMono16(StereoToMono(pcm), c.from.SampleRate, c.to.SampleRate)
	case c.from.Channels == 1 && c.to.Channels == 2:
		pcm = MonoToStereo(ResampleMono16(pcm, c.from.SampleRate, c.to.SampleRate))
	case c.from.Channels == 2:
		pcm = ResampleStereo16(pcm, c.from.SampleRate, c.to.SampleRate)
	default:
		pcm = ResampleMono16(pcm, c.from.SampleRate, c.to.SampleRate)
	}
	if len(pcm) == 0 {
		return nil
	}
	return pcm
}

// Flush discards carried-over bytes. It returns [ErrIncompleteFrame] if any
// were pending.
func (c *Converter) Flush() error {
	pending := len(c.rem)
	c.rem = c.rem[:0]
	if pending > 0 {
		return fmt.Errorf("%w: %d bytes", ErrIncompleteFrame, pending)
	}
	return nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(readSample(pcm, i*2))
		r := int32(readSample(pcm, i*2+1))
		// The average of two int16 values always fits in int16.
		writeSample(out, i, int16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates are equal or either is non-positive, the input
// is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples 16-bit interleaved stereo PCM from srcRate to
// dstRate using linear interpolation per channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}

func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := min(srcIdx+1, srcFrames-1)

		for ch := range channels {
			s0 := float64(readSample(pcm, srcIdx*channels+ch))
			s1 := float64(readSample(pcm, next*channels+ch))
			writeSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func readSample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func writeSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}
