package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d (%v), want %d (%v)", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	stereo := audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300}))
	equalSamples(t, bytesToSamples(stereo), []int16{100, 100, 200, 200, 300, 300})
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	// 2 complete samples plus one trailing byte.
	pcm := []byte{0x64, 0x00, 0xC8, 0x00, 0xFF}
	stereo := audio.MonoToStereo(pcm)
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes for 2 complete mono samples, got %d", len(stereo))
	}
	equalSamples(t, bytesToSamples(stereo), []int16{100, 100, 200, 200})
}

func TestStereoToMono(t *testing.T) {
	tests := []struct {
		name   string
		stereo []int16
		want   []int16
	}{
		{name: "average", stereo: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{name: "max positive", stereo: []int16{32767, 32767}, want: []int16{32767}},
		{name: "max negative", stereo: []int16{-32768, -32768}, want: []int16{-32768}},
		{name: "partial frame ignored", stereo: []int16{10, 20, 30}, want: []int16{15}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			equalSamples(t, bytesToSamples(audio.StereoToMono(samplesToBytes(tc.stereo))), tc.want)
		})
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if !bytes.Equal(out, pcm) {
		t.Fatalf("expected unchanged output, got %v", out)
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	out := audio.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if last := got[len(got)-1]; last != 2000 {
		t.Errorf("last sample: got %d, want 2000 (clamped neighbour)", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	out := audio.ResampleMono16(samplesToBytes([]int16{100, 200, 300, 400, 500, 600}), 48000, 16000)
	equalSamples(t, bytesToSamples(out), []int16{100, 400})
}

func TestResampleStereo16(t *testing.T) {
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	out := audio.ResampleStereo16(samplesToBytes([]int16{100, 200, 300, 400}), 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
	// Channels stay separated.
	if got[0] != 100 || got[1] != 200 {
		t.Errorf("first frame: got L=%d R=%d, want L=100 R=200", got[0], got[1])
	}
}

func TestResample16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	for _, rates := range [][2]int{{0, 48000}, {48000, 0}, {-1, 48000}} {
		if out := audio.ResampleMono16(pcm, rates[0], rates[1]); len(out) != len(pcm) {
			t.Errorf("mono %v: expected unchanged output, got len %d", rates, len(out))
		}
		if out := audio.ResampleStereo16(pcm, rates[0], rates[1]); len(out) != len(pcm) {
			t.Errorf("stereo %v: expected unchanged output, got len %d", rates, len(out))
		}
	}
}

func TestNewConverter_InvalidFormats(t *testing.T) {
	tests := []struct {
		name     string
		src, dst audio.Format
	}{
		{name: "zero rate", src: audio.Format{SampleRate: 0, Channels: 1}, dst: audio.Format{SampleRate: 24000, Channels: 1}},
		{name: "six channels", src: audio.Format{SampleRate: 48000, Channels: 6}, dst: audio.Format{SampleRate: 24000, Channels: 1}},
		{name: "bad target", src: audio.Format{SampleRate: 48000, Channels: 1}, dst: audio.Format{SampleRate: 24000, Channels: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := audio.NewConverter(tc.src, tc.dst); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestConverter_CarriesPartialFrames(t *testing.T) {
	mono := audio.Format{SampleRate: 24000, Channels: 1}
	conv, err := audio.NewConverter(mono, mono)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	if got := conv.Convert([]byte{1, 2, 3}); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("first chunk: got %v, want [1 2]", got)
	}
	if got := conv.Convert([]byte{4}); !bytes.Equal(got, []byte{3, 4}) {
		t.Errorf("second chunk: got %v, want [3 4]", got)
	}
	if got := conv.Convert([]byte{5}); got != nil {
		t.Errorf("lone byte: got %v, want nil", got)
	}
	if err := conv.Flush(); !errors.Is(err, audio.ErrIncompleteFrame) {
		t.Errorf("Flush: got %v, want ErrIncompleteFrame", err)
	}
	if err := conv.Flush(); err != nil {
		t.Errorf("second Flush: got %v, want nil", err)
	}
}

func TestConverter_StereoToMonoResample(t *testing.T) {
	src := audio.Format{SampleRate: 48000, Channels: 2}
	dst := audio.Format{SampleRate: 24000, Channels: 1}
	conv, err := audio.NewConverter(src, dst)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	var in []int16
	for range 8 {
		in = append(in, 100, 300)
	}
	raw := samplesToBytes(in)

	// Split mid-frame so the carry path is exercised.
	out := conv.Convert(raw[:13])
	out = append(out, conv.Convert(raw[13:])...)

	for i, s := range bytesToSamples(out) {
		if s != 200 {
			t.Errorf("sample %d: got %d, want 200", i, s)
		}
	}
	if !audio.ValidFrame(out) {
		t.Errorf("converted output %d bytes is not a valid frame", len(out))
	}
}

func TestConverter_MonoToStereo(t *testing.T) {
	conv, err := audio.NewConverter(
		audio.Format{SampleRate: 48000, Channels: 1},
		audio.Format{SampleRate: 48000, Channels: 2},
	)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	out := conv.Convert(samplesToBytes([]int16{100, 200, 300}))
	equalSamples(t, bytesToSamples(out), []int16{100, 100, 200, 200, 300, 300})
}

func TestFormat_String(t *testing.T) {
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 24000, Channels: 1}, "24000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 48000, Channels: 6}, "48000Hz 6ch"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
