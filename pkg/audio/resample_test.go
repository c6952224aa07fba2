package audio_test

import (
	"math"
	"testing"

	"github.com/veranda-ai/veranda/pkg/audio"
)

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	// 24 kHz → 16 kHz: 480 samples become 320.
	in := make([]int16, 480)
	out := audio.ResampleMono16(samplesToBytes(in), 24000, 16000)
	if got := len(out) / 2; got != 320 {
		t.Errorf("downsampled to %d samples; want 320", got)
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()
	in := make([]int16, 320)
	out := audio.ResampleMono16(samplesToBytes(in), 16000, 24000)
	if got := len(out) / 2; got != 480 {
		t.Errorf("upsampled to %d samples; want 480", got)
	}
}

func TestResampleMono16_RoundTripSampleCount(t *testing.T) {
	t.Parallel()
	// A→B→A must preserve the sample count within a small tolerance
	// (integer truncation may shave a sample per leg).
	const srcSamples = 480
	in := make([]int16, srcSamples)
	for i := range in {
		in[i] = int16(10000 * math.Sin(2*math.Pi*float64(i)/48))
	}

	down := audio.ResampleMono16(samplesToBytes(in), 24000, 16000)
	up := audio.ResampleMono16(down, 16000, 24000)

	got := len(up) / 2
	if diff := got - srcSamples; diff < -2 || diff > 2 {
		t.Errorf("round trip: got %d samples; want %d ± 2", got, srcSamples)
	}
}

func TestResampleMono16_InvalidRatesPassThrough(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3})
	for _, tc := range []struct {
		name     string
		src, dst int
	}{
		{"zero src", 0, 16000},
		{"zero dst", 16000, 0},
		{"negative src", -1, 16000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := audio.ResampleMono16(pcm, tc.src, tc.dst)
			if len(out) != len(pcm) {
				t.Errorf("invalid rate pair (%d→%d) altered the buffer", tc.src, tc.dst)
			}
		})
	}
}

func TestResampleMono16_Empty(t *testing.T) {
	t.Parallel()
	if out := audio.ResampleMono16(nil, 24000, 16000); len(out) != 0 {
		t.Errorf("resampling empty input produced %d bytes", len(out))
	}
}
