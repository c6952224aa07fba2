package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/veranda-ai/veranda/pkg/audio"
)

// telephonyFormat is the format negotiated on the telephony leg in production.
var telephonyFormat = audio.CodecConfig{SampleRate: 16000, Channels: 1}

// samplesToBytes converts a slice of int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// sineFrame produces one 20 ms frame of a 440 Hz tone at the telephony rate.
func sineFrame() []byte {
	n := telephonyFormat.FrameSamples()
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(telephonyFormat.SampleRate)))
	}
	return samplesToBytes(samples)
}

func TestCodecConfig_FrameSizes(t *testing.T) {
	t.Parallel()
	if got := telephonyFormat.FrameSamples(); got != 320 {
		t.Errorf("FrameSamples() = %d; want 320", got)
	}
	if got := telephonyFormat.FrameBytes(); got != 640 {
		t.Errorf("FrameBytes() = %d; want 640", got)
	}
}

func TestCodec_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	c := audio.NewCodec(telephonyFormat)
	defer c.Close()

	packet, err := c.Encode(sineFrame())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) == 0 {
		t.Fatal("Encode returned an empty packet")
	}

	pcm, err := c.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// Lossy codec, but frame and channel geometry must survive.
	if len(pcm) != telephonyFormat.FrameBytes() {
		t.Errorf("decoded frame = %d bytes; want %d", len(pcm), telephonyFormat.FrameBytes())
	}
}

func TestCodec_EncodePadsShortInput(t *testing.T) {
	t.Parallel()
	c := audio.NewCodec(telephonyFormat)
	defer c.Close()

	// Half a frame must be padded with silence, not rejected.
	short := sineFrame()[:telephonyFormat.FrameBytes()/2]
	packet, err := c.Encode(short)
	if err != nil {
		t.Fatalf("Encode short input: %v", err)
	}

	pcm, err := c.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != telephonyFormat.FrameBytes() {
		t.Errorf("decoded frame = %d bytes; want %d", len(pcm), telephonyFormat.FrameBytes())
	}
}

func TestCodec_EncodeTruncatesLongInput(t *testing.T) {
	t.Parallel()
	c := audio.NewCodec(telephonyFormat)
	defer c.Close()

	long := append(sineFrame(), sineFrame()...)
	if _, err := c.Encode(long); err != nil {
		t.Fatalf("Encode long input: %v", err)
	}
}

func TestCodec_DecodeGarbageFails(t *testing.T) {
	t.Parallel()
	c := audio.NewCodec(telephonyFormat)
	defer c.Close()

	if _, err := c.Decode([]byte{0xde, 0xad, 0xbe, 0xef}); err == nil {
		t.Error("Decode of garbage bytes succeeded; want error")
	}
}

func TestCodec_ConsecutiveFramesKeepDecoderState(t *testing.T) {
	t.Parallel()
	c := audio.NewCodec(telephonyFormat)
	defer c.Close()

	for i := 0; i < 5; i++ {
		packet, err := c.Encode(sineFrame())
		if err != nil {
			t.Fatalf("Encode frame %d: %v", i, err)
		}
		pcm, err := c.Decode(packet)
		if err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if len(pcm) != telephonyFormat.FrameBytes() {
			t.Fatalf("frame %d: decoded %d bytes; want %d", i, len(pcm), telephonyFormat.FrameBytes())
		}
	}
}

func TestInt16Bytes_RoundTrip(t *testing.T) {
	t.Parallel()
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	got := audio.BytesToInt16s(audio.Int16sToBytes(samples))
	if len(got) != len(samples) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], samples[i])
		}
	}
}
