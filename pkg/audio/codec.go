// Package audio provides the codec layer of the Veranda voice relay: Opus
// encode/decode for the telephony leg, linear-interpolation resampling
// between the AI endpoint's native rate and the telephony rate, and int16
// little-endian PCM helpers.
//
// The stateful [Codec] type owns one Opus encoder and one Opus decoder for a
// single call. Opus codec state is sequential by nature — create one Codec
// per call and do not share it across goroutines.
package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// FrameDurationMs is the negotiated Opus frame duration on the telephony leg.
const FrameDurationMs = 20

// CodecConfig describes the audio format negotiated with the telephony
// provider at call-answer time.
type CodecConfig struct {
	// SampleRate is the telephony-leg sample rate in Hz (e.g. 16000).
	SampleRate int

	// Channels is the channel count. Telephony media streams are mono.
	Channels int
}

// FrameSamples returns the number of PCM samples per channel in one
// 20 ms Opus frame at the configured rate.
func (c CodecConfig) FrameSamples() int {
	return c.SampleRate * FrameDurationMs / 1000
}

// FrameBytes returns the byte length of one 20 ms PCM frame
// (int16 samples, all channels interleaved).
func (c CodecConfig) FrameBytes() int {
	return c.FrameSamples() * c.Channels * 2
}

// Codec holds the per-call Opus encoder and decoder. Both are created
// lazily on first use so that a call which only ever streams one direction
// pays for exactly one codec instance.
type Codec struct {
	cfg CodecConfig
	dec *gopus.Decoder
	enc *gopus.Encoder
}

// NewCodec creates a Codec for the given telephony format. No Opus state is
// allocated until the first Decode or Encode call.
func NewCodec(cfg CodecConfig) *Codec {
	return &Codec{cfg: cfg}
}

// Config returns the telephony format this codec was created for.
func (c *Codec) Config() CodecConfig { return c.cfg }

// Decode decodes one Opus packet into little-endian int16 PCM bytes.
// The decoder is created on first use and keeps state across consecutive
// frames of the same stream.
func (c *Codec) Decode(packet []byte) ([]byte, error) {
	if c.dec == nil {
		dec, err := gopus.NewDecoder(c.cfg.SampleRate, c.cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("audio: create opus decoder: %w", err)
		}
		c.dec = dec
	}
	pcm, err := c.dec.Decode(packet, c.cfg.FrameSamples(), false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// Encode encodes little-endian int16 PCM bytes into one Opus packet.
// The input is padded with silence or truncated to exactly one 20 ms frame
// before encoding, since the Opus encoder only accepts whole frames.
func (c *Codec) Encode(pcmBytes []byte) ([]byte, error) {
	if c.enc == nil {
		enc, err := gopus.NewEncoder(c.cfg.SampleRate, c.cfg.Channels, gopus.Voip)
		if err != nil {
			return nil, fmt.Errorf("audio: create opus encoder: %w", err)
		}
		c.enc = enc
	}

	frameBytes := c.cfg.FrameBytes()
	if len(pcmBytes) < frameBytes {
		padded := make([]byte, frameBytes)
		copy(padded, pcmBytes)
		pcmBytes = padded
	} else if len(pcmBytes) > frameBytes {
		pcmBytes = pcmBytes[:frameBytes]
	}

	packet, err := c.enc.Encode(BytesToInt16s(pcmBytes), c.cfg.FrameSamples(), len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// Close releases the codec state. The Codec must not be used afterwards.
func (c *Codec) Close() {
	c.dec = nil
	c.enc = nil
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
