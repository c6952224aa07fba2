// Package relay is the core of the Veranda voice relay: it owns the call
// session registry, the inbound media pump, the outbound audio forwarder,
// the inactivity supervisor, and the fallback/reconnect policy that together
// keep one phone call's audio flowing between the telephony provider and the
// speech-AI live session.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/veranda-ai/veranda/internal/aisession"
	"github.com/veranda-ai/veranda/internal/guest"
	"github.com/veranda-ai/veranda/internal/telephony"
	"github.com/veranda-ai/veranda/pkg/audio"
)

// AIClient is the live-session surface the relay depends on. Implemented by
// [aisession.Client]; tests substitute scripted fakes.
type AIClient interface {
	Connect(ctx context.Context) (string, error)
	SendAudio(pcm []byte) error
	SendText(text string) error
	PopAudio() ([]byte, bool)
	PopTranscript() (aisession.Transcript, bool)
	Disconnect()
	Running() bool
	Err() error
}

// MediaWriter is the outbound half of the telephony socket. Implemented by
// [telephony.MediaSocket].
type MediaWriter interface {
	WriteMedia(ctx context.Context, streamID, payload string, format telephony.MediaFormat) error
	Close() error
}

// CallSession holds the state of one active phone call. The telephony socket
// and AI client are exclusively owned by the session: the socket is written
// only by the outbound forwarder and read only by the inbound pump.
//
// Immutable fields are set at creation. Mutable fields are guarded by mu and
// accessed through the methods below.
type CallSession struct {
	// StreamID is the provider-assigned media stream identifier — the
	// primary key of the session.
	StreamID string

	// CallControlID addresses control-plane actions for this call.
	CallControlID string

	// CallerNumber is the caller's E.164 number.
	CallerNumber string

	// Socket is the telephony media socket, owned by this session.
	Socket MediaWriter

	// AI is the live-session client, at most one per session.
	AI AIClient

	// Context seeds the AI system prompt. Read-only after session start.
	Context guest.PropertyContext

	codecCfg audio.CodecConfig

	mu                sync.Mutex
	codec             *audio.Codec
	lastActiveAt      time.Time
	reconnectAttempts int
	fallbackSent      bool
	fallbackPermanent bool
	wasConnected      bool
	framesIn          int64
	framesOut         int64

	// pcmRemainder carries the tail of AI audio that did not fill a whole
	// telephony frame, so frame boundaries survive arbitrary chunk sizes.
	pcmRemainder []byte

	// cancel stops the outbound forwarder; done closes when it has exited.
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCallSession creates a session. The forwarder task is attached later via
// [CallSession.bindForwarder] when the registry accepts the session.
func NewCallSession(streamID, callControlID, callerNumber string, socket MediaWriter, ai AIClient, pc guest.PropertyContext, codecCfg audio.CodecConfig, now time.Time) *CallSession {
	return &CallSession{
		StreamID:      streamID,
		CallControlID: callControlID,
		CallerNumber:  callerNumber,
		Socket:        socket,
		AI:            ai,
		Context:       pc,
		codecCfg:      codecCfg,
		lastActiveAt:  now,
		done:          make(chan struct{}),
	}
}

// bindForwarder records the cancel function for the outbound forwarder task.
func (s *CallSession) bindForwarder(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Codec returns the session's codec, creating it on first use.
func (s *CallSession) Codec() *audio.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codec == nil {
		s.codec = audio.NewCodec(s.codecCfg)
	}
	return s.codec
}

// releaseCodec drops the codec state. Called during teardown, after the
// forwarder has stopped.
func (s *CallSession) releaseCodec() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
}

// Touch records activity at the given time.
func (s *CallSession) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = now
}

// LastActive returns the time of the most recent inbound or outbound frame.
func (s *CallSession) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// CountFrameIn increments the inbound frame counter.
func (s *CallSession) CountFrameIn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesIn++
}

// CountFrameOut increments the outbound frame counter.
func (s *CallSession) CountFrameOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesOut++
}

// Frames returns the inbound and outbound frame counts.
func (s *CallSession) Frames() (in, out int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesIn, s.framesOut
}

// nextReconnectAttempt increments and returns the attempt counter. The
// counter is monotone for the life of the session; it never resets mid-call.
func (s *CallSession) nextReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts++
	return s.reconnectAttempts
}

// ReconnectAttempts returns the attempt counter.
func (s *CallSession) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// markConnected records a successful AI connection and reports whether the
// session had been connected before (i.e. this was a reconnect).
func (s *CallSession) markConnected() (wasConnected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasConnected = s.wasConnected
	s.wasConnected = true
	return wasConnected
}

// FallbackPermanent reports whether the session has entered the terminal
// degraded state.
func (s *CallSession) FallbackPermanent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackPermanent
}

// enterFallbackPermanent marks the terminal degraded state and reports
// whether this call made the transition (false when already permanent).
func (s *CallSession) enterFallbackPermanent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallbackPermanent {
		return false
	}
	s.fallbackPermanent = true
	return true
}

// FallbackSent reports whether the one-time canned message has been issued.
func (s *CallSession) FallbackSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackSent
}

// markFallbackSent records that the canned message was issued and reports
// whether this call was the first to do so.
func (s *CallSession) markFallbackSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallbackSent {
		return false
	}
	s.fallbackSent = true
	return true
}

// takeFrames appends pcm to the remainder buffer and returns every complete
// telephony frame now available. The tail stays buffered for the next chunk.
func (s *CallSession) takeFrames(pcm []byte) [][]byte {
	frameBytes := s.codecCfg.FrameBytes()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pcmRemainder = append(s.pcmRemainder, pcm...)

	var frames [][]byte
	for len(s.pcmRemainder) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, s.pcmRemainder[:frameBytes])
		frames = append(frames, frame)
		s.pcmRemainder = s.pcmRemainder[frameBytes:]
	}
	return frames
}

// takeRemainder returns and clears the buffered sub-frame tail. Called once
// by the forwarder on exit so the last slice of AI audio is not lost.
func (s *CallSession) takeRemainder() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem := s.pcmRemainder
	s.pcmRemainder = nil
	return rem
}
