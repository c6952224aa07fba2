// Package telephony defines the wire protocol spoken by the provider's
// media-stream WebSocket and a thin REST client for its call-control plane.
//
// The media stream carries JSON text frames. The provider opens one WebSocket
// per call and sends start/media/stop/error events; the relay writes media
// events back on the same socket to play audio to the caller. Control-plane
// actions (speak, hangup) go over HTTPS against the provider's REST API and
// are addressed by call_control_id, independent of the media stream.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Event names used on the media-stream WebSocket.
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
	EventError = "error"
)

// MediaFormat describes the negotiated codec for a media payload.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// StartPayload carries the call metadata delivered with a start event.
type StartPayload struct {
	CallControlID string      `json:"call_control_id"`
	From          string      `json:"from,omitempty"`
	To            string      `json:"to,omitempty"`
	MediaFormat   MediaFormat `json:"media_format"`
}

// MediaPayload carries one base64-encoded audio frame.
type MediaPayload struct {
	Track       string       `json:"track,omitempty"`
	Payload     string       `json:"payload"`
	MediaFormat *MediaFormat `json:"media_format,omitempty"`
}

// StopPayload carries the reason the provider ended the stream.
type StopPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload carries a provider-side stream error. Most codes are
// recoverable and informational.
type ErrorPayload struct {
	Code  int    `json:"code,omitempty"`
	Title string `json:"title,omitempty"`
}

// StreamEvent is the envelope for every frame on the media-stream socket.
// Exactly one of the optional payload fields is set, matching Event.
type StreamEvent struct {
	Event    string        `json:"event"`
	StreamID string        `json:"stream_id,omitempty"`
	Start    *StartPayload `json:"start,omitempty"`
	Media    *MediaPayload `json:"media,omitempty"`
	Stop     *StopPayload  `json:"stop,omitempty"`
	Error    *ErrorPayload `json:"payload,omitempty"`
}

// MediaSocket wraps the provider's media-stream WebSocket. Reads are owned by
// the inbound pump's read loop; writes come from the outbound forwarder.
// Writes are serialised internally, reads must stay on a single goroutine.
type MediaSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewMediaSocket wraps an accepted WebSocket connection.
func NewMediaSocket(conn *websocket.Conn) *MediaSocket {
	return &MediaSocket{conn: conn}
}

// ReadEvent blocks until the next stream event arrives and decodes it.
func (s *MediaSocket) ReadEvent(ctx context.Context) (*StreamEvent, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("telephony: read stream event: %w", err)
	}
	var evt StreamEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("telephony: decode stream event: %w", err)
	}
	return &evt, nil
}

// WriteMedia sends one outbound media event carrying a base64-encoded Opus
// frame tagged with the stream id.
func (s *MediaSocket) WriteMedia(ctx context.Context, streamID, payload string, format MediaFormat) error {
	evt := StreamEvent{
		Event:    EventMedia,
		StreamID: streamID,
		Media: &MediaPayload{
			Payload:     payload,
			MediaFormat: &format,
		},
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("telephony: marshal media event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write media event: %w", err)
	}
	return nil
}

// Close closes the underlying WebSocket with a normal-closure status.
// Safe to call multiple times.
func (s *MediaSocket) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}
