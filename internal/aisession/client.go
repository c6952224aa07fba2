// Package aisession implements the client side of the speech-AI live-session
// protocol over a persistent WebSocket connection.
//
// One [Client] serves one phone call. It exchanges JSON envelopes with the
// realtime endpoint: an initial session-configuration message on connect,
// audio-append messages outbound, and audio-delta / transcript / lifecycle /
// error envelopes inbound. Received audio and transcripts land in bounded
// internal queues that decouple network I/O from the call's 20 ms frame
// cadence; the outbound forwarder drains them with non-blocking pops.
//
// The client never reconnects on its own. On a transport or server error it
// transitions to not-running and surfaces the reason via [Client.Err];
// reconnection is a policy decision made by the relay's fallback policy.
package aisession

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/veranda-ai/veranda/internal/observe"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	defaultConnectTimeout = 10 * time.Second

	// Queue capacities. The audio queue holds roughly 25 s of speech at the
	// endpoint's typical chunking; drops are counted, never silent.
	sendQueueSize       = 256
	audioQueueSize      = 256
	transcriptQueueSize = 64
)

// ErrNotRunning is returned by SendAudio and SendText when no live session
// is established. Callers treat it as a signal for the fallback policy, not
// as a call-ending failure.
var ErrNotRunning = errors.New("aisession: session not running")

// Transcript is one finalised transcript line from either leg of the
// conversation.
type Transcript struct {
	// Role is "user" for recognised caller speech and "assistant" for the
	// model's spoken replies.
	Role string

	// Text is the transcript content.
	Text string
}

// Config holds the per-call session parameters.
type Config struct {
	// APIKey authenticates against the realtime endpoint.
	APIKey string

	// Model selects the realtime model. Defaults to a sensible current one.
	Model string

	// BaseURL overrides the WebSocket endpoint. Primarily used in tests to
	// point at a local mock server.
	BaseURL string

	// Voice selects the synthesised output voice.
	Voice string

	// Instructions is the system prompt, built from the caller's property
	// context before the session is opened.
	Instructions string

	// ConnectTimeout bounds the dial plus configuration handshake.
	// Defaults to 10 s.
	ConnectTimeout time.Duration
}

// Client owns one live session. All exported methods are safe for concurrent
// use. The zero value is not usable; call [New].
type Client struct {
	cfg     Config
	metrics *observe.Metrics

	// Output queues survive reconnects so buffered audio is not lost when
	// the transport drops mid-reply.
	audioQ      chan []byte
	transcriptQ chan Transcript

	mu      sync.Mutex
	conn    *websocket.Conn
	sendQ   chan []byte
	running bool
	lastErr error
	cancel  context.CancelFunc

	// assistantText accumulates transcript deltas until the done event.
	assistantText string
}

// New creates a Client for one call. No connection is made until
// [Client.Connect].
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Client{
		cfg:         cfg,
		metrics:     observe.DefaultMetrics(),
		audioQ:      make(chan []byte, audioQueueSize),
		transcriptQ: make(chan Transcript, transcriptQueueSize),
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice              string             `json:"voice,omitempty"`
	Instructions       string             `json:"instructions,omitempty"`
	InputAudioFormat   string             `json:"input_audio_format"`
	OutputAudioFormat  string             `json:"output_audio_format"`
	InputTranscription *transcriptionConf `json:"input_audio_transcription,omitempty"`
}

type transcriptionConf struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in an error envelope:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverSession struct {
	ID string `json:"id"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// session.created / session.updated
	Session *serverSession `json:"session,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// Connect dials the realtime endpoint, sends the session configuration, and
// waits for the session-created lifecycle notice. It returns the session id
// announced by the endpoint. A connect or handshake timeout is reported the
// same way as any post-connect transport error.
//
// Connect may be called again after a failure or Disconnect; queued output
// from a previous session remains poppable.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return "", fmt.Errorf("aisession: already connected")
	}
	c.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer dialCancel()

	wsURL := fmt.Sprintf("%s?model=%s", c.cfg.BaseURL, c.cfg.Model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("aisession: dial: %w", err)
	}

	if err := writeJSON(dialCtx, conn, c.configMessage()); err != nil {
		conn.Close(websocket.StatusInternalError, "session configuration failed")
		return "", fmt.Errorf("aisession: configure session: %w", err)
	}

	sessionID, err := awaitSessionCreated(dialCtx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return "", err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	sendQ := make(chan []byte, sendQueueSize)

	c.mu.Lock()
	c.conn = conn
	c.sendQ = sendQ
	c.cancel = loopCancel
	c.running = true
	c.lastErr = nil
	c.mu.Unlock()

	go c.sendLoop(loopCtx, conn, sendQ)
	go c.receiveLoop(loopCtx, conn)

	return sessionID, nil
}

// configMessage builds the one-time session configuration: voice, system
// prompt, PCM16 on both legs, and input transcription so both sides of the
// conversation are observable.
func (c *Client) configMessage() sessionUpdateMessage {
	return sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:              c.cfg.Voice,
			Instructions:       c.cfg.Instructions,
			InputAudioFormat:   "pcm16",
			OutputAudioFormat:  "pcm16",
			InputTranscription: &transcriptionConf{Model: "whisper-1"},
		},
	}
}

// awaitSessionCreated reads envelopes until the session lifecycle notice
// arrives. A typed error envelope during the handshake fails the connect.
func awaitSessionCreated(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("aisession: handshake: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.created", "session.updated":
			if evt.Session != nil {
				return evt.Session.ID, nil
			}
			return "", nil
		case "error":
			return "", fmt.Errorf("aisession: handshake rejected: %s", errorMessage(evt.Error))
		}
	}
}

// Disconnect cancels the internal loops and closes the connection.
// Safe to call multiple times and before Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.sendQ = nil
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

// Running reports whether a live session is established.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Err returns the error that ended the last session, or nil if it ended
// cleanly (or is still running).
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// fail records the first fatal error, marks the session not running, and
// tears down the transport. Later failures from the sibling loop are ignored.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.lastErr = err
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.sendQ = nil
	c.mu.Unlock()

	slog.Warn("ai session ended", "err", err)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusInternalError, "session error")
	}
}

// ── Sending ────────────────────────────────────────────────────────────────────

// SendAudio queues one PCM16 chunk for delivery to the model. When no session
// is running it logs at debug level and returns [ErrNotRunning] so the caller
// can involve the fallback policy.
func (c *Client) SendAudio(pcm []byte) error {
	msg, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return fmt.Errorf("aisession: marshal audio append: %w", err)
	}
	return c.enqueue(msg)
}

// SendText queues a text prompt as a conversation item and asks the model to
// respond. Used to seed the greeting and to inject mid-call context.
func (c *Client) SendText(text string) error {
	item, err := json.Marshal(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("aisession: marshal text item: %w", err)
	}
	if err := c.enqueue(item); err != nil {
		return err
	}
	respond, _ := json.Marshal(map[string]string{"type": "response.create"})
	return c.enqueue(respond)
}

func (c *Client) enqueue(msg []byte) error {
	c.mu.Lock()
	running := c.running
	sendQ := c.sendQ
	c.mu.Unlock()

	if !running || sendQ == nil {
		slog.Debug("ai session not running, dropping outbound message")
		return ErrNotRunning
	}

	select {
	case sendQ <- msg:
		return nil
	default:
		c.metrics.QueueDrops.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("queue", "send")))
		slog.Warn("ai session send queue full, dropping message")
		return nil
	}
}

func (c *Client) sendLoop(ctx context.Context, conn *websocket.Conn, sendQ <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sendQ:
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				if ctx.Err() == nil {
					c.fail(fmt.Errorf("aisession: write: %w", err))
				}
				return
			}
		}
	}
}

// ── Receiving ──────────────────────────────────────────────────────────────────

func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(fmt.Errorf("aisession: read: %w", err))
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		c.handleServerEvent(&evt)
	}
}

func (c *Client) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		select {
		case c.audioQ <- pcm:
		default:
			c.metrics.QueueDrops.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("queue", "audio")))
		}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		c.mu.Lock()
		c.assistantText += evt.Delta
		c.mu.Unlock()

	case "response.audio_transcript.done":
		c.mu.Lock()
		text := c.assistantText
		c.assistantText = ""
		c.mu.Unlock()
		if text == "" {
			return
		}
		c.pushTranscript(Transcript{Role: "assistant", Text: text})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		c.pushTranscript(Transcript{Role: "user", Text: evt.Transcript})

	case "error":
		c.fail(fmt.Errorf("aisession: server error: %s", errorMessage(evt.Error)))
	}
}

func (c *Client) pushTranscript(tr Transcript) {
	select {
	case c.transcriptQ <- tr:
	default:
		c.metrics.QueueDrops.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("queue", "transcript")))
	}
}

// ── Non-blocking consumption ──────────────────────────────────────────────────

// PopAudio returns the next queued PCM chunk, or false when none is pending.
// It never blocks.
func (c *Client) PopAudio() ([]byte, bool) {
	select {
	case pcm := <-c.audioQ:
		return pcm, true
	default:
		return nil, false
	}
}

// PopTranscript returns the next queued transcript line, or false when none
// is pending. It never blocks.
func (c *Client) PopTranscript() (Transcript, bool) {
	select {
	case tr := <-c.transcriptQ:
		return tr, true
	default:
		return Transcript{}, false
	}
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func errorMessage(detail *serverErrorDetail) string {
	if detail == nil || detail.Message == "" {
		return "unknown error"
	}
	if detail.Code != "" {
		return detail.Code + ": " + detail.Message
	}
	return detail.Message
}
