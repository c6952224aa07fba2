package relay

import (
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/veranda-ai/veranda/internal/guest"
	"github.com/veranda-ai/veranda/internal/observe"
	"github.com/veranda-ai/veranda/internal/telephony"
	"github.com/veranda-ai/veranda/pkg/audio"
)

// Server defaults.
const (
	defaultLookupTimeout = 3 * time.Second

	// defaultMinFrameBytes is the smallest Opus payload treated as speech.
	// Anything shorter is DTX padding or line noise and is dropped.
	defaultMinFrameBytes = 10
)

// NewAIClientFunc constructs the AI live-session client for one call, seeded
// with the caller's property context. Injected so tests can substitute fakes.
type NewAIClientFunc func(pc guest.PropertyContext) AIClient

// ServerConfig assembles the relay server's collaborators.
type ServerConfig struct {
	// Registry is the call session registry. Required.
	Registry *Registry

	// Forwarder runs the outbound task per call. Required.
	Forwarder *Forwarder

	// Lookup resolves caller context. Required; use guest.StaticLookup{}
	// for context-free operation.
	Lookup guest.ContextLookup

	// NewAIClient builds the per-call AI client. Required.
	NewAIClient NewAIClientFunc

	// Codec is the telephony-leg audio format.
	Codec audio.CodecConfig

	// LookupTimeout bounds the context lookup per call. Defaults to 3 s.
	LookupTimeout time.Duration

	// MinFrameBytes is the minimum viable inbound Opus payload size.
	// Defaults to 10 bytes.
	MinFrameBytes int
}

// Server accepts the telephony provider's media-stream WebSocket connections
// and runs the inbound pump for each. One accepted connection carries one
// call's events.
type Server struct {
	reg     *Registry
	fwd     *Forwarder
	lookup  guest.ContextLookup
	newAI   NewAIClientFunc
	metrics *observe.Metrics

	codecCfg      audio.CodecConfig
	lookupTimeout time.Duration
	minFrameBytes int
	now           func() time.Time
}

// NewServer creates a Server from cfg.
func NewServer(cfg ServerConfig) *Server {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	if cfg.MinFrameBytes <= 0 {
		cfg.MinFrameBytes = defaultMinFrameBytes
	}
	return &Server{
		reg:           cfg.Registry,
		fwd:           cfg.Forwarder,
		lookup:        cfg.Lookup,
		newAI:         cfg.NewAIClient,
		metrics:       observe.DefaultMetrics(),
		codecCfg:      cfg.Codec,
		lookupTimeout: cfg.LookupTimeout,
		minFrameBytes: cfg.MinFrameBytes,
		now:           time.Now,
	}
}

// HandleStream upgrades the request to a WebSocket and serves the media
// stream until the connection ends. Mount it at the path configured as the
// provider's stream URL.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("media stream upgrade failed", "err", err)
		return
	}
	s.ServeConn(r.Context(), telephony.NewMediaSocket(conn))
}
