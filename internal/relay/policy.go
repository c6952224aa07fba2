package relay

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/veranda-ai/veranda/internal/observe"
	"github.com/veranda-ai/veranda/internal/telephony"
)

// Policy defaults.
const (
	defaultMaxReconnectAttempts = 2
	defaultReconnectBackoff     = 1 * time.Second
	defaultMaxReconnectBackoff  = 8 * time.Second

	// DefaultFallbackMessage is spoken through the provider's own TTS when
	// the AI session is permanently unavailable.
	DefaultFallbackMessage = "I'm sorry, our assistant is temporarily unavailable. " +
		"Please hang up and try again in a few minutes, or text this number and your host will get back to you."

	// greetPrompt asks the model to open the conversation on first connect.
	greetPrompt = "Greet the caller and ask how you can help."

	// resumePrompt is sent after a successful mid-call reconnect so the
	// caller hears an acknowledgment instead of dead air.
	resumePrompt = "The call dropped for a moment. Briefly apologise for the pause and continue helping the caller."
)

// PolicyConfig tunes the fallback/reconnect policy. Zero values are replaced
// with defaults.
type PolicyConfig struct {
	// MaxAttempts is the reconnect budget per call.
	MaxAttempts int

	// Backoff is the wait before the first reconnect attempt; it doubles
	// each attempt up to MaxBackoff.
	Backoff time.Duration

	// MaxBackoff caps the backoff growth.
	MaxBackoff time.Duration

	// FallbackMessage is the one-time canned message for permanent fallback.
	FallbackMessage string
}

// Policy decides, per call, when to retry the AI connection and when to
// degrade to the provider's server-side speech. It owns all mutation of the
// session's reconnect and fallback fields.
//
// The policy is driven by the outbound forwarder: each pass through the
// forwarder loop where the AI client is not running calls [Policy.Step].
type Policy struct {
	control telephony.Controller
	metrics *observe.Metrics

	maxAttempts     int
	backoff         time.Duration
	maxBackoff      time.Duration
	fallbackMessage string
}

// NewPolicy creates a Policy issuing fallback speech through control.
func NewPolicy(control telephony.Controller, cfg PolicyConfig) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxReconnectAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultReconnectBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxReconnectBackoff
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}
	return &Policy{
		control:         control,
		metrics:         observe.DefaultMetrics(),
		maxAttempts:     cfg.MaxAttempts,
		backoff:         cfg.Backoff,
		maxBackoff:      cfg.MaxBackoff,
		fallbackMessage: cfg.FallbackMessage,
	}
}

// Step advances the per-call state machine by one transition: one reconnect
// attempt (with its backoff) or, once the budget is exhausted, entry into
// permanent fallback. It returns quickly in the permanent state so the
// forwarder loop is free to keep draining transcripts.
func (p *Policy) Step(ctx context.Context, sess *CallSession) {
	if sess.FallbackPermanent() {
		p.ensureFallbackMessage(ctx, sess)
		return
	}

	attempt := sess.nextReconnectAttempt()
	if attempt > p.maxAttempts {
		if sess.enterFallbackPermanent() {
			p.metrics.Fallbacks.Add(ctx, 1)
			slog.Warn("ai session reconnect budget exhausted, entering permanent fallback",
				"stream_id", sess.StreamID,
				"attempts", attempt-1,
				"last_err", sess.AI.Err(),
			)
		}
		p.ensureFallbackMessage(ctx, sess)
		return
	}

	// Exponential backoff between attempts. The wait is bounded, so the
	// forwarder is never blocked indefinitely.
	wait := p.backoff << (attempt - 1)
	if wait > p.maxBackoff {
		wait = p.maxBackoff
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	slog.Info("attempting ai session connect",
		"stream_id", sess.StreamID,
		"attempt", attempt,
		"max_attempts", p.maxAttempts,
		"backoff", wait,
	)

	sessionID, err := sess.AI.Connect(ctx)
	if err != nil {
		p.metrics.AIReconnects.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("outcome", "failure")))
		slog.Warn("ai session connect failed",
			"stream_id", sess.StreamID,
			"attempt", attempt,
			"err", err,
		)
		return
	}

	p.metrics.AIReconnects.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("outcome", "success")))
	slog.Info("ai session connected",
		"stream_id", sess.StreamID,
		"session_id", sessionID,
		"attempt", attempt,
	)

	prompt := greetPrompt
	if sess.markConnected() {
		prompt = resumePrompt
	}
	if err := sess.AI.SendText(prompt); err != nil {
		slog.Warn("failed to seed conversation prompt",
			"stream_id", sess.StreamID, "err", err)
	}
}

// ensureFallbackMessage issues the canned spoken message exactly once per
// call via the provider's control plane. Subsequent passes are no-ops.
func (p *Policy) ensureFallbackMessage(ctx context.Context, sess *CallSession) {
	if !sess.markFallbackSent() {
		return
	}
	slog.Info("sending fallback message via provider speech",
		"stream_id", sess.StreamID,
		"call_control_id", sess.CallControlID,
	)
	if err := p.control.Speak(ctx, sess.CallControlID, p.fallbackMessage); err != nil {
		slog.Error("fallback speak action failed",
			"stream_id", sess.StreamID, "err", err)
	}
}
