package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/veranda-ai/veranda/internal/aisession"
	"github.com/veranda-ai/veranda/internal/guest"
	"github.com/veranda-ai/veranda/internal/observe"
	"github.com/veranda-ai/veranda/internal/telephony"
)

// ServeConn is the inbound media pump for one telephony connection: it reads
// stream events until the socket closes and dispatches them. The connection's
// own read loop is the pump's scheduling context — no extra goroutine.
func (s *Server) ServeConn(ctx context.Context, sock *telephony.MediaSocket) {
	var active *CallSession

	defer func() {
		// Transport gone: tear down this connection's session. The teardown
		// is identity-aware — if a newer connection already replaced the
		// session under the same stream id, only the socket is closed.
		if active == nil || !s.reg.RemoveSession(active) {
			_ = sock.Close()
		}
	}()

	for {
		evt, err := sock.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() == nil && active != nil {
				slog.Info("telephony stream closed",
					"stream_id", active.StreamID,
					"kind", KindTransport.String(),
					"err", err,
				)
			}
			return
		}

		switch evt.Event {
		case telephony.EventStart:
			active = s.handleStart(ctx, sock, evt, active)
		case telephony.EventMedia:
			s.handleMedia(ctx, active, evt)
		case telephony.EventStop:
			if s.handleStop(active, evt) {
				active = nil
			}
		case telephony.EventError:
			// Provider-side stream errors are informational for most codes.
			code, title := 0, ""
			if evt.Error != nil {
				code, title = evt.Error.Code, evt.Error.Title
			}
			slog.Warn("telephony stream error event",
				"stream_id", evt.StreamID,
				"code", code,
				"title", title,
			)
		default:
			slog.Debug("unknown telephony event", "event", evt.Event)
		}
	}
}

// handleStart creates the call session and launches its outbound forwarder.
// Returns the connection's new active session; an unusable event keeps the
// previous one.
func (s *Server) handleStart(ctx context.Context, sock *telephony.MediaSocket, evt *telephony.StreamEvent, prev *CallSession) *CallSession {
	if evt.StreamID == "" || evt.Start == nil {
		slog.Warn("start event missing stream id or payload",
			"kind", KindInvariant.String())
		return prev
	}

	if prev != nil && prev.StreamID != evt.StreamID {
		// The connection moved on to a new stream. Retire the old session
		// without closing the socket both streams share.
		slog.Warn("start event for new stream on active connection, retiring old session",
			"stream_id", evt.StreamID,
			"old_stream_id", prev.StreamID,
		)
		s.reg.detach(prev, false)
	}

	pc := s.lookupContext(ctx, evt.Start.From)

	sess := NewCallSession(
		evt.StreamID,
		evt.Start.CallControlID,
		evt.Start.From,
		sock,
		s.newAI(pc),
		pc,
		s.codecCfg,
		s.now(),
	)
	s.reg.Add(sess)

	// The forwarder's lifetime is owned by the session, not this
	// connection: Registry.Remove cancels it during teardown.
	fwdCtx, cancel := context.WithCancel(context.Background())
	sess.bindForwarder(cancel)
	go s.fwd.Run(fwdCtx, sess)

	return sess
}

// lookupContext resolves the caller's property context, degrading to an
// empty context when the collaborator is unavailable. A lookup failure never
// fails the call.
func (s *Server) lookupContext(ctx context.Context, caller string) guest.PropertyContext {
	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	pc, err := s.lookup.ContextForCaller(lookupCtx, caller)
	if err != nil {
		slog.Warn("caller context lookup failed, proceeding without context",
			"caller", caller,
			"kind", KindContext.String(),
			"err", err,
		)
		return guest.PropertyContext{}
	}
	return pc
}

// handleMedia decodes one inbound frame and forwards the PCM to the AI
// client. Every failure short of a transport error drops the single frame
// and keeps the call alive.
func (s *Server) handleMedia(ctx context.Context, sess *CallSession, evt *telephony.StreamEvent) {
	if sess == nil || evt.StreamID == "" || evt.StreamID != sess.StreamID {
		slog.Warn("media frame for foreign stream, dropping",
			"stream_id", evt.StreamID,
			"active_stream_id", activeStreamID(sess),
			"kind", KindInvariant.String(),
		)
		return
	}
	if cur, ok := s.reg.Get(evt.StreamID); !ok || cur != sess {
		slog.Warn("media frame for unregistered stream, dropping",
			"stream_id", evt.StreamID,
			"kind", KindInvariant.String(),
		)
		return
	}
	if evt.Media == nil || evt.Media.Payload == "" {
		return
	}

	packet, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
	if err != nil {
		slog.Warn("undecodable media payload, dropping frame",
			"stream_id", evt.StreamID, "err", err)
		return
	}
	if len(packet) < s.minFrameBytes {
		// Sub-threshold packets are comfort noise, not errors.
		return
	}

	pcm, err := sess.Codec().Decode(packet)
	if err != nil {
		s.metrics.CodecErrors.Add(ctx, 1, metric.WithAttributes(
			observe.Attr("direction", "inbound"),
			observe.Attr("reason", "decode"),
		))
		if isRecoverableDecodeError(err) {
			slog.Debug("transient opus decode artifact, skipping frame",
				"stream_id", evt.StreamID, "err", err)
		} else {
			slog.Warn("opus decode failed, skipping frame",
				"stream_id", evt.StreamID,
				"kind", KindCodec.String(),
				"err", err,
			)
		}
		return
	}

	if err := sess.AI.SendAudio(pcm); err != nil {
		if errors.Is(err, aisession.ErrNotRunning) {
			// The forwarder's policy pass handles reconnection.
			slog.Debug("ai session down, inbound audio dropped",
				"stream_id", evt.StreamID)
		} else {
			slog.Warn("forwarding inbound audio failed",
				"stream_id", evt.StreamID,
				"kind", KindAISession.String(),
				"err", err,
			)
		}
		return
	}

	sess.CountFrameIn()
	sess.Touch(s.now())
	s.metrics.FramesIn.Add(ctx, 1)
}

// handleStop tears down the connection's own session and reports whether it
// did. A stop event naming a foreign stream is an invariant violation:
// logged and dropped, so one bad frame on this connection can never end
// another call.
func (s *Server) handleStop(sess *CallSession, evt *telephony.StreamEvent) bool {
	if sess == nil || evt.StreamID != sess.StreamID {
		slog.Warn("stop event for foreign stream, dropping",
			"stream_id", evt.StreamID,
			"active_stream_id", activeStreamID(sess),
			"kind", KindInvariant.String(),
		)
		return false
	}

	reason := ""
	if evt.Stop != nil {
		reason = evt.Stop.Reason
	}
	slog.Info("telephony stream stopped",
		"stream_id", evt.StreamID,
		"reason", reason,
	)
	s.reg.RemoveSession(sess)
	return true
}

// activeStreamID is a log helper for the no-active-session case.
func activeStreamID(sess *CallSession) string {
	if sess == nil {
		return ""
	}
	return sess.StreamID
}

// isRecoverableDecodeError reports whether a decode failure is a known
// transient stream artifact rather than a hard codec problem.
func isRecoverableDecodeError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "corrupted") || strings.Contains(msg, "invalid packet")
}
