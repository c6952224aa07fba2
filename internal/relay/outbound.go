package relay

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/veranda-ai/veranda/internal/observe"
	"github.com/veranda-ai/veranda/internal/telephony"
	"github.com/veranda-ai/veranda/pkg/audio"
)

// defaultPollInterval is the forwarder's sleep when no AI audio is queued.
// Short enough to keep added latency under one telephony frame.
const defaultPollInterval = 20 * time.Millisecond

// hangupTimeout bounds the control-plane hangup issued after a fatal
// transport error.
const hangupTimeout = 5 * time.Second

// ForwarderConfig tunes the outbound audio path.
type ForwarderConfig struct {
	// AISampleRate is the AI endpoint's native output rate in Hz (e.g. 24000).
	AISampleRate int

	// PollInterval overrides the idle sleep. Defaults to 20 ms.
	PollInterval time.Duration
}

// Forwarder runs the per-call outbound loop: pull PCM from the AI client,
// resample to the telephony rate, frame, encode to Opus, and write media
// events to the telephony socket. One Forwarder instance serves all calls;
// [Forwarder.Run] is started as one goroutine per call.
type Forwarder struct {
	reg     *Registry
	policy  *Policy
	control telephony.Controller
	metrics *observe.Metrics

	aiRate       int
	pollInterval time.Duration
	now          func() time.Time
}

// NewForwarder creates a Forwarder writing through reg's sessions and
// delegating AI outages to policy. Fatal transport errors end the call via
// the policy's control plane so the caller is not left on dead air.
func NewForwarder(reg *Registry, policy *Policy, cfg ForwarderConfig) *Forwarder {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Forwarder{
		reg:          reg,
		policy:       policy,
		control:      policy.control,
		metrics:      observe.DefaultMetrics(),
		aiRate:       cfg.AISampleRate,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}
}

// Run is the long-lived outbound task for one call. It exits when ctx is
// cancelled (session teardown) or on a fatal socket/encode error, in which
// case it triggers teardown itself. Always closes the session's done channel
// on exit so teardown can await it.
func (f *Forwarder) Run(ctx context.Context, sess *CallSession) {
	telFormat := telephony.MediaFormat{
		Encoding:   "opus",
		SampleRate: sess.Codec().Config().SampleRate,
		Channels:   sess.Codec().Config().Channels,
	}

	defer func() {
		// Teardown awaits done before releasing codec state, so the flush
		// still has a live codec and (on clean teardown) a live socket.
		f.flushRemainder(sess, telFormat)
		close(sess.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.drainTranscripts(sess)

		if !sess.AI.Running() {
			f.policy.Step(ctx, sess)
			// Permanent fallback returns immediately; pace the loop.
			if sess.FallbackPermanent() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(f.pollInterval):
				}
			}
			continue
		}

		pcm, ok := sess.AI.PopAudio()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.pollInterval):
			}
			continue
		}

		if err := f.forwardChunk(ctx, sess, pcm, telFormat); err != nil {
			slog.Error("outbound forwarding failed, tearing down call",
				"stream_id", sess.StreamID,
				"kind", KindOf(err).String(),
				"err", err,
			)
			// Teardown awaits this goroutine's exit; run it detached. The
			// identity check keeps a forwarder that lost a duplicate-start
			// race from removing (and hanging up) the replacement session.
			go func() {
				if f.reg.RemoveSession(sess) {
					f.hangup(sess)
				}
			}()
			return
		}
	}
}

// forwardChunk carries one AI audio chunk to the telephony socket.
func (f *Forwarder) forwardChunk(ctx context.Context, sess *CallSession, pcm []byte, telFormat telephony.MediaFormat) error {
	start := f.now()
	telRate := sess.Codec().Config().SampleRate

	resampled := audio.ResampleMono16(pcm, f.aiRate, telRate)
	if len(resampled) == 0 && len(pcm) > 0 {
		// Degraded path: wrong-rate audio beats dead air. Deliberate — see
		// the availability note in DESIGN.md before "fixing" this.
		slog.Warn("resampling produced no output, passing original buffer through",
			"stream_id", sess.StreamID,
			"bytes", len(pcm),
		)
		resampled = pcm
	}

	for _, frame := range sess.takeFrames(resampled) {
		packet, err := sess.Codec().Encode(frame)
		if err != nil {
			f.metrics.CodecErrors.Add(ctx, 1, metric.WithAttributes(
				observe.Attr("direction", "outbound"),
				observe.Attr("reason", "encode"),
			))
			return WithKind(KindCodec, err)
		}

		payload := base64.StdEncoding.EncodeToString(packet)
		if err := sess.Socket.WriteMedia(ctx, sess.StreamID, payload, telFormat); err != nil {
			return WithKind(KindTransport, err)
		}

		sess.CountFrameOut()
		f.metrics.FramesOut.Add(ctx, 1)
	}

	sess.Touch(f.now())
	f.metrics.OutboundFrameDuration.Record(ctx, f.now().Sub(start).Seconds())
	return nil
}

// flushRemainder writes out the buffered sub-frame tail of AI audio, padded
// to a whole frame by the encoder, so the final slice of speech is not
// dropped at session end. Best effort: on a transport-failure teardown the
// socket is already gone.
func (f *Forwarder) flushRemainder(sess *CallSession, telFormat telephony.MediaFormat) {
	rem := sess.takeRemainder()
	if len(rem) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	packet, err := sess.Codec().Encode(rem)
	if err != nil {
		slog.Debug("final frame encode failed",
			"stream_id", sess.StreamID, "err", err)
		return
	}
	payload := base64.StdEncoding.EncodeToString(packet)
	if err := sess.Socket.WriteMedia(ctx, sess.StreamID, payload, telFormat); err != nil {
		slog.Debug("final frame flush failed",
			"stream_id", sess.StreamID, "err", err)
		return
	}
	sess.CountFrameOut()
	f.metrics.FramesOut.Add(ctx, 1)
}

// hangup ends the call on the control plane after the media path died.
func (f *Forwarder) hangup(sess *CallSession) {
	if sess.CallControlID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := f.control.Hangup(ctx, sess.CallControlID); err != nil {
		slog.Warn("hangup action failed",
			"stream_id", sess.StreamID,
			"call_control_id", sess.CallControlID,
			"err", err,
		)
	}
}

// drainTranscripts logs any pending transcript lines. Transcripts arrive in
// the order the AI session emits them.
func (f *Forwarder) drainTranscripts(sess *CallSession) {
	for {
		tr, ok := sess.AI.PopTranscript()
		if !ok {
			return
		}
		slog.Info("transcript",
			"stream_id", sess.StreamID,
			"role", tr.Role,
			"text", tr.Text,
		)
	}
}
