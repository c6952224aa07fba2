package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veranda-ai/veranda/internal/observe"
)

// forwarderStopTimeout bounds how long teardown waits for the outbound
// forwarder to acknowledge cancellation before releasing codec state anyway.
const forwarderStopTimeout = 5 * time.Second

// Registry is the in-memory map of active call sessions, keyed by stream id.
// It is the single structure shared across the relay's tasks; all lifecycle
// mutation goes through it. Safe for concurrent use.
type Registry struct {
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*CallSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics:  observe.DefaultMetrics(),
		sessions: make(map[string]*CallSession),
	}
}

// Add inserts sess under its stream id. A duplicate start event swaps the
// new session in and tears the old one down afterwards, so a stream id maps
// to at most one live session at any time. The swap and the existence check
// are a single critical section; the old session never reappears between
// them.
func (r *Registry) Add(sess *CallSession) {
	r.mu.Lock()
	old := r.sessions[sess.StreamID]
	r.sessions[sess.StreamID] = sess
	r.mu.Unlock()

	if old != nil {
		slog.Warn("duplicate start for active stream, tearing down old session",
			"stream_id", sess.StreamID)
		// A duplicate start can arrive on the connection the old session is
		// already using. The shared socket must survive the old session's
		// teardown, or the replacement is registered on a dead transport.
		r.teardown(old, old.Socket != sess.Socket)
	}

	r.metrics.ActiveCalls.Add(context.Background(), 1)
	slog.Info("call session registered",
		"stream_id", sess.StreamID,
		"call_control_id", sess.CallControlID,
		"caller", sess.CallerNumber,
	)
}

// Get returns the session for streamID, if present.
func (r *Registry) Get(streamID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[streamID]
	return sess, ok
}

// UpdateActivity stamps the session's activity clock. Unknown ids are a
// no-op (the session may have been evicted concurrently).
func (r *Registry) UpdateActivity(streamID string, now time.Time) {
	if sess, ok := r.Get(streamID); ok {
		sess.Touch(now)
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the active stream ids. The result is a point-in-time
// copy; ids may disappear before the caller acts on them.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Remove tears down the session for streamID and reports whether one was
// present. Remove is idempotent — a second call for an already-removed id
// returns false and does nothing.
func (r *Registry) Remove(streamID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[streamID]
	if ok {
		delete(r.sessions, streamID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.teardown(sess, true)
	return true
}

// RemoveSession tears down sess only if it is still the registered session
// for its stream id. A caller holding a stale pointer — a connection pump
// whose session lost a duplicate-start race, a forwarder racing teardown —
// gets a no-op instead of killing the replacement.
func (r *Registry) RemoveSession(sess *CallSession) bool {
	if sess == nil {
		return false
	}
	return r.detach(sess, true)
}

// detach removes sess from the map if it is still the registered session and
// tears it down. closeSocket is false when a replacement session keeps using
// the same media connection.
func (r *Registry) detach(sess *CallSession, closeSocket bool) bool {
	r.mu.Lock()
	cur := r.sessions[sess.StreamID]
	if cur == sess {
		delete(r.sessions, sess.StreamID)
	}
	r.mu.Unlock()

	if cur != sess {
		return false
	}
	r.teardown(sess, closeSocket)
	return true
}

// teardown releases a session already removed from the map. Order matters:
// the forwarder task is cancelled and awaited before codec state is released,
// so the encoder is never used after free; the socket is closed last.
func (r *Registry) teardown(sess *CallSession, closeSocket bool) {
	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-sess.done:
		case <-time.After(forwarderStopTimeout):
			slog.Warn("forwarder did not stop in time", "stream_id", sess.StreamID)
		}
	}

	if sess.AI != nil {
		sess.AI.Disconnect()
	}
	sess.releaseCodec()
	if closeSocket && sess.Socket != nil {
		_ = sess.Socket.Close()
	}

	r.metrics.ActiveCalls.Add(context.Background(), -1)

	in, out := sess.Frames()
	slog.Info("call session removed",
		"stream_id", sess.StreamID,
		"frames_in", in,
		"frames_out", out,
	)
}

// RemoveAll tears down every active session. Used during shutdown.
func (r *Registry) RemoveAll() {
	for _, id := range r.Snapshot() {
		r.Remove(id)
	}
}
