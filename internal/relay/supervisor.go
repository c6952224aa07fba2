package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/veranda-ai/veranda/internal/observe"
)

// Supervisor defaults.
const (
	defaultSweepInterval     = 30 * time.Second
	defaultInactivityTimeout = 60 * time.Second
)

// SupervisorConfig tunes the inactivity sweep. Zero values use defaults.
type SupervisorConfig struct {
	// SweepInterval is how often the registry is scanned.
	SweepInterval time.Duration

	// InactivityTimeout is the idle age beyond which a session is evicted.
	InactivityTimeout time.Duration
}

// Supervisor periodically evicts call sessions that have seen no media in
// either direction for longer than the inactivity timeout. One Supervisor
// serves the whole process.
type Supervisor struct {
	reg     *Registry
	metrics *observe.Metrics

	interval time.Duration
	timeout  time.Duration

	// now is injected for fake-clock tests.
	now func() time.Time
}

// NewSupervisor creates a Supervisor over reg.
func NewSupervisor(reg *Registry, cfg SupervisorConfig) *Supervisor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	return &Supervisor{
		reg:      reg,
		metrics:  observe.DefaultMetrics(),
		interval: cfg.SweepInterval,
		timeout:  cfg.InactivityTimeout,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evicts every session idle past the timeout. It snapshots the ids
// first; a session vanishing between snapshot and eviction was handled by
// someone else and is not an error.
func (s *Supervisor) Sweep(ctx context.Context) {
	now := s.now()
	for _, id := range s.reg.Snapshot() {
		sess, ok := s.reg.Get(id)
		if !ok {
			continue
		}
		idle := now.Sub(sess.LastActive())
		if idle <= s.timeout {
			continue
		}
		slog.Info("evicting inactive call session",
			"stream_id", id,
			"idle", idle,
		)
		if s.reg.Remove(id) {
			s.metrics.Evictions.Add(ctx, 1)
		}
	}
}
