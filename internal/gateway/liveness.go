package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultSweepInterval is how often the monitor scans for stale sessions.
	DefaultSweepInterval = 60 * time.Second
	// DefaultIdleTimeout is how long a session may go without inbound
	// activity before it is evicted.
	DefaultIdleTimeout = 120 * time.Second
)

var errIdleTimeout = errors.New("connection idle timeout")

// LivenessMonitor periodically evicts sessions with no inbound activity.
// Each sweep works on a registry snapshot and disconnects without holding
// any lock, so one slow disconnect cannot stall the scan.
type LivenessMonitor struct {
	registry *Registry

	sweepInterval time.Duration
	idleTimeout   time.Duration

	clock  clock.Clock
	logger *slog.Logger
}

func NewLivenessMonitor(logger *slog.Logger, registry *Registry, clk clock.Clock) *LivenessMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &LivenessMonitor{
		registry:      registry,
		sweepInterval: DefaultSweepInterval,
		idleTimeout:   DefaultIdleTimeout,
		clock:         clk,
		logger:        logger.With(slog.String("component", "liveness_monitor")),
	}
}

// SetPolicy overrides the default timing. Zero values keep the defaults.
func (m *LivenessMonitor) SetPolicy(sweepInterval, idleTimeout time.Duration) {
	if sweepInterval > 0 {
		m.sweepInterval = sweepInterval
	}
	if idleTimeout > 0 {
		m.idleTimeout = idleTimeout
	}
}

// Sweep evicts every session idle longer than the threshold and returns how
// many were evicted.
func (m *LivenessMonitor) Sweep() int {
	now := m.clock.Now()
	evicted := 0
	m.registry.ForEach(func(s *Session) {
		idle := now.Sub(s.LastActivity())
		if idle <= m.idleTimeout {
			return
		}
		m.logger.Info("Evicting inactive connection",
			slog.String("userID", s.Identity),
			slog.Duration("idle", idle),
		)
		s.Transport.Close(errIdleTimeout)
		evicted++
	})
	return evicted
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
