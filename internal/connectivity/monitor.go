package connectivity

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Prober answers whether the remote endpoint is reachable right now.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor probes the remote endpoint on an interval and invokes the trigger
// on every offline-to-online transition. It does not throttle or debounce:
// the offline short-circuit lives inside the processing pass, not here.
type Monitor struct {
	prober   Prober
	interval time.Duration
	trigger  func()
	logger   zerolog.Logger
	online   atomic.Bool
}

// NewMonitor builds a monitor. A nil prober means there is nothing to probe
// and the process is assumed online; executor resolution handles the
// unconfigured-remote case per operation.
func NewMonitor(prober Prober, interval time.Duration, trigger func(), logger *zerolog.Logger) *Monitor {
	m := &Monitor{
		prober:   prober,
		interval: interval,
		trigger:  trigger,
		logger:   logger.With().Str("component", "connectivity").Logger(),
	}
	m.online.Store(prober == nil)
	return m
}

// Online reports the last observed connectivity state. Consumed by the
// coordinator's offline check at the start of a pass.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Start runs the probe loop until ctx is done. The first probe runs
// immediately so a process started online does not wait a full interval.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		m.logger.Info().Msg("no remote configured, assuming online")
		return
	}

	m.logger.Info().Dur("interval", m.interval).Msg("connectivity monitor started")
	defer m.logger.Info().Msg("connectivity monitor stopped")

	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.prober.Ping(probeCtx)
	wasOnline := m.online.Load()

	if err != nil {
		if wasOnline {
			m.logger.Warn().Err(err).Msg("connectivity lost")
		}
		m.online.Store(false)
		return
	}

	m.online.Store(true)
	if !wasOnline {
		m.logger.Info().Msg("connectivity restored, resuming queue")
		if m.trigger != nil {
			m.trigger()
		}
	}
}
