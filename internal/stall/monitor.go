// Package stall tracks the seeder health of a single download and decides when to give up on it.
package stall

import (
	"time"

	"github.com/italolelis/magnetdrive/internal/transfer"
)

// State of a monitored download.
type State int

const (
	Healthy State = iota
	NoSeeders
	Stopped
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case NoSeeders:
		return "no_seeders"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	DefaultTimeout = 5 * time.Minute
	DefaultCeiling = 24 * time.Hour
)

// Monitor is the per-handle seeder health state machine. It is not safe for concurrent use;
// each job task owns its monitor.
type Monitor struct {
	timeout time.Duration
	ceiling time.Duration

	state          State
	startedAt      time.Time
	noSeedersSince time.Time
	reason         error
}

// NewMonitor starts monitoring at now. Zero durations fall back to the defaults.
func NewMonitor(timeout, ceiling time.Duration, now time.Time) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	return &Monitor{
		timeout:   timeout,
		ceiling:   ceiling,
		state:     Healthy,
		startedAt: now,
	}
}

// Observe feeds a poll result into the state machine and returns the resulting state.
// Once Stopped, further observations are ignored.
func (m *Monitor) Observe(p *transfer.Progress, now time.Time) State {
	if m.state == Stopped {
		return m.state
	}

	if now.Sub(m.startedAt) >= m.ceiling {
		return m.stop(&transfer.ExpiredError{Ceiling: m.ceiling})
	}

	if p.Seeders > 0 || p.IsComplete() {
		m.state = Healthy
		m.noSeedersSince = time.Time{}

		return m.state
	}

	if m.state == Healthy {
		m.state = NoSeeders
		m.noSeedersSince = now

		return m.state
	}

	if now.Sub(m.noSeedersSince) >= m.timeout {
		return m.stop(&transfer.NoSeedersError{Timeout: m.timeout})
	}

	return m.state
}

// Expired reports whether the ceiling has passed, independent of any poll.
func (m *Monitor) Expired(now time.Time) bool {
	if m.state == Stopped {
		return true
	}

	if now.Sub(m.startedAt) >= m.ceiling {
		m.stop(&transfer.ExpiredError{Ceiling: m.ceiling})

		return true
	}

	return false
}

// State returns the current state.
func (m *Monitor) State() State {
	return m.state
}

// Reason returns why monitoring stopped, nil while still running.
func (m *Monitor) Reason() error {
	return m.reason
}

func (m *Monitor) stop(reason error) State {
	m.state = Stopped
	m.reason = reason

	return m.state
}
