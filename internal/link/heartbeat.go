package link

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/observability"
)

// Monitor tracks heartbeat liveness. It owns no timer: the runtime loop
// calls Tick on every heartbeat interval and Observe on every received
// ping, so the monitor composes with a simulated clock.
type Monitor struct {
	mu            sync.Mutex
	degradedAfter int
	lostAfter     int

	misses        int
	seenSinceTick bool
	status        Status
	lastHeartbeat time.Time
}

func NewMonitor(degradedAfter, lostAfter int) *Monitor {
	return &Monitor{
		degradedAfter: degradedAfter,
		lostAfter:     lostAfter,
	}
}

// Observe records a received heartbeat. A single heartbeat restores the
// link to Up regardless of how degraded it was.
func (m *Monitor) Observe(now time.Time) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.status
	m.misses = 0
	m.seenSinceTick = true
	m.lastHeartbeat = now
	m.status = StatusUp
	if prev != StatusUp {
		log.Info().Stringer("from", prev).Msg("link recovered")
	}
	observability.SetLinkStatus(int(m.status))
	return m.status
}

// Tick marks the end of one heartbeat interval. An interval with no
// observed ping counts as a miss.
func (m *Monitor) Tick(now time.Time) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seenSinceTick {
		m.seenSinceTick = false
		return m.status
	}
	m.misses++
	observability.RecordHeartbeatMiss()

	prev := m.status
	switch {
	case m.misses >= m.lostAfter:
		m.status = StatusLost
	case m.misses >= m.degradedAfter:
		m.status = StatusDegraded
	}
	if m.status != prev {
		log.Warn().
			Int("misses", m.misses).
			Stringer("status", m.status).
			Msg("link status changed")
	}
	observability.SetLinkStatus(int(m.status))
	return m.status
}

// Reset clears miss tracking for a fresh ground contact. Link state is
// per contact: a reconnecting station starts from Up, the same as its
// first heartbeat would leave it.
func (m *Monitor) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.status
	m.misses = 0
	m.seenSinceTick = false
	m.status = StatusUp
	if prev != StatusUp {
		log.Info().Stringer("from", prev).Time("at", now).Msg("link state reset for new contact")
	}
	observability.SetLinkStatus(int(m.status))
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) LastHeartbeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeartbeat
}
