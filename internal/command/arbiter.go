package command

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/link"
	"github.com/meridian-sat/obc/internal/observability"
)

// ErrOverridesFrozen wraps link.ErrLinkLost so callers can classify the
// rejection without importing the arbiter.
var ErrOverridesFrozen = fmt.Errorf("command: overrides frozen: %w", link.ErrLinkLost)

// Owner identifies who currently holds attitude control.
type Owner int

const (
	OwnerAutonomous Owner = iota
	OwnerGround
)

func (o Owner) String() string {
	if o == OwnerGround {
		return "ground"
	}
	return "autonomous"
}

// Mode is the authoritative override state.
type Mode struct {
	Live   bool
	Manual bool
}

func (m Mode) Owner() Owner {
	if m.Manual {
		return OwnerGround
	}
	return OwnerAutonomous
}

// Arbiter owns the single OverrideMode instance. Only the dispatcher
// mutates it; the control task reads snapshots and gates its output
// through it. Arbitration is last-writer-wins: one ground session holds
// the link, so the link sequence numbers give a total order.
type Arbiter struct {
	mu     sync.RWMutex
	mode   Mode
	frozen bool
}

func NewArbiter() *Arbiter {
	return &Arbiter{}
}

// Set applies a ground override command. While the link is lost the mode
// stays frozen at its last known value and new overrides are rejected.
func (a *Arbiter) Set(live, manual bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return ErrOverridesFrozen
	}
	prev := a.mode
	a.mode = Mode{Live: live, Manual: manual}
	if prev != a.mode {
		log.Info().
			Bool("live", live).
			Bool("manual", manual).
			Stringer("owner", a.mode.Owner()).
			Msg("override mode changed")
	}
	return nil
}

// SetFrozen is driven by link status transitions.
func (a *Arbiter) SetFrozen(frozen bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = frozen
}

func (a *Arbiter) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// GateAutonomous decides whether an autonomous control output may reach
// the actuator. Under manual control the output is discarded outright,
// never blended with ground commands.
func (a *Arbiter) GateAutonomous(output float64) (float64, bool) {
	a.mu.RLock()
	manual := a.mode.Manual
	a.mu.RUnlock()
	if manual {
		observability.RecordControlDiscarded()
		log.Debug().Float64("output", output).Msg("autonomous output discarded under manual override")
		return 0, false
	}
	return output, true
}
