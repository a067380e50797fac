package mission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/clock"
	"github.com/meridian-sat/obc/internal/observability"
)

var ErrPhaseViolation = errors.New("mission: phase transition violation")

// States. Phase 3 carries its sub-phase in the state itself so the machine,
// not its callers, owns the velocity_pos -> spin_rate progression.
const (
	StateIdle              = "idle"
	StatePhase1            = "phase1"
	StatePhase2            = "phase2"
	StatePhase3VelocityPos = "phase3/velocity_pos"
	StatePhase3SpinRate    = "phase3/spin_rate"
)

const (
	eventInit1   = "init1"
	eventInit2   = "init2"
	eventInit3   = "init3"
	eventAdvance = "advance"
	eventAbort   = "abort"
)

// Snapshot is a consistent read of the machine for the dispatcher and the
// telemetry scheduler. Only the machine itself mutates phase state.
type Snapshot struct {
	State     string
	Phase     int
	Subphase  string
	EnteredAt time.Time
}

// Machine validates mission phase transitions. Phases only advance forward
// (idle -> 1 -> 2 -> 3) or collapse to idle on abort/shutdown; skipping or
// repeating a phase is rejected and leaves the state untouched.
type Machine struct {
	mu        sync.Mutex
	clk       clock.Clock
	sm        *fsm.FSM
	enteredAt time.Time
}

func NewMachine(clk clock.Clock) *Machine {
	m := &Machine{clk: clk, enteredAt: clk.Now()}
	m.sm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventInit1, Src: []string{StateIdle}, Dst: StatePhase1},
			{Name: eventInit2, Src: []string{StatePhase1}, Dst: StatePhase2},
			{Name: eventInit3, Src: []string{StatePhase2}, Dst: StatePhase3VelocityPos},
			{Name: eventAdvance, Src: []string{StatePhase3VelocityPos}, Dst: StatePhase3SpinRate},
			{Name: eventAbort, Src: []string{
				StatePhase1, StatePhase2, StatePhase3VelocityPos, StatePhase3SpinRate,
			}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.enteredAt = m.clk.Now()
				observability.SetMissionPhase(phaseNumber(e.Dst))
				log.Info().Str("from", e.Src).Str("to", e.Dst).Msg("phase transition")
			},
		},
	)
	return m
}

// Init requests entry into phase 1-3. Only the next adjacent phase is
// reachable; anything else is a phase violation.
func (m *Machine) Init(ctx context.Context, phase uint8) error {
	var event string
	switch phase {
	case 1:
		event = eventInit1
	case 2:
		event = eventInit2
	case 3:
		event = eventInit3
	default:
		return fmt.Errorf("%w: no such phase %d", ErrPhaseViolation, phase)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sm.Event(ctx, event); err != nil {
		return fmt.Errorf("%w: %v", ErrPhaseViolation, err)
	}
	return nil
}

// Advance moves phase 3 from velocity/position logging to spin-rate
// measurement. It is triggered by the data-processing collaborator once
// logging completes, never by a ground command.
func (m *Machine) Advance(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sm.Event(ctx, eventAdvance); err != nil {
		return fmt.Errorf("%w: %v", ErrPhaseViolation, err)
	}
	return nil
}

// Abort forces the machine back to idle. Aborting while already idle is a
// no-op, not an error.
func (m *Machine) Abort(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sm.Current() == StateIdle {
		return nil
	}
	if err := m.sm.Event(ctx, eventAbort); err != nil {
		return fmt.Errorf("%w: %v", ErrPhaseViolation, err)
	}
	return nil
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.sm.Current()
	return Snapshot{
		State:     state,
		Phase:     phaseNumber(state),
		Subphase:  subphase(state),
		EnteredAt: m.enteredAt,
	}
}

func phaseNumber(state string) int {
	switch state {
	case StatePhase1:
		return 1
	case StatePhase2:
		return 2
	case StatePhase3VelocityPos, StatePhase3SpinRate:
		return 3
	default:
		return 0
	}
}

func subphase(state string) string {
	switch state {
	case StatePhase3VelocityPos:
		return "velocity_pos"
	case StatePhase3SpinRate:
		return "spin_rate"
	default:
		return ""
	}
}
