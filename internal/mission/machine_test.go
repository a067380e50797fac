package mission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridian-sat/obc/internal/clock"
	"github.com/meridian-sat/obc/internal/testutil/testlog"
)

func newTestMachine() (*Machine, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	return NewMachine(clk), clk
}

func TestPhasesAdvanceInOrder(t *testing.T) {
	testlog.Start(t)
	m, _ := newTestMachine()
	ctx := context.Background()

	for _, phase := range []uint8{1, 2, 3} {
		if err := m.Init(ctx, phase); err != nil {
			t.Fatalf("init %d: %v", phase, err)
		}
	}
	snap := m.Snapshot()
	if snap.Phase != 3 || snap.Subphase != "velocity_pos" {
		t.Fatalf("expected phase3/velocity_pos, got %+v", snap)
	}
}

func TestSkippingAPhaseRejected(t *testing.T) {
	testlog.Start(t)
	m, _ := newTestMachine()
	ctx := context.Background()

	err := m.Init(ctx, 3)
	if !errors.Is(err, ErrPhaseViolation) {
		t.Fatalf("expected ErrPhaseViolation, got %v", err)
	}
	if snap := m.Snapshot(); snap.State != StateIdle {
		t.Fatalf("state changed on rejected transition: %+v", snap)
	}
}

func TestRegressionRejected(t *testing.T) {
	testlog.Start(t)
	m, _ := newTestMachine()
	ctx := context.Background()
	if err := m.Init(ctx, 1); err != nil {
		t.Fatalf("init 1: %v", err)
	}
	if err := m.Init(ctx, 2); err != nil {
		t.Fatalf("init 2: %v", err)
	}

	if err := m.Init(ctx, 1); !errors.Is(err, ErrPhaseViolation) {
		t.Fatalf("expected ErrPhaseViolation on repeat init, got %v", err)
	}
	if snap := m.Snapshot(); snap.State != StatePhase2 {
		t.Fatalf("state changed on rejected transition: %+v", snap)
	}
}

func TestPhase3StartsAtVelocityPosAndAdvances(t *testing.T) {
	testlog.Start(t)
	m, _ := newTestMachine()
	ctx := context.Background()
	for _, phase := range []uint8{1, 2, 3} {
		if err := m.Init(ctx, phase); err != nil {
			t.Fatalf("init %d: %v", phase, err)
		}
	}

	if err := m.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap := m.Snapshot(); snap.Subphase != "spin_rate" {
		t.Fatalf("expected spin_rate, got %+v", snap)
	}

	// Advancing again has nowhere to go.
	if err := m.Advance(ctx); !errors.Is(err, ErrPhaseViolation) {
		t.Fatalf("expected ErrPhaseViolation, got %v", err)
	}
}

func TestAdvanceOutsidePhase3Rejected(t *testing.T) {
	testlog.Start(t)
	m, _ := newTestMachine()
	if err := m.Advance(context.Background()); !errors.Is(err, ErrPhaseViolation) {
		t.Fatalf("expected ErrPhaseViolation, got %v", err)
	}
}

func TestAbortForcesIdleAndAllowsReinit(t *testing.T) {
	testlog.Start(t)
	m, clk := newTestMachine()
	ctx := context.Background()
	if err := m.Init(ctx, 1); err != nil {
		t.Fatalf("init 1: %v", err)
	}
	if err := m.Init(ctx, 2); err != nil {
		t.Fatalf("init 2: %v", err)
	}

	clk.Advance(time.Minute)
	if err := m.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	snap := m.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("expected idle after abort, got %+v", snap)
	}
	if !snap.EnteredAt.Equal(clk.Now()) {
		t.Fatalf("entered_at not updated on abort: %v", snap.EnteredAt)
	}

	// Re-initialization is only allowed from idle, and it is allowed now.
	if err := m.Init(ctx, 1); err != nil {
		t.Fatalf("re-init after abort: %v", err)
	}
}

func TestAbortFromIdleIsNoOp(t *testing.T) {
	testlog.Start(t)
	m, _ := newTestMachine()
	if err := m.Abort(context.Background()); err != nil {
		t.Fatalf("abort from idle: %v", err)
	}
}
