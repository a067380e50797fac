package sat

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/meridian-sat/obc/internal/clock"
	"github.com/meridian-sat/obc/internal/config"
	"github.com/meridian-sat/obc/internal/link"
	"github.com/meridian-sat/obc/internal/mission"
	"github.com/meridian-sat/obc/internal/protocol"
	"github.com/meridian-sat/obc/internal/protocol/frame"
	"github.com/meridian-sat/obc/internal/subsystem"
	"github.com/meridian-sat/obc/internal/testutil/testlog"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type harness struct {
	core   *Core
	clk    *clock.Fake
	ctx    context.Context
	ground net.Conn
	codec  *protocol.Codec
	subs   Subsystems
	seq    uint32
	cancel context.CancelFunc
}

type harnessOptions struct {
	dispatch bool
	tweak    func(*config.Config)
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, harnessOptions{dispatch: true})
}

func newHarnessWith(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Crypto.KeyHex = testKeyHex
	// Pipe connections carry real-time deadlines; with a fake clock the
	// write deadline would sit in the past, so it stays off.
	cfg.Link.WriteTimeout = 0
	if opts.tweak != nil {
		opts.tweak(&cfg)
	}

	clk := clock.NewFake(time.Unix(1700000000, 0))
	subs := Subsystems{
		Camera:     &subsystem.MockCamera{},
		IMU:        &subsystem.MockIMU{},
		Actuator:   &subsystem.MockActuator{},
		Vision:     &subsystem.MockVision{},
		Controller: &subsystem.MockController{},
		Health:     &subsystem.MockHealth{},
	}
	core, err := New(cfg, clk, subs)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}

	key, _ := cfg.MissionKey()
	codec, err := protocol.NewCodec(key)
	if err != nil {
		t.Fatalf("ground codec: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	core.phases.bind(ctx)
	if opts.dispatch {
		go core.runDispatch(ctx)
	}

	ground, onboard := net.Pipe()
	go core.runSession(ctx, onboard)

	h := &harness{core: core, clk: clk, ctx: ctx, ground: ground, codec: codec, subs: subs, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		h.ground.Close()
	})
	return h
}

// reconnect drops the current ground contact and establishes a fresh one,
// as a station would after an outage.
func (h *harness) reconnect(t *testing.T) {
	t.Helper()
	h.ground.Close()
	// Let the old session's tasks observe the closed pipe and exit.
	time.Sleep(20 * time.Millisecond)

	ground, onboard := net.Pipe()
	h.ground = ground
	h.seq = 0
	go h.core.runSession(h.ctx, onboard)
}

// recvType reads downlink messages until one of the given type arrives,
// skipping interleaved telemetry.
func (h *harness) recvType(t *testing.T, want protocol.MessageType) protocol.Message {
	t.Helper()
	for i := 0; i < 16; i++ {
		msg := h.recv(t)
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("no %v message received", want)
	return protocol.Message{}
}

func (h *harness) sendRaw(t *testing.T, body []byte) {
	t.Helper()
	if err := frame.Write(h.ground, body, frame.DefaultLimits()); err != nil {
		t.Fatalf("ground write: %v", err)
	}
}

func (h *harness) send(t *testing.T, typ protocol.MessageType, payload any) []byte {
	t.Helper()
	var raw []byte
	if payload != nil {
		var err error
		raw, err = protocol.MarshalPayload(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	h.seq++
	body, err := h.codec.Encode(typ, h.seq, raw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.sendRaw(t, body)
	return body
}

func (h *harness) recv(t *testing.T) protocol.Message {
	t.Helper()
	h.ground.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := frame.Read(h.ground, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("ground read: %v", err)
	}
	msg, err := h.codec.Decode(body, time.Now())
	if err != nil {
		t.Fatalf("ground decode: %v", err)
	}
	return msg
}

func TestSessionPingGetsAck(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.send(t, protocol.TypePing, nil)
	if msg := h.recv(t); msg.Type != protocol.TypePingAck {
		t.Fatalf("expected ping ack, got %v", msg.Type)
	}
	if _, ok := h.core.ContactEstablishedAt(); !ok {
		t.Fatal("active contact not reported")
	}
}

func TestReconnectResetsLinkState(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	now := h.clk.Now()
	for i := 0; i < h.core.cfg.Link.LostAfterMisses; i++ {
		h.core.monitor.Tick(now)
	}
	h.core.arbiter.SetFrozen(true)
	h.core.scheduler.Enqueue(protocol.TypeData, []byte{1})
	if h.core.scheduler.Buffered() != 1 {
		t.Fatalf("setup: expected 1 buffered, got %d", h.core.scheduler.Buffered())
	}

	// A fresh contact starts from a clean slate: overrides thawed, link
	// Up, buffered bulk released.
	h.reconnect(t)
	h.send(t, protocol.TypeOverrideMode, protocol.OverridePayload{Manual: true})
	msg := h.recvType(t, protocol.TypeResponse)
	var p protocol.ResponsePayload
	if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !p.OK {
		t.Fatal("override rejected on a fresh contact")
	}
	if !h.core.arbiter.Mode().Manual {
		t.Fatal("override not applied")
	}
	if got := h.core.monitor.Status(); got != link.StatusUp {
		t.Fatalf("expected Up on fresh contact, got %v", got)
	}
	if h.core.scheduler.Buffered() != 0 {
		t.Fatalf("bulk buffer not released: %d held", h.core.scheduler.Buffered())
	}
}

func TestQueueOverflowReportedToGround(t *testing.T) {
	testlog.Start(t)
	// No dispatch task: commands pile up as they would behind a stalled
	// subsystem call.
	h := newHarnessWith(t, harnessOptions{tweak: func(cfg *config.Config) {
		cfg.Queue.CommandCapacity = 2
	}})

	for i := 0; i < 3; i++ {
		h.send(t, protocol.TypeStatus, nil)
	}
	msg := h.recvType(t, protocol.TypeError)
	var p protocol.ErrorPayload
	if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != protocol.CodeQueueOverflow {
		t.Fatalf("expected queue overflow code, got %d", p.Code)
	}
	if !strings.Contains(p.Detail, "status") {
		t.Fatalf("dropped command not named: %q", p.Detail)
	}
	if h.core.queue.Len() != 2 {
		t.Fatalf("expected full queue, got %d", h.core.queue.Len())
	}
}

func TestSessionInitRoundTrip(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.send(t, protocol.TypeInit, protocol.InitPayload{Phase: 1})
	msg := h.recv(t)
	if msg.Type != protocol.TypeResponse {
		t.Fatalf("expected response, got %v", msg.Type)
	}
	var p protocol.ResponsePayload
	if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !p.OK {
		t.Fatal("init rejected")
	}
	if h.core.machine.Snapshot().Phase != 1 {
		t.Fatalf("machine not in phase 1: %+v", h.core.machine.Snapshot())
	}
}

func TestSessionDuplicateFrameNotRedispatched(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	body := h.send(t, protocol.TypeInit, protocol.InitPayload{Phase: 1})
	if msg := h.recv(t); msg.Type != protocol.TypeResponse {
		t.Fatalf("expected response, got %v", msg.Type)
	}

	// A retransmission of the same sealed frame must not run the command a
	// second time; a re-run init 1 from phase 1 would produce an Error.
	h.sendRaw(t, body)
	h.send(t, protocol.TypeInit, protocol.InitPayload{Phase: 2})
	msg := h.recv(t)
	if msg.Type != protocol.TypeResponse {
		t.Fatalf("duplicate frame was re-dispatched: got %v", msg.Type)
	}
	var p protocol.ResponsePayload
	if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !p.OK {
		t.Fatal("init 2 rejected after duplicate frame")
	}
}

func TestSessionTamperedFrameDiscarded(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	raw, err := protocol.MarshalPayload(protocol.InitPayload{Phase: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body, err := h.codec.Encode(protocol.TypeInit, 99, raw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body[len(body)-1] ^= 0xff
	h.sendRaw(t, body)

	// The stream survives and the tampered command never ran.
	h.send(t, protocol.TypePing, nil)
	if msg := h.recv(t); msg.Type != protocol.TypePingAck {
		t.Fatalf("expected ping ack, got %v", msg.Type)
	}
	if h.core.machine.Snapshot().State != mission.StateIdle {
		t.Fatal("tampered frame reached the dispatcher")
	}
}

func TestHeartbeatRecoveryThawsAndFlushes(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	now := h.clk.Now()
	for i := 0; i < h.core.cfg.Link.LostAfterMisses; i++ {
		h.core.monitor.Tick(now)
	}
	h.core.arbiter.SetFrozen(true)

	// Bulk telemetry produced while lost is buffered, not queued.
	h.core.scheduler.Enqueue(protocol.TypeData, []byte{1})
	if h.core.scheduler.Buffered() != 1 {
		t.Fatalf("expected 1 buffered, got %d", h.core.scheduler.Buffered())
	}

	h.core.observeHeartbeat(now)
	if h.core.scheduler.Buffered() != 0 {
		t.Fatal("recovery did not flush the bulk buffer")
	}
	if err := h.core.arbiter.Set(true, true); err != nil {
		t.Fatalf("arbiter still frozen after recovery: %v", err)
	}
}

func TestCountdownExpiryEmitsFinalStatusAndIdles(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	if err := h.core.machine.Init(context.Background(), 1); err != nil {
		t.Fatalf("init: %v", err)
	}

	if !h.core.scheduler.StartShutdown(5) {
		t.Fatal("countdown refused")
	}
	h.clk.Advance(5 * time.Second)

	select {
	case <-h.core.shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("countdown expiry never stopped the core")
	}
	if h.core.machine.Snapshot().State != mission.StateIdle {
		t.Fatalf("expected idle after shutdown, got %+v", h.core.machine.Snapshot())
	}

	// The final downlink message is the status report.
	msg := h.recv(t)
	if msg.Type != protocol.TypeStatus {
		t.Fatalf("expected final status, got %v", msg.Type)
	}
	var report protocol.StatusReport
	if err := protocol.UnmarshalPayload(msg.Payload, &report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(report.Subsystems) == 0 {
		t.Fatal("final status missing subsystem reports")
	}
}

func TestControlCycleGatedByOverride(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	imu := h.subs.IMU.(*subsystem.MockIMU)
	act := h.subs.Actuator.(*subsystem.MockActuator)
	imu.SetVelocity(subsystem.Vector3{Z: 1.0})

	h.core.controlCycle(context.Background())
	if n := len(act.Outputs()); n != 1 {
		t.Fatalf("expected 1 actuator output, got %d", n)
	}

	if err := h.core.arbiter.Set(false, true); err != nil {
		t.Fatalf("override: %v", err)
	}
	h.core.controlCycle(context.Background())
	if n := len(act.Outputs()); n != 1 {
		t.Fatalf("manual override leaked an output: %d", n)
	}

	if err := h.core.arbiter.Set(false, false); err != nil {
		t.Fatalf("override: %v", err)
	}
	h.core.controlCycle(context.Background())
	outputs := act.Outputs()
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs after returning to autonomous, got %d", len(outputs))
	}
	if outputs[1] >= 0 {
		t.Fatalf("expected damping output opposing spin, got %v", outputs[1])
	}
}

func TestControlCycleNeutralOnFault(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	imu := h.subs.IMU.(*subsystem.MockIMU)
	act := h.subs.Actuator.(*subsystem.MockActuator)
	imu.Err = subsystem.ErrFault

	h.core.controlCycle(context.Background())
	outputs := act.Outputs()
	if len(outputs) != 1 || outputs[0] != subsystem.NeutralOutput {
		t.Fatalf("expected neutral output on fault, got %v", outputs)
	}
}
