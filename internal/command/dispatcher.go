package command

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/clock"
	"github.com/meridian-sat/obc/internal/link"
	"github.com/meridian-sat/obc/internal/mission"
	"github.com/meridian-sat/obc/internal/observability"
	"github.com/meridian-sat/obc/internal/protocol"
	"github.com/meridian-sat/obc/internal/subsystem"
)

// Telemetry is the outbound surface the dispatcher drives. The telemetry
// scheduler implements it; tests substitute a recorder.
type Telemetry interface {
	Enqueue(t protocol.MessageType, payload []byte)
	StartShutdown(seconds uint32) bool
	AbortShutdown() bool
}

// Hooks let the runtime react to dispatched commands without the
// dispatcher owning goroutines.
type Hooks struct {
	// OnPhaseStart fires after a validated Init transition.
	OnPhaseStart func(phase uint8)
	// OnHeartbeat fires for every received Ping or PingAck.
	OnHeartbeat func(at time.Time)
}

// Dispatcher routes decoded ground commands to the phase machine, the
// override arbiter, and the subsystem collaborators. Every command gets a
// reply: Response{false} plus an Error for anything rejected, never a
// crash or a silent drop.
type Dispatcher struct {
	clk           clock.Clock
	machine       *mission.Machine
	arbiter       *Arbiter
	out           Telemetry
	camera        subsystem.Camera
	vision        subsystem.Vision
	health        subsystem.Health
	sensorTimeout time.Duration
	hooks         Hooks

	mu      sync.Mutex
	targets []uint8
}

type Deps struct {
	Clock         clock.Clock
	Machine       *mission.Machine
	Arbiter       *Arbiter
	Telemetry     Telemetry
	Camera        subsystem.Camera
	Vision        subsystem.Vision
	Health        subsystem.Health
	SensorTimeout time.Duration
	Hooks         Hooks
}

func NewDispatcher(deps Deps) *Dispatcher {
	if deps.SensorTimeout <= 0 {
		deps.SensorTimeout = time.Second
	}
	return &Dispatcher{
		clk:           deps.Clock,
		machine:       deps.Machine,
		arbiter:       deps.Arbiter,
		out:           deps.Telemetry,
		camera:        deps.Camera,
		vision:        deps.Vision,
		health:        deps.Health,
		sensorTimeout: deps.SensorTimeout,
		hooks:         deps.Hooks,
	}
}

// Dispatch handles one decoded command. The switch is exhaustive over the
// closed MessageType set; decode has already rejected unknown tags.
func (d *Dispatcher) Dispatch(ctx context.Context, msg protocol.Message) {
	log.Debug().Stringer("type", msg.Type).Uint32("seq", msg.Seq).Msg("dispatch")

	switch msg.Type {
	case protocol.TypeStatus:
		d.handleStatus(ctx, msg)
	case protocol.TypeInit:
		d.handleInit(ctx, msg)
	case protocol.TypePhaseInfo:
		d.handlePhaseInfo(ctx, msg)
	case protocol.TypePhaseCommand:
		d.handlePhaseCommand(msg)
	case protocol.TypeImage:
		d.handleImage(ctx)
	case protocol.TypeOverrideMode:
		d.handleOverride(msg)
	case protocol.TypeShutdown:
		d.handleShutdown(ctx, msg)
	case protocol.TypePing, protocol.TypePingAck:
		if d.hooks.OnHeartbeat != nil {
			d.hooks.OnHeartbeat(msg.Timestamp)
		}
		if msg.Type == protocol.TypePing {
			d.out.Enqueue(protocol.TypePingAck, nil)
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := protocol.UnmarshalPayload(msg.Payload, &p); err == nil {
			log.Warn().Uint8("code", p.Code).Str("detail", p.Detail).Msg("error reported by ground")
		}
	case protocol.TypeData, protocol.TypeResponse:
		// Downlink-only types; a ground station never legitimately sends
		// them up.
		d.reject(protocol.CodeInvalidCommand, "uplink of downlink-only type "+msg.Type.String())
	}
}

// StatusReport assembles the current health snapshot. The telemetry
// scheduler also uses it for the final pre-shutdown message.
func (d *Dispatcher) StatusReport(ctx context.Context) (protocol.StatusReport, error) {
	reports, err := subsystem.Call(ctx, d.sensorTimeout, d.health.Report)
	if err != nil {
		return protocol.StatusReport{}, err
	}
	snap := d.machine.Snapshot()
	subsystems := make(map[string]protocol.SubsystemReport, len(reports))
	overall := "NOMINAL"
	for name, r := range reports {
		subsystems[name] = protocol.SubsystemReport{Readings: r.Readings, Status: r.Status}
		switch r.Status {
		case "CRITICAL":
			overall = "CRITICAL"
		case "WARNING", "NOT OK":
			if overall == "NOMINAL" {
				overall = "ANOMALIES_DETECTED"
			}
		}
	}
	return protocol.StatusReport{
		Phase:      snap.State,
		Subsystems: subsystems,
		Overall:    overall,
		UnixMS:     d.clk.Now().UnixMilli(),
	}, nil
}

// Phase2Targets returns the last commanded target digit sequence.
func (d *Dispatcher) Phase2Targets() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint8, len(d.targets))
	copy(out, d.targets)
	return out
}

func (d *Dispatcher) handleStatus(ctx context.Context, msg protocol.Message) {
	var req protocol.StatusRequest
	if len(msg.Payload) > 0 {
		if err := protocol.UnmarshalPayload(msg.Payload, &req); err != nil {
			d.reject(protocol.CodeDecode, "malformed status request")
			return
		}
	}
	report, err := d.StatusReport(ctx)
	if err != nil {
		d.rejectSubsystem(err)
		return
	}
	if len(req.Sensors) > 0 {
		filtered := make(map[string]protocol.SubsystemReport)
		for _, name := range req.Sensors {
			if r, ok := report.Subsystems[name]; ok {
				filtered[name] = r
			}
		}
		report.Subsystems = filtered
	}
	payload, err := protocol.MarshalPayload(report)
	if err != nil {
		d.reject(protocol.CodeSubsystemFault, "status encode failed")
		return
	}
	d.out.Enqueue(protocol.TypeStatus, payload)
}

func (d *Dispatcher) handleInit(ctx context.Context, msg protocol.Message) {
	var p protocol.InitPayload
	if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
		d.reject(protocol.CodeDecode, "malformed init")
		return
	}
	if err := d.machine.Init(ctx, p.Phase); err != nil {
		observability.RecordDispatchFailure("phase_violation")
		log.Warn().Uint8("phase", p.Phase).Err(err).Msg("init rejected")
		d.sendError(protocol.CodePhaseViolation, err.Error())
		d.respond(false)
		return
	}
	d.respond(true)
	if d.hooks.OnPhaseStart != nil {
		d.hooks.OnPhaseStart(p.Phase)
	}
}

func (d *Dispatcher) handlePhaseInfo(ctx context.Context, msg protocol.Message) {
	if snap := d.machine.Snapshot(); snap.Phase != 2 {
		d.reject(protocol.CodeInvalidCommand, "phase_info outside phase 2")
		return
	}
	frame, err := subsystem.Call(ctx, d.sensorTimeout, d.camera.CaptureFrame)
	if err != nil {
		d.rejectSubsystem(err)
		return
	}
	cards, err := subsystem.Call(ctx, d.sensorTimeout, func(c context.Context) ([]subsystem.CardDetection, error) {
		return d.vision.DetectCards(c, frame)
	})
	if err != nil {
		d.rejectSubsystem(err)
		return
	}
	positions := make(map[uint8]float64, len(cards))
	for _, card := range cards {
		if card.Digit <= 9 {
			positions[card.Digit] = card.Position
		}
	}
	payload, err := protocol.MarshalPayload(protocol.PhaseInfoPayload{Positions: positions})
	if err != nil {
		d.reject(protocol.CodeSubsystemFault, "phase_info encode failed")
		return
	}
	d.out.Enqueue(protocol.TypePhaseInfo, payload)
}

func (d *Dispatcher) handlePhaseCommand(msg protocol.Message) {
	if snap := d.machine.Snapshot(); snap.Phase != 2 {
		d.reject(protocol.CodeInvalidCommand, "phase_cmd outside phase 2")
		return
	}
	var p protocol.PhaseCommandPayload
	if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
		d.reject(protocol.CodeDecode, "malformed phase_cmd")
		return
	}
	for _, digit := range p.Targets {
		if digit > 9 {
			d.reject(protocol.CodeInvalidCommand, "target digit out of range")
			return
		}
	}
	d.mu.Lock()
	d.targets = append([]uint8(nil), p.Targets...)
	d.mu.Unlock()
	log.Info().Int("targets", len(p.Targets)).Msg("phase 2 target sequence accepted")
	d.respond(true)
}

func (d *Dispatcher) handleImage(ctx context.Context) {
	frame, err := subsystem.Call(ctx, d.sensorTimeout, d.camera.CaptureFrame)
	if err != nil {
		d.rejectSubsystem(err)
		return
	}
	payload, err := protocol.MarshalPayload(protocol.ImagePayload{Frame: frame})
	if err != nil {
		d.reject(protocol.CodeSubsystemFault, "image encode failed")
		return
	}
	d.out.Enqueue(protocol.TypeImage, payload)
}

func (d *Dispatcher) handleOverride(msg protocol.Message) {
	var p protocol.OverridePayload
	if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
		d.reject(protocol.CodeDecode, "malformed override")
		return
	}
	if err := d.arbiter.Set(p.Live, p.Manual); err != nil {
		if errors.Is(err, link.ErrLinkLost) {
			observability.RecordDispatchFailure("link_lost")
			d.sendError(protocol.CodeLinkLost, err.Error())
		} else {
			observability.RecordDispatchFailure("invalid_command")
			d.sendError(protocol.CodeInvalidCommand, err.Error())
		}
		d.respond(false)
		return
	}
	d.respond(true)
}

func (d *Dispatcher) handleShutdown(ctx context.Context, msg protocol.Message) {
	var p protocol.ShutdownPayload
	if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
		d.reject(protocol.CodeDecode, "malformed shutdown")
		return
	}
	if p.Abort {
		if d.out.AbortShutdown() {
			log.Warn().Msg("shutdown countdown aborted by ground")
			d.respond(true)
			return
		}
		// No countdown armed: abort the current phase instead.
		if err := d.machine.Abort(ctx); err != nil {
			d.sendError(protocol.CodePhaseViolation, err.Error())
			d.respond(false)
			return
		}
		d.respond(true)
		return
	}
	if p.Seconds == 0 {
		d.reject(protocol.CodeInvalidCommand, "shutdown delay must be positive")
		return
	}
	if !d.out.StartShutdown(p.Seconds) {
		d.reject(protocol.CodeInvalidCommand, "shutdown countdown already armed")
		return
	}
	log.Warn().Uint32("seconds", p.Seconds).Msg("shutdown countdown armed")
	d.respond(true)
}

func (d *Dispatcher) respond(ok bool) {
	payload, err := protocol.MarshalPayload(protocol.ResponsePayload{OK: ok})
	if err != nil {
		return
	}
	d.out.Enqueue(protocol.TypeResponse, payload)
}

func (d *Dispatcher) sendError(code uint8, detail string) {
	payload, err := protocol.MarshalPayload(protocol.ErrorPayload{Code: code, Detail: detail})
	if err != nil {
		return
	}
	d.out.Enqueue(protocol.TypeError, payload)
}

// reject reports a failed command with both an Error and a Response{false}.
func (d *Dispatcher) reject(code uint8, detail string) {
	reason := "invalid_command"
	switch code {
	case protocol.CodeDecode:
		reason = "decode"
	case protocol.CodeSensorTimeout:
		reason = "sensor_timeout"
	case protocol.CodeSubsystemFault:
		reason = "subsystem_fault"
	}
	observability.RecordDispatchFailure(reason)
	log.Warn().Uint8("code", code).Str("detail", detail).Msg("command rejected")
	d.sendError(code, detail)
	d.respond(false)
}

func (d *Dispatcher) rejectSubsystem(err error) {
	if errors.Is(err, subsystem.ErrSensorTimeout) {
		d.reject(protocol.CodeSensorTimeout, err.Error())
		return
	}
	d.reject(protocol.CodeSubsystemFault, err.Error())
}
