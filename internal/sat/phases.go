package sat

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/clock"
	"github.com/meridian-sat/obc/internal/mission"
	"github.com/meridian-sat/obc/internal/protocol"
	"github.com/meridian-sat/obc/internal/subsystem"
	"github.com/meridian-sat/obc/internal/telemetry"
)

const (
	healthTelemetryEvery = 2 * time.Second
	poseTelemetryEvery   = time.Second
	motionSampleEvery    = 500 * time.Millisecond
	// motionSampleTarget is how many velocity/position samples phase 3 logs
	// before it moves on to spin-rate measurement.
	motionSampleTarget = 20
)

// Telemetry sample shapes. Integer keys, same as the command payloads.

type healthSample struct {
	Overall  string            `cbor:"1,keyasint"`
	Statuses map[string]string `cbor:"2,keyasint"`
	UnixMS   int64             `cbor:"3,keyasint"`
}

type poseSample struct {
	X      float64 `cbor:"1,keyasint"`
	Y      float64 `cbor:"2,keyasint"`
	Z      float64 `cbor:"3,keyasint"`
	Yaw    float64 `cbor:"4,keyasint"`
	UnixMS int64   `cbor:"5,keyasint"`
}

type motionSample struct {
	WX     float64 `cbor:"1,keyasint"`
	WY     float64 `cbor:"2,keyasint"`
	WZ     float64 `cbor:"3,keyasint"`
	Range  float64 `cbor:"4,keyasint"`
	UnixMS int64   `cbor:"5,keyasint"`
}

type spinSample struct {
	RPM    float64 `cbor:"1,keyasint"`
	UnixMS int64   `cbor:"2,keyasint"`
}

// PhaseRunner owns the per-phase background work: periodic health
// telemetry in phase 1, pose tracking in phase 2, motion logging and
// spin-rate measurement in phase 3. At most one phase loop runs at a
// time; starting a phase or aborting stops the previous loop.
type PhaseRunner struct {
	clk           clock.Clock
	machine       *mission.Machine
	out           *telemetry.Scheduler
	subs          Subsystems
	sensorTimeout time.Duration

	mu     sync.Mutex
	parent context.Context
	cancel context.CancelFunc
}

func newPhaseRunner(clk clock.Clock, machine *mission.Machine, out *telemetry.Scheduler, subs Subsystems, sensorTimeout time.Duration) *PhaseRunner {
	return &PhaseRunner{
		clk:           clk,
		machine:       machine,
		out:           out,
		subs:          subs,
		sensorTimeout: sensorTimeout,
	}
}

// bind attaches the runner to the core's lifetime. Phase loops started
// before bind are not possible: the dispatcher only runs once Run does.
func (r *PhaseRunner) bind(ctx context.Context) {
	r.mu.Lock()
	r.parent = ctx
	r.mu.Unlock()
}

// Start launches the background loop for a freshly entered phase.
func (r *PhaseRunner) Start(phase uint8) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.parent == nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.parent)
	r.cancel = cancel
	r.mu.Unlock()

	log.Info().Uint8("phase", phase).Msg("phase loop started")
	switch phase {
	case 1:
		go r.runHealthLoop(ctx)
	case 2:
		go r.runPoseLoop(ctx)
	case 3:
		go r.runMotionLoop(ctx)
	}
}

// Stop cancels the running phase loop, if any.
func (r *PhaseRunner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
}

// inPhase reports whether the machine still sits in the given phase; the
// loops use it to stop themselves after an abort.
func (r *PhaseRunner) inPhase(phase int) bool {
	return r.machine.Snapshot().Phase == phase
}

func (r *PhaseRunner) runHealthLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(healthTelemetryEvery):
		}
		if !r.inPhase(1) {
			return
		}
		reports, err := subsystem.Call(ctx, r.sensorTimeout, r.subs.Health.Report)
		if err != nil {
			log.Warn().Err(err).Msg("health telemetry skipped")
			continue
		}
		overall := "NOMINAL"
		statuses := make(map[string]string, len(reports))
		for name, rep := range reports {
			statuses[name] = rep.Status
			switch rep.Status {
			case "CRITICAL":
				overall = "CRITICAL"
			case "WARNING", "NOT OK":
				if overall == "NOMINAL" {
					overall = "ANOMALIES_DETECTED"
				}
			}
		}
		r.emitData("health", healthSample{
			Overall:  overall,
			Statuses: statuses,
			UnixMS:   r.clk.Now().UnixMilli(),
		})
	}
}

func (r *PhaseRunner) runPoseLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(poseTelemetryEvery):
		}
		if !r.inPhase(2) {
			return
		}
		frame, err := subsystem.Call(ctx, r.sensorTimeout, r.subs.Camera.CaptureFrame)
		if err != nil {
			log.Warn().Err(err).Msg("pose telemetry skipped")
			continue
		}
		pose, err := subsystem.Call(ctx, r.sensorTimeout, func(c context.Context) (subsystem.Pose, error) {
			return r.subs.Vision.DetectMarker(c, frame)
		})
		if err != nil {
			log.Warn().Err(err).Msg("pose telemetry skipped")
			continue
		}
		r.emitData("pose", poseSample{
			X:      pose.Position.X,
			Y:      pose.Position.Y,
			Z:      pose.Position.Z,
			Yaw:    pose.Yaw,
			UnixMS: r.clk.Now().UnixMilli(),
		})
	}
}

// runMotionLoop logs velocity and relative position samples, then hands
// the machine its internal advance and keeps measuring spin rate until
// the phase ends.
func (r *PhaseRunner) runMotionLoop(ctx context.Context) {
	samples := 0
	for samples < motionSampleTarget {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(motionSampleEvery):
		}
		if !r.inPhase(3) {
			return
		}
		w, err := subsystem.Call(ctx, r.sensorTimeout, r.subs.IMU.ReadAngularVelocity)
		if err != nil {
			log.Warn().Err(err).Msg("motion sample skipped")
			continue
		}
		rng := r.markerRange(ctx)
		r.emitData("velocity_pos", motionSample{
			WX:     w.X,
			WY:     w.Y,
			WZ:     w.Z,
			Range:  rng,
			UnixMS: r.clk.Now().UnixMilli(),
		})
		samples++
	}

	if err := r.machine.Advance(ctx); err != nil {
		log.Warn().Err(err).Msg("spin-rate advance refused")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(motionSampleEvery):
		}
		if !r.inPhase(3) {
			return
		}
		w, err := subsystem.Call(ctx, r.sensorTimeout, r.subs.IMU.ReadAngularVelocity)
		if err != nil {
			log.Warn().Err(err).Msg("spin sample skipped")
			continue
		}
		r.emitData("spin_rate", spinSample{
			RPM:    w.Z * 60 / (2 * math.Pi),
			UnixMS: r.clk.Now().UnixMilli(),
		})
	}
}

// markerRange is best effort: a lost marker reports a zero range rather
// than stalling the sample.
func (r *PhaseRunner) markerRange(ctx context.Context) float64 {
	frame, err := subsystem.Call(ctx, r.sensorTimeout, r.subs.Camera.CaptureFrame)
	if err != nil {
		return 0
	}
	pose, err := subsystem.Call(ctx, r.sensorTimeout, func(c context.Context) (subsystem.Pose, error) {
		return r.subs.Vision.DetectMarker(c, frame)
	})
	if err != nil {
		return 0
	}
	p := pose.Position
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

func (r *PhaseRunner) emitData(tag string, sample any) {
	value, err := protocol.MarshalPayload(sample)
	if err != nil {
		log.Error().Err(err).Str("tag", tag).Msg("telemetry encode failed")
		return
	}
	payload, err := protocol.MarshalPayload(protocol.DataPayload{Tag: tag, Value: value})
	if err != nil {
		log.Error().Err(err).Str("tag", tag).Msg("telemetry encode failed")
		return
	}
	r.out.Enqueue(protocol.TypeData, payload)
}
