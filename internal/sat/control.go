package sat

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridian-sat/obc/internal/protocol"
	"github.com/meridian-sat/obc/internal/subsystem"
)

// runControl is the fixed-rate attitude loop: read the IMU, compute a
// damping output, gate it through the override arbiter, drive the
// actuator. A cycle that cannot finish is abandoned at the next tick; its
// stale output is never applied.
func (c *Core) runControl(ctx context.Context) error {
	interval := c.cfg.Control.CycleInterval.Std()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clk.After(interval):
		}

		cctx, cancel := context.WithTimeout(ctx, interval)
		c.controlCycle(cctx)
		cancel()
	}
}

func (c *Core) controlCycle(ctx context.Context) {
	timeout := c.cfg.Control.SensorTimeout.Std()

	w, err := subsystem.Call(ctx, timeout, c.subs.IMU.ReadAngularVelocity)
	if err != nil {
		if errors.Is(err, subsystem.ErrSensorTimeout) {
			log.Warn().Err(err).Msg("imu read timed out, cycle skipped")
		} else if ctx.Err() == nil {
			log.Error().Err(err).Msg("imu fault, applying neutral output")
			c.applyNeutral(ctx)
		}
		return
	}

	output, err := c.subs.Controller.ComputeOutput(ctx, w)
	if err != nil {
		log.Error().Err(err).Msg("controller fault, applying neutral output")
		c.applyNeutral(ctx)
		return
	}

	output, ok := c.arbiter.GateAutonomous(output)
	if !ok {
		return
	}
	if err := c.subs.Actuator.SetOutput(ctx, output); err != nil {
		log.Error().Err(err).Float64("output", output).Msg("actuator fault")
	}
}

func (c *Core) applyNeutral(ctx context.Context) {
	if err := c.subs.Actuator.SetOutput(ctx, subsystem.NeutralOutput); err != nil {
		log.Error().Err(err).Msg("neutral output failed")
	}
}

const liveFeedEvery = time.Second

// runLiveFeed queues camera frames for downlink while the live-feed
// override flag is set. The flag is independent of manual control.
func (c *Core) runLiveFeed(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clk.After(liveFeedEvery):
		}
		if !c.arbiter.Mode().Live {
			continue
		}
		frame, err := subsystem.Call(ctx, c.cfg.Control.SensorTimeout.Std(), c.subs.Camera.CaptureFrame)
		if err != nil {
			log.Warn().Err(err).Msg("live feed frame skipped")
			continue
		}
		payload, err := protocol.MarshalPayload(protocol.ImagePayload{Frame: frame})
		if err != nil {
			log.Error().Err(err).Msg("live feed encode failed")
			continue
		}
		c.scheduler.Enqueue(protocol.TypeImage, payload)
	}
}
