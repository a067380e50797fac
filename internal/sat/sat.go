package sat

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-sat/obc/internal/clock"
	"github.com/meridian-sat/obc/internal/command"
	"github.com/meridian-sat/obc/internal/config"
	"github.com/meridian-sat/obc/internal/link"
	"github.com/meridian-sat/obc/internal/mission"
	"github.com/meridian-sat/obc/internal/observability"
	"github.com/meridian-sat/obc/internal/protocol"
	"github.com/meridian-sat/obc/internal/subsystem"
	"github.com/meridian-sat/obc/internal/telemetry"
)

// ErrShutdown reports that the shutdown countdown expired and the core
// stopped on purpose.
var ErrShutdown = errors.New("sat: shutdown countdown expired")

// Subsystems bundles the hardware collaborators the core drives. The
// daemon wires real drivers or mocks; the core never constructs them.
type Subsystems struct {
	Camera     subsystem.Camera
	IMU        subsystem.IMU
	Actuator   subsystem.Actuator
	Vision     subsystem.Vision
	Controller subsystem.Controller
	Health     subsystem.Health
}

// Core is the on-board runtime: one ground link, one command pipeline,
// one control loop. Run drives everything until the context is canceled
// or a shutdown countdown expires.
type Core struct {
	cfg  config.Config
	clk  clock.Clock
	subs Subsystems

	codec      *protocol.Codec
	machine    *mission.Machine
	arbiter    *command.Arbiter
	queue      *command.Queue
	monitor    *link.Monitor
	countdown  *telemetry.Countdown
	scheduler  *telemetry.Scheduler
	dispatcher *command.Dispatcher
	phases     *PhaseRunner

	sessMu  sync.Mutex
	session *link.Session

	shutdownCh chan struct{}
}

func New(cfg config.Config, clk clock.Clock, subs Subsystems) (*Core, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	key, err := cfg.MissionKey()
	if err != nil {
		return nil, err
	}
	codec, err := protocol.NewCodec(key)
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:        cfg,
		clk:        clk,
		subs:       subs,
		codec:      codec,
		machine:    mission.NewMachine(clk),
		arbiter:    command.NewArbiter(),
		queue:      command.NewQueue(cfg.Queue.CommandCapacity),
		monitor:    link.NewMonitor(cfg.Link.DegradedAfterMisses, cfg.Link.LostAfterMisses),
		shutdownCh: make(chan struct{}),
	}
	c.countdown = telemetry.NewCountdown(clk, c.onCountdownExpired)
	c.scheduler = telemetry.NewScheduler(telemetry.Config{
		LinkStatus:   c.monitor.Status,
		BulkCapacity: cfg.Queue.BulkCapacity,
		Countdown:    c.countdown,
	})
	c.phases = newPhaseRunner(clk, c.machine, c.scheduler, subs, cfg.Control.SensorTimeout.Std())
	c.dispatcher = command.NewDispatcher(command.Deps{
		Clock:         clk,
		Machine:       c.machine,
		Arbiter:       c.arbiter,
		Telemetry:     c.scheduler,
		Camera:        subs.Camera,
		Vision:        subs.Vision,
		Health:        subs.Health,
		SensorTimeout: cfg.Control.SensorTimeout.Std(),
		Hooks: command.Hooks{
			OnPhaseStart: c.phases.Start,
			OnHeartbeat:  c.observeHeartbeat,
		},
	})
	return c, nil
}

// Run serves the ground link and runs the command, control, heartbeat and
// phase tasks until ctx is canceled or the shutdown countdown expires.
// A countdown expiry is a clean stop and returns nil.
func (c *Core) Run(ctx context.Context) error {
	observability.RegisterMetrics()

	ln, err := net.Listen("tcp", c.cfg.Link.Addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("ground link listening")

	g, ctx := errgroup.WithContext(ctx)
	c.phases.bind(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error { return c.runDispatch(ctx) })
	g.Go(func() error { return c.runControl(ctx) })
	g.Go(func() error { return c.runLiveFeed(ctx) })
	g.Go(func() error { return c.runHeartbeatTicker(ctx) })
	g.Go(func() error { return c.watchShutdown(ctx) })
	g.Go(func() error { return c.acceptLoop(ctx, ln) })

	err = g.Wait()
	c.releaseSubsystems()

	if errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled) {
		log.Info().Msg("core stopped")
		return nil
	}
	return err
}

// acceptLoop serves one ground contact at a time. The ground segment has a
// single station; a second connection waits for the first to drop.
func (c *Core) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("ground contact established")
		if err := c.runSession(ctx, conn); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("ground contact ended")
		}
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// runDispatch drains the command queue for the lifetime of the core, so
// queued commands survive a reconnect.
func (c *Core) runDispatch(ctx context.Context) error {
	for {
		msg, err := c.queue.Pop(ctx)
		if err != nil {
			return err
		}
		c.dispatcher.Dispatch(ctx, msg)
	}
}

// runHeartbeatTicker closes each heartbeat interval. Loss of the link
// freezes override arbitration at its last known mode.
func (c *Core) runHeartbeatTicker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-c.clk.After(c.cfg.Link.HeartbeatInterval.Std()):
			if c.monitor.Tick(now) == link.StatusLost {
				c.arbiter.SetFrozen(true)
			}
		}
	}
}

// observeHeartbeat records a received ping and runs the recovery actions
// on a Lost -> Up transition.
func (c *Core) observeHeartbeat(at time.Time) {
	wasLost := c.monitor.Status() == link.StatusLost
	c.monitor.Observe(at)
	if wasLost {
		c.arbiter.SetFrozen(false)
		c.scheduler.FlushBuffered()
	}
}

func (c *Core) watchShutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.shutdownCh:
	}
	// Give the transmit task a beat to flush the final status report.
	select {
	case <-c.clk.After(c.cfg.Link.WriteTimeout.Std()):
	case <-ctx.Done():
	}
	return ErrShutdown
}

// onCountdownExpired runs on the countdown goroutine: emit the final
// status report, collapse the mission to idle, then stop the core.
func (c *Core) onCountdownExpired() {
	report, err := c.dispatcher.StatusReport(context.Background())
	if err == nil {
		if payload, merr := protocol.MarshalPayload(report); merr == nil {
			c.scheduler.Enqueue(protocol.TypeStatus, payload)
		}
	} else {
		log.Error().Err(err).Msg("final status report failed")
	}
	if err := c.machine.Abort(context.Background()); err != nil {
		log.Error().Err(err).Msg("final abort failed")
	}
	c.phases.Stop()
	close(c.shutdownCh)
}

// resetLinkState starts a fresh ground contact from a clean slate: link
// state is per contact, so a reconnecting station is not punished for the
// misses of the previous one. These are the same actions a Lost -> Up
// heartbeat recovery performs.
func (c *Core) resetLinkState() {
	c.monitor.Reset(c.clk.Now())
	c.arbiter.SetFrozen(false)
	c.scheduler.FlushBuffered()
}

func (c *Core) setSession(s *link.Session) {
	c.sessMu.Lock()
	c.session = s
	c.sessMu.Unlock()
}

// ContactEstablishedAt reports when the current ground contact began;
// false while no station is connected.
func (c *Core) ContactEstablishedAt() (time.Time, bool) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.session == nil {
		return time.Time{}, false
	}
	return c.session.EstablishedAt(), true
}

// Read-only views for the diagnostic surface.

func (c *Core) Machine() *mission.Machine    { return c.machine }
func (c *Core) Monitor() *link.Monitor       { return c.monitor }
func (c *Core) Arbiter() *command.Arbiter    { return c.arbiter }
func (c *Core) CommandQueue() *command.Queue { return c.queue }

func (c *Core) releaseSubsystems() {
	if c.subs.Camera != nil {
		c.subs.Camera.Release()
	}
	if c.subs.Actuator != nil {
		c.subs.Actuator.Release()
	}
	log.Info().Msg("subsystems released")
}
