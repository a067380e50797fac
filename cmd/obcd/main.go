package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-sat/obc/internal/clock"
	"github.com/meridian-sat/obc/internal/config"
	"github.com/meridian-sat/obc/internal/diag"
	"github.com/meridian-sat/obc/internal/logging"
	"github.com/meridian-sat/obc/internal/sat"
	"github.com/meridian-sat/obc/internal/subsystem"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "obcd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the TOML config file")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if key := os.Getenv("OBC_KEY_HEX"); key != "" {
		cfg.Crypto.KeyHex = key
	}

	core, err := sat.New(cfg, clock.System{}, simulatedSubsystems())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Run(ctx) })
	if cfg.Diag.Enabled {
		server := diag.New(cfg.Diag.Addr, diag.Sources{
			Machine: core.Machine(),
			Monitor: core.Monitor(),
			Arbiter: core.Arbiter(),
			Queue:   core.CommandQueue(),
			Contact: core.ContactEstablishedAt,
		})
		g.Go(func() error { return server.Run(ctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// simulatedSubsystems stands in for the hardware drivers. Flight builds
// swap these for the real camera, IMU and reaction-wheel bindings.
func simulatedSubsystems() sat.Subsystems {
	return sat.Subsystems{
		Camera:     &subsystem.MockCamera{},
		IMU:        &subsystem.MockIMU{},
		Actuator:   &subsystem.MockActuator{},
		Vision:     &subsystem.MockVision{},
		Controller: &subsystem.MockController{},
		Health:     &subsystem.MockHealth{},
	}
}
