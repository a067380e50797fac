package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-sat/obc/internal/ground"
	"github.com/meridian-sat/obc/internal/logging"
	"github.com/meridian-sat/obc/internal/protocol"
)

var (
	flagAddr    string
	flagKeyHex  string
	flagTimeout time.Duration
)

func main() {
	logging.ConfigureRuntime()
	root := &cobra.Command{
		Use:           "groundctl",
		Short:         "Ground-station bench client for the payload computer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:7801", "payload computer address")
	root.PersistentFlags().StringVar(&flagKeyHex, "key-hex", os.Getenv("OBC_KEY_HEX"), "mission key (64 hex chars)")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "reply timeout")

	root.AddCommand(
		pingCmd(),
		statusCmd(),
		initCmd(),
		overrideCmd(),
		shutdownCmd(),
		phaseInfoCmd(),
		phaseCmdCmd(),
		imageCmd(),
		watchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "groundctl: %v\n", err)
		os.Exit(1)
	}
}

func dial(ctx context.Context) (*ground.Client, error) {
	key, err := hex.DecodeString(strings.TrimSpace(flagKeyHex))
	if err != nil || len(key) != protocol.KeySize {
		return nil, fmt.Errorf("key-hex must be %d hex-encoded bytes", protocol.KeySize)
	}
	return ground.Dial(ctx, flagAddr, key)
}

func withClient(fn func(ctx context.Context, c *ground.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, c)
	}
}

func printReply(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeResponse:
		var p protocol.ResponsePayload
		if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		if !p.OK {
			return fmt.Errorf("command rejected")
		}
		fmt.Println("ok")
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		return fmt.Errorf("satellite error %d: %s", p.Code, p.Detail)
	default:
		fmt.Printf("reply: %s (%d bytes)\n", msg.Type, len(msg.Payload))
	}
	return nil
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Send one heartbeat and wait for the acknowledgement",
		RunE: withClient(func(_ context.Context, c *ground.Client) error {
			start := time.Now()
			if err := c.Ping(flagTimeout); err != nil {
				return err
			}
			fmt.Printf("ack in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		}),
	}
}

func statusCmd() *cobra.Command {
	var sensors []string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Request a subsystem health report",
		RunE: withClient(func(_ context.Context, c *ground.Client) error {
			var payload []byte
			if len(sensors) > 0 {
				var err error
				payload, err = protocol.MarshalPayload(protocol.StatusRequest{Sensors: sensors})
				if err != nil {
					return err
				}
			}
			msg, err := c.Do(protocol.TypeStatus, payload, flagTimeout, protocol.TypeStatus)
			if err != nil {
				return err
			}
			if msg.Type == protocol.TypeError {
				return printReply(msg)
			}
			var report protocol.StatusReport
			if err := protocol.UnmarshalPayload(msg.Payload, &report); err != nil {
				return err
			}
			fmt.Printf("phase: %s\noverall: %s\n", report.Phase, report.Overall)
			for name, sub := range report.Subsystems {
				fmt.Printf("  %-14s %s", name, sub.Status)
				for k, v := range sub.Readings {
					fmt.Printf("  %s=%.2f", k, v)
				}
				fmt.Println()
			}
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&sensors, "sensor", nil, "restrict the report to named subsystems")
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <phase>",
		Short: "Enter the next mission phase (1-3)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("phase must be 1-3")
			}
			return withClient(func(_ context.Context, c *ground.Client) error {
				payload, err := protocol.MarshalPayload(protocol.InitPayload{Phase: uint8(phase)})
				if err != nil {
					return err
				}
				msg, err := c.Do(protocol.TypeInit, payload, flagTimeout, protocol.TypeResponse)
				if err != nil {
					return err
				}
				return printReply(msg)
			})(cmd, nil)
		},
	}
}

func overrideCmd() *cobra.Command {
	var live, manual bool
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Set the live-feed and manual-control override flags",
		RunE: withClient(func(_ context.Context, c *ground.Client) error {
			payload, err := protocol.MarshalPayload(protocol.OverridePayload{Live: live, Manual: manual})
			if err != nil {
				return err
			}
			msg, err := c.Do(protocol.TypeOverrideMode, payload, flagTimeout, protocol.TypeResponse)
			if err != nil {
				return err
			}
			return printReply(msg)
		}),
	}
	cmd.Flags().BoolVar(&live, "live", false, "enable the live camera feed")
	cmd.Flags().BoolVar(&manual, "manual", false, "take manual attitude control")
	return cmd
}

func shutdownCmd() *cobra.Command {
	var abort bool
	cmd := &cobra.Command{
		Use:   "shutdown [seconds]",
		Short: "Arm the shutdown countdown, or cancel it with --abort",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := protocol.ShutdownPayload{Abort: abort}
			if !abort {
				if len(args) != 1 {
					return fmt.Errorf("shutdown needs a delay in seconds (or --abort)")
				}
				seconds, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil || seconds == 0 {
					return fmt.Errorf("delay must be a positive number of seconds")
				}
				p.Seconds = uint32(seconds)
			}
			return withClient(func(_ context.Context, c *ground.Client) error {
				payload, err := protocol.MarshalPayload(p)
				if err != nil {
					return err
				}
				msg, err := c.Do(protocol.TypeShutdown, payload, flagTimeout, protocol.TypeResponse)
				if err != nil {
					return err
				}
				return printReply(msg)
			})(cmd, nil)
		},
	}
	cmd.Flags().BoolVar(&abort, "abort", false, "cancel the armed countdown (or abort the phase)")
	return cmd
}

func phaseInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phase-info",
		Short: "Request card position estimates (phase 2)",
		RunE: withClient(func(_ context.Context, c *ground.Client) error {
			msg, err := c.Do(protocol.TypePhaseInfo, nil, flagTimeout, protocol.TypePhaseInfo)
			if err != nil {
				return err
			}
			if msg.Type == protocol.TypeError {
				return printReply(msg)
			}
			var p protocol.PhaseInfoPayload
			if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
				return err
			}
			for digit, pos := range p.Positions {
				fmt.Printf("card %d at %.3f\n", digit, pos)
			}
			return nil
		}),
	}
}

func phaseCmdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phase-cmd <digit>...",
		Short: "Send the target digit sequence (phase 2)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := make([]uint8, 0, len(args))
			for _, arg := range args {
				d, err := strconv.ParseUint(arg, 10, 8)
				if err != nil || d > 9 {
					return fmt.Errorf("targets must be digits 0-9")
				}
				targets = append(targets, uint8(d))
			}
			return withClient(func(_ context.Context, c *ground.Client) error {
				payload, err := protocol.MarshalPayload(protocol.PhaseCommandPayload{Targets: targets})
				if err != nil {
					return err
				}
				msg, err := c.Do(protocol.TypePhaseCommand, payload, flagTimeout, protocol.TypeResponse)
				if err != nil {
					return err
				}
				return printReply(msg)
			})(cmd, nil)
		},
	}
}

func imageCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Capture one camera frame",
		RunE: withClient(func(_ context.Context, c *ground.Client) error {
			msg, err := c.Do(protocol.TypeImage, nil, flagTimeout, protocol.TypeImage)
			if err != nil {
				return err
			}
			if msg.Type == protocol.TypeError {
				return printReply(msg)
			}
			var p protocol.ImagePayload
			if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
				return err
			}
			if out == "" {
				fmt.Printf("frame: %d bytes\n", len(p.Frame))
				return nil
			}
			if err := os.WriteFile(out, p.Frame, 0o644); err != nil {
				return err
			}
			fmt.Printf("frame written to %s (%d bytes)\n", out, len(p.Frame))
			return nil
		}),
	}
	cmd.Flags().StringVar(&out, "out", "", "write the frame to a file")
	return cmd
}

func watchCmd() *cobra.Command {
	var heartbeat time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream downlink telemetry, keeping the link alive",
		RunE: withClient(func(ctx context.Context, c *ground.Client) error {
			go c.HeartbeatLoop(ctx, heartbeat)
			for {
				if ctx.Err() != nil {
					return nil
				}
				msg, err := c.Recv(heartbeat * 2)
				if err != nil {
					if err == ground.ErrTimeout {
						continue
					}
					return err
				}
				switch msg.Type {
				case protocol.TypePingAck:
					continue
				case protocol.TypeData:
					var p protocol.DataPayload
					if err := protocol.UnmarshalPayload(msg.Payload, &p); err != nil {
						return err
					}
					fmt.Printf("data %-14s seq=%d %d bytes\n", p.Tag, msg.Seq, len(p.Value))
				default:
					fmt.Printf("%-18s seq=%d %d bytes\n", msg.Type, msg.Seq, len(msg.Payload))
				}
			}
		}),
	}
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 2*time.Second, "heartbeat interval")
	return cmd
}
