package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a TOML-friendly time.Duration ("5s", "200ms").
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type LinkConfig struct {
	Addr                string   `toml:"addr"`
	HeartbeatInterval   Duration `toml:"heartbeat_interval"`
	DegradedAfterMisses int      `toml:"degraded_after_misses"`
	LostAfterMisses     int      `toml:"lost_after_misses"`
	WriteTimeout        Duration `toml:"write_timeout"`
}

type CryptoConfig struct {
	KeyHex string `toml:"key_hex"`
}

type ControlConfig struct {
	CycleInterval Duration `toml:"cycle_interval"`
	SensorTimeout Duration `toml:"sensor_timeout"`
}

type QueueConfig struct {
	CommandCapacity int `toml:"command_capacity"`
	BulkCapacity    int `toml:"bulk_capacity"`
}

type DiagConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type Config struct {
	Link    LinkConfig    `toml:"link"`
	Crypto  CryptoConfig  `toml:"crypto"`
	Control ControlConfig `toml:"control"`
	Queue   QueueConfig   `toml:"queue"`
	Diag    DiagConfig    `toml:"diag"`
}

func Default() Config {
	return Config{
		Link: LinkConfig{
			Addr:                ":7801",
			HeartbeatInterval:   Duration(5 * time.Second),
			DegradedAfterMisses: 3,
			LostAfterMisses:     6,
			WriteTimeout:        Duration(10 * time.Second),
		},
		Control: ControlConfig{
			CycleInterval: Duration(200 * time.Millisecond),
			SensorTimeout: Duration(time.Second),
		},
		Queue: QueueConfig{
			CommandCapacity: 32,
			BulkCapacity:    64,
		},
		Diag: DiagConfig{
			Enabled: false,
			Addr:    ":9102",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Link.Addr) == "" {
		return fmt.Errorf("link config missing addr")
	}
	if cfg.Link.HeartbeatInterval.Std() <= 0 {
		return fmt.Errorf("link config heartbeat_interval must be positive")
	}
	if cfg.Link.DegradedAfterMisses <= 0 {
		return fmt.Errorf("link config degraded_after_misses must be positive")
	}
	if cfg.Link.LostAfterMisses <= cfg.Link.DegradedAfterMisses {
		return fmt.Errorf("link config lost_after_misses must exceed degraded_after_misses")
	}
	if _, err := cfg.MissionKey(); err != nil {
		return err
	}
	if cfg.Control.CycleInterval.Std() <= 0 {
		return fmt.Errorf("control config cycle_interval must be positive")
	}
	if cfg.Control.SensorTimeout.Std() <= 0 {
		return fmt.Errorf("control config sensor_timeout must be positive")
	}
	if cfg.Queue.CommandCapacity <= 0 || cfg.Queue.BulkCapacity <= 0 {
		return fmt.Errorf("queue config capacities must be positive")
	}
	if cfg.Diag.Enabled && strings.TrimSpace(cfg.Diag.Addr) == "" {
		return fmt.Errorf("diag config missing addr")
	}
	return nil
}

// MissionKey decodes the pre-shared 32-byte key from its hex form.
func (c Config) MissionKey() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.Crypto.KeyHex))
	if err != nil {
		return nil, fmt.Errorf("crypto config key_hex invalid: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto config key_hex must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
