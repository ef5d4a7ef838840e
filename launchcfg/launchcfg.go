// Package launchcfg loads attach/launch options from a TOML file with
// environment-variable overrides. Defaults are applied first, then the
// file, then the environment, so surrounding tooling can pin settings
// per-workspace and still override one knob ad hoc.
package launchcfg

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"

	"github.com/dbgmux/dbgmux/attach"
	"github.com/dbgmux/dbgmux/mux"
	"github.com/dbgmux/dbgmux/portcoord"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "250ms" or "2s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the full launch configuration.
type Config struct {
	Attach  AttachConfig  `toml:"attach"`
	Replay  ReplayConfig  `toml:"replay"`
	Ports   PortsConfig   `toml:"ports"`
	Restart RestartConfig `toml:"restart"`
}

// AttachConfig locates the debuggee.
type AttachConfig struct {
	// Address is the debugger endpoint URL (ws://host:port/...).
	Address string `toml:"address" env:"DBGMUX_ATTACH_ADDRESS"`
	// LeaseDir hosts the liveness lease file.
	LeaseDir string `toml:"lease_dir" env:"DBGMUX_LEASE_DIR"`
}

// ReplayConfig selects which event domains are buffered for late
// subscribers and how much. Which domains to track is deliberately an
// input, not a built-in list.
type ReplayConfig struct {
	Cap     int      `toml:"cap" env:"DBGMUX_REPLAY_CAP"`
	Domains []string `toml:"domains" env:"DBGMUX_REPLAY_DOMAINS"`
}

// PortsConfig shapes the port coordinator.
type PortsConfig struct {
	Dir        string `toml:"dir" env:"DBGMUX_PORT_DIR"`
	RangeStart int    `toml:"range_start" env:"DBGMUX_PORT_RANGE_START"`
	RangeEnd   int    `toml:"range_end" env:"DBGMUX_PORT_RANGE_END"`
	Mandated   bool   `toml:"mandated" env:"DBGMUX_PORTS_MANDATED"`
}

// RestartConfig shapes the reconnect backoff schedule.
type RestartConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	Factor       float64  `toml:"factor" env:"DBGMUX_RESTART_FACTOR"`
	MaxAttempts  int      `toml:"max_attempts" env:"DBGMUX_RESTART_MAX_ATTEMPTS"`

	// Duration strings come from the environment separately because TOML
	// and env use the same field otherwise.
	InitialDelayEnv string `toml:"-" env:"DBGMUX_RESTART_INITIAL_DELAY"`
	MaxDelayEnv     string `toml:"-" env:"DBGMUX_RESTART_MAX_DELAY"`
}

// Default returns the stock configuration.
func Default() *Config {
	stock := attach.DefaultRestartPolicy()
	return &Config{
		Replay: ReplayConfig{Cap: mux.DefaultReplayCap},
		Ports: PortsConfig{
			RangeStart: portcoord.DefaultRangeStart,
			RangeEnd:   portcoord.DefaultRangeEnd,
		},
		Restart: RestartConfig{
			InitialDelay: Duration{stock.Initial},
			MaxDelay:     Duration{stock.Max},
			Factor:       stock.Factor,
			MaxAttempts:  stock.MaxAttempts,
		},
	}
}

// Load reads path (skipped when empty or absent) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		switch _, err := os.Stat(path); {
		case err == nil:
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse launch config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read launch config %s: %w", path, err)
		}
	}

	// No env overrides set is not an error; defaults are provided in code.
	_ = envdecode.Decode(cfg)
	if err := cfg.applyEnvDurations(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvDurations() error {
	if s := c.Restart.InitialDelayEnv; s != "" {
		if err := c.Restart.InitialDelay.UnmarshalText([]byte(s)); err != nil {
			return fmt.Errorf("DBGMUX_RESTART_INITIAL_DELAY: %w", err)
		}
	}
	if s := c.Restart.MaxDelayEnv; s != "" {
		if err := c.Restart.MaxDelay.UnmarshalText([]byte(s)); err != nil {
			return fmt.Errorf("DBGMUX_RESTART_MAX_DELAY: %w", err)
		}
	}
	return nil
}

// RestartPolicy materializes the configured backoff schedule.
func (c *Config) RestartPolicy() *attach.RestartPolicy {
	return &attach.RestartPolicy{
		Initial:     c.Restart.InitialDelay.Duration,
		Max:         c.Restart.MaxDelay.Duration,
		Factor:      c.Restart.Factor,
		MaxAttempts: c.Restart.MaxAttempts,
	}
}

// MuxOptions materializes connection options for the replay settings.
func (c *Config) MuxOptions() []mux.Option {
	return []mux.Option{
		mux.WithReplayCap(c.Replay.Cap),
		mux.WithTrackedDomains(c.Replay.Domains...),
	}
}

// PortOptions materializes coordinator options.
func (c *Config) PortOptions() portcoord.Options {
	return portcoord.Options{
		Dir:        c.Ports.Dir,
		RangeStart: c.Ports.RangeStart,
		RangeEnd:   c.Ports.RangeEnd,
		Mandated:   c.Ports.Mandated,
	}
}
