package launchcfg

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/dbgmux/dbgmux/mux"
)

func TestDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Replay.Cap != mux.DefaultReplayCap {
		t.Fatalf("replay cap = %d, want default %d", cfg.Replay.Cap, mux.DefaultReplayCap)
	}
	p := cfg.RestartPolicy()
	if p.Initial <= 0 || p.MaxAttempts <= 0 {
		t.Fatalf("restart policy not defaulted: %+v", p)
	}
}

func TestMissingFileIsFine(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err != nil {
		t.Fatalf("load with absent file: %v", err)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "launch.toml")
	body := `
[attach]
address = "ws://127.0.0.1:9229/abc"

[replay]
cap = 10
domains = ["Runtime", "Log"]

[restart]
initial_delay = "50ms"
max_delay = "1s"
factor = 3.0
max_attempts = 4

[ports]
range_start = 60000
range_end = 60100
mandated = true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Attach.Address != "ws://127.0.0.1:9229/abc" {
		t.Fatalf("address = %q", cfg.Attach.Address)
	}
	if cfg.Replay.Cap != 10 || !reflect.DeepEqual(cfg.Replay.Domains, []string{"Runtime", "Log"}) {
		t.Fatalf("replay = %+v", cfg.Replay)
	}

	p := cfg.RestartPolicy()
	if p.Initial != 50*time.Millisecond || p.Max != time.Second || p.Factor != 3.0 || p.MaxAttempts != 4 {
		t.Fatalf("policy = %+v", p)
	}

	po := cfg.PortOptions()
	if po.RangeStart != 60000 || po.RangeEnd != 60100 || !po.Mandated {
		t.Fatalf("port options = %+v", po)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	// Not parallel: mutates process environment.
	t.Setenv("DBGMUX_REPLAY_CAP", "7")
	t.Setenv("DBGMUX_RESTART_INITIAL_DELAY", "125ms")
	t.Setenv("DBGMUX_REPLAY_DOMAINS", "Console;Network")

	path := filepath.Join(t.TempDir(), "launch.toml")
	if err := os.WriteFile(path, []byte("[replay]\ncap = 10\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Replay.Cap != 7 {
		t.Fatalf("replay cap = %d, want env override 7", cfg.Replay.Cap)
	}
	if cfg.Restart.InitialDelay.Duration != 125*time.Millisecond {
		t.Fatalf("initial delay = %v, want 125ms", cfg.Restart.InitialDelay.Duration)
	}
	if !reflect.DeepEqual(cfg.Replay.Domains, []string{"Console", "Network"}) {
		t.Fatalf("domains = %v", cfg.Replay.Domains)
	}
}

func TestBadDurationRejected(t *testing.T) {
	t.Setenv("DBGMUX_RESTART_INITIAL_DELAY", "soon")

	if _, err := Load(""); err == nil {
		t.Fatal("invalid duration accepted")
	}
}
