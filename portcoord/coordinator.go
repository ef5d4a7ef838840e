// Package portcoord coordinates ownership of debug ports between independent
// processes on one host. Registration is a file per port in a shared
// registry directory; waiting for a port that another process is still
// bringing up is a filesystem watch on that directory. Registrations are
// never revoked explicitly: entries belonging to dead processes are swept
// lazily.
package portcoord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultRangeStart and DefaultRangeEnd bound the coordinated port
	// range. Ports outside it are not subject to coordination.
	DefaultRangeStart = 53000
	DefaultRangeEnd   = 54000

	entryPrefix = "port-"

	// pollInterval backs up the fsnotify watch in case an event is lost.
	pollInterval = 250 * time.Millisecond
)

// ErrPortNotRegistered is returned in mandated mode for an in-range port
// that has no registration.
var ErrPortNotRegistered = errors.New("port not registered")

// Options configures a Coordinator.
type Options struct {
	// Dir is the shared registry directory. Defaults to a fixed path under
	// the OS temp directory so unrelated processes agree on it.
	Dir string

	// RangeStart and RangeEnd bound the coordinated range. Zero values take
	// the defaults.
	RangeStart int
	RangeEnd   int

	// Mandated puts the coordinator in strict mode: an in-range port that
	// is not registered is an error rather than something to wait for.
	// Used when the registry is authoritative (remote operation).
	Mandated bool

	Log *slog.Logger
}

// Coordinator mediates access to the coordinated port range. All state
// lives in the registry directory, so independent Coordinator instances in
// different processes observe each other.
type Coordinator struct {
	dir      string
	lo, hi   int
	mandated bool
	log      *slog.Logger
}

// New creates the registry directory if needed and sweeps entries left by
// dead processes.
func New(opts Options) (*Coordinator, error) {
	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "dbgmux-ports")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create port registry %s: %w", dir, err)
	}

	c := &Coordinator{
		dir:      dir,
		lo:       opts.RangeStart,
		hi:       opts.RangeEnd,
		mandated: opts.Mandated,
		log:      opts.Log,
	}
	if c.lo == 0 {
		c.lo = DefaultRangeStart
	}
	if c.hi == 0 {
		c.hi = DefaultRangeEnd
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	c.sweep()
	return c, nil
}

// InRange reports whether the port falls inside the coordinated range.
func (c *Coordinator) InRange(port int) bool {
	return port >= c.lo && port <= c.hi
}

// Register idempotently marks the port as owned by this process and ready
// for use. The entry is reclaimed by a later sweep once this process exits.
func (c *Coordinator) Register(port int) error {
	path := c.entryPath(port)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid), 0o644); err != nil {
		return fmt.Errorf("register port %d: %w", port, err)
	}
	c.log.Debug("port registered", slog.Int("port", port))
	return nil
}

// IsRegistered reports whether the port is ready. A registered port is true
// immediately. An unregistered port outside the coordinated range is false
// immediately: nothing coordinates it, so the caller proceeds
// optimistically. An unregistered in-range port waits for a future Register
// (from any process) until ctx is done — the caller supplies the timeout —
// unless the coordinator is mandated, in which case it is an error.
func (c *Coordinator) IsRegistered(ctx context.Context, port int) (bool, error) {
	if c.registered(port) {
		return true, nil
	}
	if !c.InRange(port) {
		return false, nil
	}
	if c.mandated {
		return false, fmt.Errorf("port %d: %w", port, ErrPortNotRegistered)
	}
	return c.wait(ctx, port)
}

func (c *Coordinator) wait(ctx context.Context, port int) (bool, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Watching is an optimization; fall back to polling alone.
		c.log.Debug("fsnotify unavailable, polling registry", slog.String("err", err.Error()))
		return c.poll(ctx, port)
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return c.poll(ctx, port)
	}

	// Check again after the watch is in place so a Register racing the
	// watcher setup is not missed.
	if c.registered(port) {
		return true, nil
	}

	want := c.entryPath(port)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-watcher.Events:
			if ev.Op&fsnotify.Create != 0 && ev.Name == want {
				return true, nil
			}
		case <-watcher.Errors:
			return c.poll(ctx, port)
		case <-ticker.C:
			if c.registered(port) {
				return true, nil
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (c *Coordinator) poll(ctx context.Context, port int) (bool, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.registered(port) {
				return true, nil
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (c *Coordinator) registered(port int) bool {
	_, err := os.Stat(c.entryPath(port))
	return err == nil
}

func (c *Coordinator) entryPath(port int) string {
	return filepath.Join(c.dir, entryPrefix+strconv.Itoa(port))
}

// sweep removes registry entries whose owning process is gone. Entries
// that cannot be attributed to a live pid are stale by definition.
func (c *Coordinator) sweep() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), entryPrefix) {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
		if err != nil || !pidAlive(pid) {
			if err := os.Remove(path); err == nil {
				c.log.Debug("swept stale port entry", slog.String("entry", e.Name()))
			}
		}
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
