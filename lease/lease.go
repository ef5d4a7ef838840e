// Package lease implements filesystem-based liveness signalling between the
// debugger and its debuggees. The attacher owns a lease file holding an
// 8-byte big-endian millisecond timestamp and touches it on an interval; a
// debuggee (or any child it spawns) checks the file's recency before doing
// debugger-dependent setup. A missing or truncated file simply means "not
// live" — checking is never an error.
package lease

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTouchInterval is how often the owner refreshes the lease.
	DefaultTouchInterval = 1000 * time.Millisecond

	// DefaultRecencyDeadline is how stale a lease may be and still count
	// as live. Twice the touch interval tolerates one missed touch.
	DefaultRecencyDeadline = 2000 * time.Millisecond

	timestampSize = 8
)

// Environment contract: the debuggee is told where the lease lives and
// which attach it belongs to so it and its children can condition
// debugger-dependent behavior on liveness.
const (
	EnvLeaseFile = "DBGMUX_LEASE_FILE"
	EnvAttachID  = "DBGMUX_ATTACH_ID"
)

// Lease is a live lease owned by one attach session. Touches run on a
// background ticker until Dispose.
type Lease struct {
	path     string
	attachID string
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Lease.
type Option func(*Lease)

// WithTouchInterval overrides the touch cadence.
func WithTouchInterval(d time.Duration) Option {
	return func(l *Lease) { l.interval = d }
}

// New creates a lease file at a randomized path under dir (the OS temp
// directory when dir is empty), touches it once, and starts the touch
// loop. The caller must Dispose it when the attach session ends.
func New(dir string, opts ...Option) (*Lease, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	attachID := uuid.NewString()
	l := &Lease{
		path:     filepath.Join(dir, "dbgmux-lease-"+attachID),
		attachID: attachID,
		interval: DefaultTouchInterval,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := Touch(l.path); err != nil {
		return nil, fmt.Errorf("create lease: %w", err)
	}
	go l.touchLoop()
	return l, nil
}

// Path returns the lease file location, the value exported to debuggees.
func (l *Lease) Path() string { return l.path }

// AttachID returns the correlation id minted for this attach session.
func (l *Lease) AttachID() string { return l.attachID }

// Environ returns the environment entries a debuggee needs to verify
// liveness, in "KEY=value" form ready for exec.Cmd.Env.
func (l *Lease) Environ() []string {
	return []string{
		EnvLeaseFile + "=" + l.path,
		EnvAttachID + "=" + l.attachID,
	}
}

// Dispose stops the touch loop and deletes the file, invalidating the
// lease for every checker. Idempotent.
func (l *Lease) Dispose() {
	l.stopOnce.Do(func() {
		close(l.stop)
		_ = os.Remove(l.path)
	})
}

func (l *Lease) touchLoop() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// A failed touch is indistinguishable from a slow one to
			// checkers; the next tick retries.
			_ = Touch(l.path)
		case <-l.stop:
			return
		}
	}
}

// Touch writes the current wall clock into the lease file.
func Touch(path string) error {
	var buf [timestampSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixMilli()))
	return os.WriteFile(path, buf[:], 0o644)
}

// IsValid reports whether the lease at path was touched within the default
// recency deadline.
func IsValid(path string) bool {
	return IsValidWithin(path, DefaultRecencyDeadline)
}

// IsValidWithin reports whether the lease at path was touched within the
// given deadline. Missing, unreadable, or truncated files are invalid,
// never an error.
func IsValidWithin(path string, deadline time.Duration) bool {
	b, err := os.ReadFile(path)
	if err != nil || len(b) < timestampSize {
		return false
	}
	touched := time.UnixMilli(int64(binary.BigEndian.Uint64(b)))
	return time.Since(touched) <= deadline
}
