// Package attach runs the debugging link's lifecycle: establish a
// multiplexed connection to the debuggee, keep a liveness lease fresh for
// it, and decide after every transport failure whether to retry (per the
// restart policy) or give up. Transport failures never escape to protocol
// callers; this package is the only place that acts on them.
package attach

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dbgmux/dbgmux/internal/logctx"
	"github.com/dbgmux/dbgmux/lease"
	"github.com/dbgmux/dbgmux/mux"
)

// State is the attach machine's current phase.
type State int

const (
	StateConnecting State = iota
	StateAttached
	StateRestarting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	case StateRestarting:
		return "restarting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted is the terminal failure after the restart policy
// gives up.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// Dialer establishes one transport to the debuggee. Called once per
// connect attempt.
type Dialer func(ctx context.Context) (mux.Transport, error)

// Options configures an Attacher.
type Options struct {
	// Policy is the restart schedule. Nil takes the default.
	Policy *RestartPolicy

	// LeaseDir hosts the liveness lease file. Empty means the OS temp dir.
	LeaseDir string

	// ConnOptions are applied to every connection the attacher makes.
	ConnOptions []mux.Option

	// OnAttached is invoked with each successfully connected instance,
	// before the machine starts watching it. The owner wires sessions,
	// proxies, and breakpoints here.
	OnAttached func(conn *mux.Connection)

	// OnStateChange observes transitions, synchronously and in order.
	OnStateChange func(State)

	Log *slog.Logger
}

// Attacher drives Connecting → Attached → (Restarting → Connecting)* →
// Terminated for one debuggee.
type Attacher struct {
	dial   Dialer
	policy *RestartPolicy
	opts   Options
	log    *slog.Logger

	mu      sync.Mutex
	state   State
	stopped bool
	program Program
	lease   *lease.Lease
}

// New builds an attacher; Run starts it.
func New(dial Dialer, opts Options) *Attacher {
	a := &Attacher{
		dial:   dial,
		policy: opts.Policy,
		opts:   opts,
		log:    opts.Log,
		state:  StateConnecting,
	}
	if a.policy == nil {
		a.policy = DefaultRestartPolicy()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a
}

// State returns the machine's current phase.
func (a *Attacher) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Program returns the current debuggee handle: watchdog-backed while
// attached, a stub placeholder while a reconnect is pending, nil before
// the first connect and after termination.
func (a *Attacher) Program() Program {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.program
}

// Lease returns the liveness lease for this attach session, nil until Run
// has started.
func (a *Attacher) Lease() *lease.Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lease
}

// Stop requests termination of the current program. While attached this
// closes the connection; while restarting it aborts the pending reconnect;
// while a connect attempt is in flight the request is remembered and acted
// on before the machine can reach Attached. Run then returns nil.
func (a *Attacher) Stop() {
	a.mu.Lock()
	a.stopped = true
	p := a.program
	a.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

func (a *Attacher) stopRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Run drives the machine until termination. It returns nil when the
// program was stopped deliberately (Stop or ctx), ErrRetriesExhausted when
// the policy gave up, or the error of a failed lease setup.
//
// The lease is created once for the whole attach session — reconnects do
// not recreate it — and removed when Run returns.
func (a *Attacher) Run(ctx context.Context) error {
	ls, err := lease.New(a.opts.LeaseDir)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.lease = ls
	a.mu.Unlock()
	defer ls.Dispose()

	for {
		a.setState(StateConnecting)
		conn, err := a.connect(ctx)
		if a.stopRequested() {
			// Stop raced the dial. The program handle was nil (or a stale
			// stub) at that point, so act on the request here.
			if err == nil {
				_ = conn.Close()
			}
			a.terminate()
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				a.setState(StateTerminated)
				return nil
			}
			if done, runErr := a.awaitRestart(ctx, err); done {
				return runErr
			}
			continue
		}

		// Every successful (re)connect starts the backoff over.
		a.policy.Reset()

		prog := newWatchdogProgram(conn)
		a.setProgram(prog)
		if a.opts.OnAttached != nil {
			a.opts.OnAttached(conn)
		}
		a.setState(StateAttached)

		var info StopInfo
		select {
		case info = <-prog.Stopped():
		case <-ctx.Done():
			prog.Stop()
			info = <-prog.Stopped()
		}

		if info.Killed || ctx.Err() != nil {
			a.terminate()
			return nil
		}
		if done, runErr := a.awaitRestart(ctx, info.Err); done {
			return runErr
		}
	}
}

func (a *Attacher) connect(ctx context.Context) (*mux.Connection, error) {
	transport, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	return mux.NewConnection(transport, a.opts.ConnOptions...), nil
}

// awaitRestart consults the policy after a transport failure. It installs
// a stub program whose stop future races the restart delay: the delay
// winning proceeds to the next attempt, an external stop goes straight to
// termination. Returns done=true when Run should return.
func (a *Attacher) awaitRestart(ctx context.Context, cause error) (done bool, runErr error) {
	delay, ok := a.policy.Next()
	if !ok {
		a.log.ErrorContext(a.logContext(ctx), "connection lost and retries exhausted", "err", cause)
		a.terminate()
		return true, ErrRetriesExhausted
	}

	// The one user-visible notice this layer produces.
	a.log.WarnContext(a.logContext(ctx), "lost connection, reconnecting",
		slog.Duration("delay", delay), "err", cause)

	stub := newStubProgram()
	a.setProgram(stub)
	a.setState(StateRestarting)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false, nil
	case <-stub.Stopped():
		a.terminate()
		return true, nil
	case <-ctx.Done():
		a.terminate()
		return true, nil
	}
}

// logContext carries the attach session's identity and phase so a
// logctx-aware handler can group them onto the record.
func (a *Attacher) logContext(ctx context.Context) context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	var id string
	if a.lease != nil {
		id = a.lease.AttachID()
	}
	return logctx.WithAttachData(ctx, &logctx.AttachData{
		AttachID: id,
		State:    a.state.String(),
	})
}

func (a *Attacher) terminate() {
	a.mu.Lock()
	a.program = nil
	a.mu.Unlock()
	a.setState(StateTerminated)
}

func (a *Attacher) setProgram(p Program) {
	a.mu.Lock()
	a.program = p
	stopped := a.stopped
	a.mu.Unlock()
	// A Stop issued while no live program was installed lands on the next
	// one, so the request cannot slip through a reconnect.
	if stopped {
		p.Stop()
	}
}

func (a *Attacher) setState(s State) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()
	a.log.Debug("attach state changed", "state", s.String())
	if a.opts.OnStateChange != nil {
		a.opts.OnStateChange(s)
	}
}
