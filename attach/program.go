package attach

import (
	"sync"

	"github.com/dbgmux/dbgmux/mux"
)

// StopInfo describes why a program stopped.
type StopInfo struct {
	// Killed is true when the stop was requested locally via Stop.
	Killed bool
	// Err is the transport failure that ended the program, nil for a
	// clean or requested stop.
	Err error
}

// Program is a live handle to a debuggee. Stopped yields exactly one
// StopInfo when the program ends, however that happens.
type Program interface {
	Stopped() <-chan StopInfo
	// Stop requests termination. Idempotent, returns without waiting.
	Stop()
}

// stubProgram stands in for the debuggee while a reconnect is pending. It
// stops only when asked to: an external stop during the restart delay
// aborts the reconnect.
type stubProgram struct {
	once    sync.Once
	stopped chan StopInfo
}

func newStubProgram() *stubProgram {
	return &stubProgram{stopped: make(chan StopInfo, 1)}
}

func (p *stubProgram) Stopped() <-chan StopInfo { return p.stopped }

func (p *stubProgram) Stop() {
	p.once.Do(func() {
		p.stopped <- StopInfo{Killed: true}
	})
}

// watchdogProgram wraps a live attached connection and surfaces its death.
type watchdogProgram struct {
	conn    *mux.Connection
	once    sync.Once
	killed  bool
	mu      sync.Mutex
	stopped chan StopInfo
}

func newWatchdogProgram(conn *mux.Connection) *watchdogProgram {
	p := &watchdogProgram{conn: conn, stopped: make(chan StopInfo, 1)}
	go p.watch()
	return p
}

func (p *watchdogProgram) watch() {
	<-p.conn.Done()
	p.mu.Lock()
	killed := p.killed
	p.mu.Unlock()
	p.once.Do(func() {
		if killed {
			p.stopped <- StopInfo{Killed: true}
			return
		}
		p.stopped <- StopInfo{Err: p.conn.Err()}
	})
}

func (p *watchdogProgram) Stopped() <-chan StopInfo { return p.stopped }

func (p *watchdogProgram) Stop() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	_ = p.conn.Close()
}
