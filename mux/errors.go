package mux

import (
	"errors"
	"fmt"

	"github.com/dbgmux/dbgmux/internal/wire"
)

var (
	// ErrConnectionClosed rejects calls made on (or in flight across) a
	// closed connection. Only the attach layer decides whether this is
	// retryable.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSessionClosed rejects calls outstanding on a session when it
	// detaches from its parent.
	ErrSessionClosed = errors.New("session closed")
)

// ProtocolError is the typed form of an error response envelope. It rejects
// only the call it answers; the connection stays healthy.
type ProtocolError struct {
	Method  string
	Code    wire.ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}
