package mux

import "context"

// Transport is a bidirectional channel of opaque text frames. The
// Connection injects one at construction; it never interprets frames
// itself beyond the envelope shape.
//
// Receive blocks until a frame arrives, the transport fails, or ctx is
// done. Implementations must allow Send and Receive from different
// goroutines; the Connection serializes its own Sends.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
