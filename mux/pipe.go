package mux

import (
	"context"
	"sync"
)

// Pipe returns two in-memory transports wired back to back. Frames sent on
// one side arrive at the other in order. Used by tests and by in-process
// peers that need a Connection without a socket.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	var once sync.Once
	closeBoth := func() { once.Do(func() { close(done) }) }
	return &pipeTransport{send: ab, recv: ba, done: done, close: closeBoth},
		&pipeTransport{send: ba, recv: ab, done: done, close: closeBoth}
}

type pipeTransport struct {
	send  chan []byte
	recv  chan []byte
	done  chan struct{}
	close func()
}

func (p *pipeTransport) Send(ctx context.Context, frame []byte) error {
	f := make([]byte, len(frame))
	copy(f, frame)
	select {
	case p.send <- f:
		return nil
	case <-p.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.recv:
		return f, nil
	case <-p.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.close()
	return nil
}
