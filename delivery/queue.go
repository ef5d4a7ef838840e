// Package delivery provides an ordered delivery queue: values (or futures
// that will produce values) are enqueued in submission order and handed to a
// sink in that same order, batching contiguous runs that are already
// resolved. It models asynchronously produced results whose consumption must
// match submission order.
package delivery

import "sync"

type state int

const (
	statePending state = iota
	stateResolved
	stateDropped
)

// Reservation is a queue slot handed out by EnqueueFuture. Exactly one of
// Resolve or Drop may be called, once; later calls are ignored.
type Reservation[T any] struct {
	q     *Queue[T]
	state state
	value T
}

// Resolve settles the slot with a value. If every slot ahead of it has
// already settled, the contiguous resolved run is flushed to the sink.
func (r *Reservation[T]) Resolve(v T) {
	r.q.settle(r, stateResolved, v)
}

// Drop rejects the slot. Dropped slots are skipped by the sink but still
// count toward ordering: a drop can unblock the run behind it.
func (r *Reservation[T]) Drop() {
	var zero T
	r.q.settle(r, stateDropped, zero)
}

// Queue delivers enqueued items to its sink in enqueue order regardless of
// the order their futures resolve. The sink receives maximal contiguous
// runs: when the head settles, everything settled behind it up to the next
// pending slot is delivered in a single call.
//
// The sink and drained callbacks run synchronously with the settling call
// and must not re-enter the queue.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []*Reservation[T]
	sink     func(batch []T)
	drained  func()
	disposed bool
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithDrained registers a callback fired each time the queue becomes empty
// after delivering items.
func WithDrained[T any](fn func()) Option[T] {
	return func(q *Queue[T]) { q.drained = fn }
}

// New constructs a queue delivering to sink.
func New[T any](sink func(batch []T), opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{sink: sink}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends an already-resolved value. If it sits at the head (or
// behind an already-settled run reaching the head) it is flushed
// immediately, alone or together with that run.
func (q *Queue[T]) Enqueue(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return
	}
	q.items = append(q.items, &Reservation[T]{q: q, state: stateResolved, value: v})
	q.flushLocked()
}

// EnqueueFuture appends a pending slot and returns its reservation. The
// queue will not deliver anything enqueued after it until it settles.
func (q *Queue[T]) EnqueueFuture() *Reservation[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := &Reservation[T]{q: q}
	if q.disposed {
		// Settling a reservation on a disposed queue is a no-op.
		r.state = stateDropped
		return r
	}
	q.items = append(q.items, r)
	return r
}

// Dispose silently discards all pending work. Reservations handed out
// earlier become inert.
func (q *Queue[T]) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.disposed = true
	q.items = nil
}

func (q *Queue[T]) settle(r *Reservation[T], s state, v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed || r.state != statePending {
		return
	}
	r.state = s
	r.value = v
	q.flushLocked()
}

// flushLocked delivers the maximal settled prefix. Caller holds q.mu; the
// sink runs under the lock so batches are observed in queue order.
func (q *Queue[T]) flushLocked() {
	n := 0
	for n < len(q.items) && q.items[n].state != statePending {
		n++
	}
	if n == 0 {
		return
	}

	batch := make([]T, 0, n)
	for _, it := range q.items[:n] {
		if it.state == stateResolved {
			batch = append(batch, it.value)
		}
	}
	q.items = q.items[n:]

	if len(batch) > 0 && q.sink != nil {
		q.sink(batch)
	}
	if len(q.items) == 0 && q.drained != nil {
		q.drained()
	}
}
