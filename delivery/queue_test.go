package delivery

import (
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func TestImmediateValueFlushesAlone(t *testing.T) {
	t.Parallel()

	var calls [][]int
	q := New(func(batch []int) { calls = append(calls, batch) })

	q.Enqueue(1)
	if !reflect.DeepEqual(calls, [][]int{{1}}) {
		t.Fatalf("calls = %v, want [[1]]", calls)
	}
}

func TestOrderingIndependentOfResolution(t *testing.T) {
	t.Parallel()

	var got []int
	q := New(func(batch []int) { got = append(got, batch...) })

	const n = 20
	rs := make([]*Reservation[int], n)
	for i := range rs {
		rs[i] = q.EnqueueFuture()
	}
	for _, i := range rand.New(rand.NewSource(42)).Perm(n) {
		rs[i].Resolve(i)
	}

	for i := 0; i < n; i++ {
		if got[i] != i {
			t.Fatalf("position %d: got %d; full order %v", i, got[i], got)
		}
	}
}

func TestBatchingOfReadyRuns(t *testing.T) {
	t.Parallel()

	var calls [][]string
	q := New(func(batch []string) { calls = append(calls, batch) })

	a := q.EnqueueFuture()
	b := q.EnqueueFuture()
	c := q.EnqueueFuture()

	c.Resolve("c")
	b.Resolve("b")
	if len(calls) != 0 {
		t.Fatalf("flushed before head resolved: %v", calls)
	}
	a.Resolve("a")

	want := [][]string{{"a", "b", "c"}}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestDroppedItemsSkippedButOrdered(t *testing.T) {
	t.Parallel()

	var calls [][]int
	q := New(func(batch []int) { calls = append(calls, batch) })

	a := q.EnqueueFuture()
	b := q.EnqueueFuture()
	q.Enqueue(3)

	b.Drop()
	if len(calls) != 0 {
		t.Fatalf("dropped item flushed something: %v", calls)
	}
	a.Resolve(1)

	want := [][]int{{1, 3}}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestDroppedHeadUnblocksTail(t *testing.T) {
	t.Parallel()

	var calls [][]int
	q := New(func(batch []int) { calls = append(calls, batch) })

	a := q.EnqueueFuture()
	q.Enqueue(2)
	a.Drop()

	want := [][]int{{2}}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestDisposeDiscardsSilently(t *testing.T) {
	t.Parallel()

	var calls int
	q := New(func(batch []int) { calls++ })

	a := q.EnqueueFuture()
	q.Dispose()
	a.Resolve(1)
	q.Enqueue(2)

	if calls != 0 {
		t.Fatalf("sink fired %d times after dispose", calls)
	}
}

func TestDrainedNotification(t *testing.T) {
	t.Parallel()

	var drained int
	q := New(func([]int) {}, WithDrained[int](func() { drained++ }))

	a := q.EnqueueFuture()
	q.Enqueue(2)
	a.Resolve(1)
	if drained != 1 {
		t.Fatalf("drained = %d, want 1 after queue emptied", drained)
	}

	q.Enqueue(3)
	if drained != 2 {
		t.Fatalf("drained = %d, want 2", drained)
	}
}

// Mirrors the timing scenario: six items enqueued together, four resolving
// out of order within a short window. The sink-call concatenation must be
// exactly 1..6 with 1 flushed alone immediately.
func TestStaggeredResolutionScenario(t *testing.T) {
	t.Parallel()

	var calls [][]int
	done := make(chan struct{})
	q := New(func(batch []int) {
		calls = append(calls, batch)
	}, WithDrained[int](func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}))

	q.Enqueue(1)

	r2 := q.EnqueueFuture()
	r3 := q.EnqueueFuture()
	q.Enqueue(4)
	r5 := q.EnqueueFuture()
	r6 := q.EnqueueFuture()

	time.AfterFunc(2*time.Millisecond, func() { r3.Resolve(3) })
	time.AfterFunc(4*time.Millisecond, func() { r5.Resolve(5) })
	time.AfterFunc(6*time.Millisecond, func() { r2.Resolve(2) })
	time.AfterFunc(8*time.Millisecond, func() { r6.Resolve(6) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("queue never drained; calls so far: %v", calls)
	}

	if !reflect.DeepEqual(calls[0], []int{1}) {
		t.Fatalf("first call = %v, want [1] alone", calls[0])
	}
	var flat []int
	for _, c := range calls {
		flat = append(flat, c...)
	}
	if !reflect.DeepEqual(flat, []int{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("concatenated sink calls = %v, want [1 2 3 4 5 6]", flat)
	}
}
