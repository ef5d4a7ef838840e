package portcoord

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newTestCoordinator(t *testing.T, mandated bool) *Coordinator {
	t.Helper()
	c, err := New(Options{Dir: t.TempDir(), Mandated: mandated})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, false)
	if err := c.Register(53100); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Register(53100); err != nil {
		t.Fatalf("second register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := c.IsRegistered(ctx, 53100)
	if err != nil || !ok {
		t.Fatalf("IsRegistered = %v, %v; want true, nil", ok, err)
	}
}

func TestOutOfRangePassthrough(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, false)

	// No timeout needed: out-of-range must not wait.
	ok, err := c.IsRegistered(context.Background(), 9229)
	if err != nil {
		t.Fatalf("IsRegistered: %v", err)
	}
	if ok {
		t.Fatal("unregistered out-of-range port reported registered")
	}
}

func TestInRangeWaitsForRegistration(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, false)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = c.Register(53500)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := c.IsRegistered(ctx, 53500)
	if err != nil || !ok {
		t.Fatalf("IsRegistered = %v, %v; want true after late register", ok, err)
	}
}

func TestWaitHonorsCallerTimeout(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.IsRegistered(ctx, 53501)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestMandatedModeErrors(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, true)

	_, err := c.IsRegistered(context.Background(), 53502)
	if !errors.Is(err, ErrPortNotRegistered) {
		t.Fatalf("err = %v, want ErrPortNotRegistered", err)
	}
}

func TestCrossInstanceVisibility(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}

	if err := a.Register(53600); err != nil {
		t.Fatalf("register: %v", err)
	}
	ok, err := b.IsRegistered(context.Background(), 53600)
	if err != nil || !ok {
		t.Fatalf("second instance IsRegistered = %v, %v; want true, nil", ok, err)
	}
}

func TestSweepRemovesDeadOwners(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Fake an entry owned by a pid that cannot be alive.
	stale := filepath.Join(dir, entryPrefix+"53700")
	if err := os.WriteFile(stale, []byte(strconv.Itoa(1<<30)), 0o644); err != nil {
		t.Fatalf("write stale entry: %v", err)
	}

	c, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if c.registered(53700) {
		t.Fatal("stale entry survived sweep")
	}
}
