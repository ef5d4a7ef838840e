package attach

import (
	"testing"
	"time"
)

func TestPolicyGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := &RestartPolicy{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond, Factor: 2, MaxAttempts: 5}

	want := []time.Duration{100, 200, 400, 400, 400}
	for i, w := range want {
		d, ok := p.Next()
		if !ok {
			t.Fatalf("attempt %d: policy gave up early", i+1)
		}
		if d != w*time.Millisecond {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, d, w*time.Millisecond)
		}
	}
	if _, ok := p.Next(); ok {
		t.Fatal("policy did not give up after MaxAttempts")
	}
}

func TestPolicyReset(t *testing.T) {
	t.Parallel()

	p := &RestartPolicy{Initial: 50 * time.Millisecond, Max: time.Second, Factor: 2, MaxAttempts: 2}

	if _, ok := p.Next(); !ok {
		t.Fatal("first attempt refused")
	}
	if _, ok := p.Next(); !ok {
		t.Fatal("second attempt refused")
	}
	if _, ok := p.Next(); ok {
		t.Fatal("third attempt allowed")
	}

	p.Reset()
	d, ok := p.Next()
	if !ok {
		t.Fatal("attempt refused after reset")
	}
	if d != 50*time.Millisecond {
		t.Fatalf("delay after reset = %v, want the initial delay", d)
	}
}

func TestUnboundedAttempts(t *testing.T) {
	t.Parallel()

	p := &RestartPolicy{Initial: time.Millisecond, Factor: 2}
	for i := 0; i < 100; i++ {
		if _, ok := p.Next(); !ok {
			t.Fatalf("unbounded policy gave up at attempt %d", i+1)
		}
	}
}
