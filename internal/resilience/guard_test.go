package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func fail(context.Context) error { return errTest }
func ok(context.Context) error { return nil }

func TestNewGuard_Defaults(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "test"})
	if g.timeout != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", g.timeout)
	}
	if g.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", g.maxFailures)
	}
	if g.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", g.resetTimeout)
	}
	if g.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", g.halfOpenMax)
	}
	if g.State() != StateClosed {
		t.Errorf("initial state = %v", g.State())
	}
}

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Do(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if g.State() != StateOpen {
		t.Fatalf("state = %v, want open", g.State())
	}

	called := false
	err := g.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestGuard_SuccessResetsFailureCount(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "test", MaxFailures: 2})
	ctx := context.Background()
	_ = g.Do(ctx, fail)
	_ = g.Do(ctx, ok)
	_ = g.Do(ctx, fail)
	if g.State() != StateClosed {
		t.Errorf("state = %v, want closed", g.State())
	}
}

func TestGuard_HalfOpenRecovery(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2})
	now := time.Now()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	_ = g.Do(ctx, fail)
	if g.State() != StateOpen {
		t.Fatalf("state = %v, want open", g.State())
	}

	now = now.Add(2 * time.Minute)
	if g.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", g.State())
	}
	for i := 0; i < 2; i++ {
		if err := g.Do(ctx, ok); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if g.State() != StateClosed {
		t.Errorf("state = %v, want closed after probes", g.State())
	}
}

func TestGuard_HalfOpenFailureReopens(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Minute})
	now := time.Now()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	_ = g.Do(ctx, fail)
	now = now.Add(2 * time.Minute)
	_ = g.Do(ctx, fail)
	if g.State() != StateOpen {
		t.Errorf("state = %v, want open", g.State())
	}
}

func TestCall_TimeoutWithUncooperativeCallee(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "slow", Timeout: 50 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Call(context.Background(), g, func(context.Context) (string, error) {
		<-release // ignores ctx
		return "late", nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Call took %v", elapsed)
	}
}

func TestCall_ReturnsValue(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "fast"})
	v, err := Call(context.Background(), g, func(context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("Call = %d, %v", v, err)
	}
}

func TestCall_CallerCancellationIsNotAFailure(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "test", MaxFailures: 1, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Do(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if g.State() != StateClosed {
		t.Errorf("state = %v, want closed", g.State())
	}
}

func TestCall_NilGuard(t *testing.T) {
	var g *Guard
	v, err := Call(context.Background(), g, func(context.Context) (string, error) { return "x", nil })
	if err != nil || v != "x" {
		t.Errorf("Call = %q, %v", v, err)
	}
}
