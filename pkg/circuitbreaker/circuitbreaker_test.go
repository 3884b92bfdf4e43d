package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"peerlink/pkg/clock"
)

var errTestError = errors.New("test error")

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 3,
	}
}

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cb := NewWithClock(DefaultConfig(), clock.NewMock())

	err := cb.Execute(context.Background(), func() error { return nil })
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewWithClock(testConfig(), clock.NewMock())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errTestError })
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open, got: %v", cb.GetState())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if err == nil {
		t.Error("Expected rejection while open, got nil")
	}
	if called {
		t.Error("Function must not run while circuit is open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	clk := clock.NewMock()
	cb := NewWithClock(testConfig(), clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errTestError })
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open, got: %v", cb.GetState())
	}

	clk.Advance(time.Minute)

	// Two successes close the circuit again.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("Expected half-open request to pass, got: %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("Expected state Closed after recovery, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewMock()
	cb := NewWithClock(testConfig(), clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errTestError })
	}
	clk.Advance(time.Minute)

	_ = cb.Execute(ctx, func() error { return errTestError })
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open after half-open failure, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewWithClock(testConfig(), clock.NewMock())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errTestError })
	}
	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Fatalf("Expected state Closed after reset, got: %v", cb.GetState())
	}
}

func TestRegistry_PerKeyIsolation(t *testing.T) {
	clk := clock.NewMock()
	reg := NewRegistry(testConfig(), clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = reg.Get("peer-1").Execute(ctx, func() error { return errTestError })
	}

	if reg.Get("peer-1").GetState() != StateOpen {
		t.Fatal("Expected peer-1 breaker open")
	}
	if reg.Get("peer-2").GetState() != StateClosed {
		t.Fatal("Expected peer-2 breaker unaffected")
	}
}

func TestRegistry_GetReturnsSameBreaker(t *testing.T) {
	reg := NewRegistry(testConfig(), clock.NewMock())
	if reg.Get("peer-1") != reg.Get("peer-1") {
		t.Fatal("Expected stable breaker instance per key")
	}
}
