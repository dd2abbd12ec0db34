package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/orderflow/engine/internal/errs"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New[int](Config{Name: "test", FailureThreshold: 2, HalfOpenAfter: 50 * time.Millisecond})

	failing := func() (int, error) { return 0, errors.New("boom") }
	_, _ = b.Call(failing)
	_, _ = b.Call(failing)

	_, err := b.Call(func() (int, error) { return 1, nil })
	if !errs.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("expected circuit open after threshold failures, got %v", err)
	}
}

func TestClosesAfterHalfOpenSuccess(t *testing.T) {
	b := New[int](Config{Name: "test2", FailureThreshold: 1, HalfOpenAfter: 20 * time.Millisecond})

	_, _ = b.Call(func() (int, error) { return 0, errors.New("boom") })
	time.Sleep(30 * time.Millisecond)

	v, err := b.Call(func() (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if v != 42 {
		t.Fatalf("v = %d, want 42", v)
	}
}

func TestCallWithTimeoutCountsAsFailure(t *testing.T) {
	b := New[int](Config{Name: "test3", FailureThreshold: 1, HalfOpenAfter: time.Second})

	_, err := b.CallWithTimeout(10*time.Millisecond, func() (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 1, nil
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}

	_, err = b.Call(func() (int, error) { return 1, nil })
	if !errs.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("expected circuit to have opened from the timed-out call, got %v", err)
	}
}
