// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("dial failed")

func fail() error { return errDial }
func succeed() error { return nil }

func TestCircuitBreaker_Opens(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Call(fail); !errors.Is(err, errDial) {
			t.Fatalf("Call %d: expected dial error, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("Expected open state, got %s", cb.State())
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Function must not be called while circuit is open")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2})

	cb.Call(fail)
	cb.Call(succeed)
	cb.Call(fail)

	if cb.State() != StateClosed {
		t.Errorf("Expected closed state after interleaved success, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	now := time.Now()
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Second, SuccessThreshold: 2})
	cb.now = func() time.Time { return now }

	cb.Call(fail)
	if cb.State() != StateOpen {
		t.Fatalf("Expected open state, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if err := cb.Call(succeed); err != nil {
		t.Fatalf("Expected trial call to pass, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected half-open state, got %s", cb.State())
	}

	cb.Call(succeed)
	if cb.State() != StateClosed {
		t.Errorf("Expected closed state after %d successes, got %s", 2, cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	now := time.Now()
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Second})
	cb.now = func() time.Time { return now }

	cb.Call(fail)
	now = now.Add(2 * time.Second)
	cb.Call(fail)

	if cb.State() != StateOpen {
		t.Errorf("Expected failure in half-open to reopen circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := New(Config{MaxFailures: 1})
	changes := make(chan State, 1)
	cb.OnStateChange(func(from, to State) {
		changes <- to
	})

	cb.Call(fail)

	select {
	case to := <-changes:
		if to != StateOpen {
			t.Errorf("Expected transition to open, got %s", to)
		}
	case <-time.After(time.Second):
		t.Error("Expected state change callback")
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateHalfOpen: "half_open",
		StateOpen:     "open",
		State(9):      "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
