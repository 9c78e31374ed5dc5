// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_Burst(t *testing.T) {
	l := NewLimiter(0.001, 3, 0)
	defer l.Close()

	for i := 0; i < 3; i++ {
		if !l.Allow("a") {
			t.Fatalf("Expected event %d to be allowed", i)
		}
	}
	if l.Allow("a") {
		t.Error("Expected burst to be exhausted")
	}

	// Other clients have their own bucket.
	if !l.Allow("b") {
		t.Error("Expected independent bucket for client b")
	}
}

func TestLimiter_MaxClients(t *testing.T) {
	l := NewLimiter(100, 10, 2)
	defer l.Close()

	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("Expected first two clients to be allowed")
	}
	if l.Allow("c") {
		t.Error("Expected third client to be rejected")
	}
	if l.Stats() != 2 {
		t.Errorf("Expected 2 tracked clients, got %d", l.Stats())
	}

	l.Remove("a")
	if !l.Allow("c") {
		t.Error("Expected client c to be allowed after removal")
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	l := NewLimiter(100, 10, 0)
	defer l.Close()

	l.Allow("a")
	l.cleanup(time.Now().Add(DefaultIdleTimeout + time.Second))

	if l.Stats() != 0 {
		t.Errorf("Expected idle bucket to be removed, got %d", l.Stats())
	}
}

func TestLimiter_CloseTwice(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	l.Close()
	l.Close()
}
