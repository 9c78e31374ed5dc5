// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"

	"github.com/absmach/retiarius/pkg/handler"
	"github.com/absmach/retiarius/pkg/ratelimit"
)

type countingHandler struct {
	opened, closed int
}

func (h *countingHandler) OnSessionOpen(ctx context.Context, hctx *handler.Context) error {
	h.opened++
	return nil
}

func (h *countingHandler) OnSessionClose(ctx context.Context, hctx *handler.Context, reason string, stats handler.Stats) error {
	h.closed++
	return nil
}

func TestRateLimitedHandler_ReleasesBucket(t *testing.T) {
	limiter := ratelimit.NewLimiter(0.001, 1, 0)
	defer limiter.Close()

	next := &countingHandler{}
	h := &RateLimitedHandler{handler: next, limiter: limiter}
	hctx := &handler.Context{RemoteAddr: "127.0.0.1:5000"}
	ctx := context.Background()

	if err := h.OnSessionOpen(ctx, hctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !limiter.Allow(hctx.RemoteAddr) {
		t.Fatal("Expected first datagram to be allowed")
	}
	if limiter.Allow(hctx.RemoteAddr) {
		t.Fatal("Expected burst to be exhausted")
	}
	limiter.Allow("127.0.0.1:5001")

	if err := h.OnSessionClose(ctx, hctx, "idle", handler.Stats{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n := limiter.Stats(); n != 1 {
		t.Errorf("Expected only the other client's bucket to remain, got %d", n)
	}
	if !limiter.Allow(hctx.RemoteAddr) {
		t.Error("Expected a returning client to start with a fresh bucket")
	}
	if next.opened != 1 || next.closed != 1 {
		t.Errorf("Expected calls to be delegated once each, got %d opens and %d closes", next.opened, next.closed)
	}
}
