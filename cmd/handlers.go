// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/absmach/retiarius/pkg/handler"
	"github.com/absmach/retiarius/pkg/ratelimit"
)

// RateLimitedHandler releases a client's rate limit bucket when its session
// closes, so a returning client starts with a full burst.
type RateLimitedHandler struct {
	handler handler.Handler
	limiter *ratelimit.Limiter
}

var _ handler.Handler = (*RateLimitedHandler)(nil)

// OnSessionOpen implements handler.Handler.
func (h *RateLimitedHandler) OnSessionOpen(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnSessionOpen(ctx, hctx)
}

// OnSessionClose implements handler.Handler.
func (h *RateLimitedHandler) OnSessionClose(ctx context.Context, hctx *handler.Context, reason string, stats handler.Stats) error {
	h.limiter.Remove(hctx.RemoteAddr)
	return h.handler.OnSessionClose(ctx, hctx, reason, stats)
}
