// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"
)

// Context contains session metadata passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// LocalAddr is the ephemeral local address of the session's backend socket
	LocalAddr string

	// ServerAddr is the backend server address
	ServerAddr string

	// CreatedAt is when the session was created
	CreatedAt time.Time
}

// Stats holds per-session traffic counters.
type Stats struct {
	UpstreamDatagrams   uint64
	UpstreamBytes       uint64
	DownstreamDatagrams uint64
	DownstreamBytes     uint64
}

// Handler receives session lifecycle notifications from the relay.
//
// Both methods are called from relay goroutines; implementations must not
// block. Errors are logged but never affect forwarding.
type Handler interface {
	// OnSessionOpen is called after a session's backend socket is bound and
	// its pump is running, before the first datagram is forwarded.
	OnSessionOpen(ctx context.Context, hctx *Context) error

	// OnSessionClose is called after a session has been removed from the
	// session table and its backend socket released. reason is one of
	// "idle", "pump_dead" or "shutdown".
	OnSessionClose(ctx context.Context, hctx *Context, reason string, stats Stats) error
}

// NoopHandler is a Handler implementation that ignores all events.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnSessionOpen(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnSessionClose(ctx context.Context, hctx *Context, reason string, stats Stats) error {
	return nil
}
