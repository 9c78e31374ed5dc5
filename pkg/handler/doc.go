// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides session lifecycle hooks for the relay.
//
// The relay creates one session per client address. A Handler is told when
// a session opens and when it closes, together with the traffic it carried:
//
//	Client → Relay (new address) → OnSessionOpen
//	idle timeout / dead pump / shutdown → OnSessionClose(reason, stats)
//
// Handlers are notification-only: they cannot veto a session or modify
// datagrams. Use a filter for that.
package handler
