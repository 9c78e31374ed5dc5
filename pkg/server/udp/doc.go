// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the retiarius UDP relay: a router that gives every
// client address its own backend socket and moves datagrams between them.
//
// # Architecture
//
//	┌─────────┐         ┌──────────────────────────┐         ┌─────────┐
//	│ Client  │ ←─UDP─→ │ client pump              │         │         │
//	└─────────┘         │      ↓ clientIn          │         │         │
//	                    │   Router ─→ backend pump ├──UDP──→ │ Backend │
//	                    │      ↑ backendIn  (1 per │ ←─UDP── │         │
//	                    │      └────────── session)│         │         │
//	                    └──────────────────────────┘         └─────────┘
//
// Every socket is owned by one pump (see package pump). The client pump owns
// the listening socket. Each session owns a backend pump whose socket is
// connected to the target server from an ephemeral local port, so the
// server sees one distinct source address per client.
//
// # Packet Flow
//
//	Upstream (client -> server):
//	  1. Client pump reads a datagram and publishes it to clientIn
//	  2. Router looks up the session by client IP:Port, creating it if needed
//	  3. Filter is applied (by default upstream only)
//	  4. Datagram is enqueued on the session's backend pump without blocking;
//	     a full queue drops the datagram
//
//	Downstream (server -> client):
//	  1. Backend pump reads a reply and stamps it with its session key
//	  2. Router looks up the session and sets the client as destination
//	  3. Datagram is enqueued on the client pump, blocking while it is full
//
// Order is preserved per session and per direction.
//
// # Session Lifecycle
//
//	Create:  first datagram from a new client address
//	Active:  every datagram in either direction refreshes LastActivity
//	Idle:    the sweep evicts sessions idle for longer than SessionTimeout
//	Dead:    a backend pump stopping on a fatal socket error removes its
//	         session; the next datagram from that client creates a new one
//	Close:   handler.OnSessionClose runs with the session's traffic stats
//
// # Graceful Shutdown
//
// When the context is cancelled the client pump stops, every session is
// closed with reason "shutdown", and Listen returns once all sockets are
// released. If closing takes longer than ShutdownTimeout, Listen returns
// ErrShutdownTimeout.
//
// # Example
//
//	drop, err := filter.NewDropChance(0.1)
//	if err != nil {
//		return err
//	}
//
//	cfg := udp.Config{
//		Address:        "127.0.0.1:8080",
//		TargetAddress:  "127.0.0.1:8081",
//		SessionTimeout: 2 * time.Minute,
//	}
//
//	server := udp.New(cfg, drop, nil)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
