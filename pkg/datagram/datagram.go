// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package datagram defines the unit of traffic moved through the relay.
package datagram

import (
	"net"
	"strings"
)

// DefaultMTU is the default maximum payload size read from a socket.
const DefaultMTU = 1500

// Direction indicates the direction of datagram flow.
type Direction int

const (
	// Upstream represents datagrams flowing from a client to the backend server.
	Upstream Direction = iota

	// Downstream represents datagrams flowing from the backend server to a client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Directions is a set of directions a filter is applied to.
type Directions uint8

const (
	// UpstreamOnly applies to client -> server traffic.
	UpstreamOnly Directions = 1 << Upstream
	// DownstreamOnly applies to server -> client traffic.
	DownstreamOnly Directions = 1 << Downstream
	// Both applies to traffic in either direction.
	Both = UpstreamOnly | DownstreamOnly
)

// Has reports whether d is part of the set.
func (ds Directions) Has(d Direction) bool {
	return ds&(1<<d) != 0
}

// String returns the configuration name of the set.
func (ds Directions) String() string {
	switch ds {
	case UpstreamOnly:
		return "upstream"
	case DownstreamOnly:
		return "downstream"
	case Both:
		return "both"
	default:
		return "none"
	}
}

// ParseDirections parses "upstream", "downstream" or "both".
func ParseDirections(s string) (Directions, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "upstream":
		return UpstreamOnly, true
	case "downstream":
		return DownstreamOnly, true
	case "both":
		return Both, true
	default:
		return 0, false
	}
}

// Datagram is one UDP payload plus routing metadata.
//
// A datagram produced by a receive loop carries Origin and no Destination.
// The router sets Destination before handing it to a send loop.
type Datagram struct {
	// Payload is the raw UDP payload. It is never modified after receipt.
	Payload []byte

	// Origin is the address the payload was received from.
	Origin *net.UDPAddr

	// Destination is the address the payload must be sent to.
	Destination *net.UDPAddr

	// Session is the key of the session whose backend pump received the
	// datagram. Empty for datagrams received on the client-facing socket.
	Session string
}

// Len returns the payload length.
func (d Datagram) Len() int {
	return len(d.Payload)
}

// Resolved reports whether the datagram has a destination.
func (d Datagram) Resolved() bool {
	return d.Destination != nil
}

// To returns a copy of d addressed to dst.
func (d Datagram) To(dst *net.UDPAddr) Datagram {
	d.Destination = dst
	return d
}
