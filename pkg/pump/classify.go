// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pump

import (
	"errors"
	"net"
)

// errKind classifies socket errors.
type errKind int

const (
	kindTransient errKind = iota
	kindFatal
)

func (k errKind) String() string {
	if k == kindTransient {
		return "transient"
	}
	return "fatal"
}

// classify decides whether a socket error can be retried by the owning loop.
// A closed socket is always fatal.
func classify(err error) errKind {
	if errors.Is(err, net.ErrClosed) {
		return kindFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return kindTransient
	}
	if isTransientErrno(err) {
		return kindTransient
	}
	return kindFatal
}

// IsRefused reports whether err means the peer of a connected socket is not
// listening (ICMP port unreachable).
func IsRefused(err error) bool {
	return isRefused(err)
}
