// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package pump

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isTransientErrno reports errno values that leave the socket usable.
// ECONNREFUSED surfaces on a connected UDP socket after an ICMP port
// unreachable and clears on the next call.
func isTransientErrno(err error) bool {
	switch {
	case errors.Is(err, unix.EINTR):
		return true
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		return true
	case errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
		return true
	case errors.Is(err, unix.ECONNREFUSED):
		return true
	default:
		return false
	}
}

func isRefused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED)
}
