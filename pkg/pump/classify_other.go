// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package pump

func isTransientErrno(error) bool {
	return false
}

func isRefused(error) bool {
	return false
}
