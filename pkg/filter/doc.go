// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filter provides pluggable predicates that may drop a datagram
// before the relay forwards it.
//
// The relay consults its filter once per datagram, on the directions it is
// configured for (client to server only by default). A relay without a
// configured filter behaves as if Pass were installed.
//
//	f, err := filter.NewDropChance(0.25)
//	if err != nil {
//		return err
//	}
//	if d, ok := f.Apply(d); ok {
//		forward(d)
//	}
package filter
