// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"github.com/absmach/retiarius/pkg/datagram"
)

// Filter decides whether a datagram is forwarded.
//
// Apply returns the datagram to forward and true, or false when the datagram
// must be dropped. Implementations must be safe for concurrent use.
type Filter interface {
	Apply(d datagram.Datagram) (datagram.Datagram, bool)
}

// Func adapts an ordinary function to the Filter interface.
type Func func(d datagram.Datagram) (datagram.Datagram, bool)

// Apply calls f(d).
func (f Func) Apply(d datagram.Datagram) (datagram.Datagram, bool) {
	return f(d)
}

// Pass forwards every datagram unchanged.
type Pass struct{}

var _ Filter = Pass{}

// Apply implements Filter.
func (Pass) Apply(d datagram.Datagram) (datagram.Datagram, bool) {
	return d, true
}

// Chain applies filters in order; the first drop wins.
type Chain []Filter

var _ Filter = Chain(nil)

// Apply implements Filter.
func (c Chain) Apply(d datagram.Datagram) (datagram.Datagram, bool) {
	for _, f := range c {
		var ok bool
		if d, ok = f.Apply(d); !ok {
			return d, false
		}
	}
	return d, true
}

// Compose returns a single filter for fs, skipping nil entries.
// With nothing left it returns Pass.
func Compose(fs ...Filter) Filter {
	var chain Chain
	for _, f := range fs {
		if f != nil {
			chain = append(chain, f)
		}
	}
	switch len(chain) {
	case 0:
		return Pass{}
	case 1:
		return chain[0]
	default:
		return chain
	}
}
