// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/absmach/retiarius/pkg/datagram"
	"github.com/absmach/retiarius/pkg/errors"
)

// DropChance drops each datagram independently with probability P.
type DropChance struct {
	p float64

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Filter = (*DropChance)(nil)

// NewDropChance creates a drop-chance filter. p must be within [0, 1].
func NewDropChance(p float64) (*DropChance, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return nil, errors.Wrap(errors.ErrInvalidConfig, fmt.Sprintf("drop probability %v outside [0,1]", p))
	}
	return &DropChance{p: p}, nil
}

// WithRand makes the filter draw from r instead of the global source.
func (f *DropChance) WithRand(r *rand.Rand) *DropChance {
	f.rng = r
	return f
}

// Apply draws r in [0,1) and drops the datagram when r < P.
func (f *DropChance) Apply(d datagram.Datagram) (datagram.Datagram, bool) {
	if f.roll() < f.p {
		return d, false
	}
	return d, true
}

func (f *DropChance) roll() float64 {
	if f.rng == nil {
		return rand.Float64()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64()
}
