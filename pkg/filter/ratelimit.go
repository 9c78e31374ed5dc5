// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"github.com/absmach/retiarius/pkg/datagram"
	"github.com/absmach/retiarius/pkg/ratelimit"
)

// RateLimit drops datagrams from clients that exceed their per-client rate.
type RateLimit struct {
	limiter *ratelimit.Limiter
}

var _ Filter = (*RateLimit)(nil)

// NewRateLimit creates a filter backed by l.
func NewRateLimit(l *ratelimit.Limiter) *RateLimit {
	return &RateLimit{limiter: l}
}

// Apply implements Filter. Datagrams are keyed by session, falling back to
// their origin address.
func (f *RateLimit) Apply(d datagram.Datagram) (datagram.Datagram, bool) {
	key := d.Session
	if key == "" && d.Origin != nil {
		key = d.Origin.String()
	}
	return d, f.limiter.Allow(key)
}
