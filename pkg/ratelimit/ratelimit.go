// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client rate limiting on top of golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTimeout is how long an unused client bucket is kept.
const DefaultIdleTimeout = 5 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per client key.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	limit       rate.Limit
	burst       int
	maxClients  int
	idleTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewLimiter creates a limiter allowing perSecond events per client with the
// given burst. maxClients bounds the number of tracked clients; 0 means 10000.
func NewLimiter(perSecond float64, burst, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}
	if burst <= 0 {
		burst = 1
	}

	l := &Limiter{
		buckets:     make(map[string]*bucket),
		limit:       rate.Limit(perSecond),
		burst:       burst,
		maxClients:  maxClients,
		idleTimeout: DefaultIdleTimeout,
		stop:        make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether one event from the given client may happen now.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN reports whether n events from the given client may happen now.
func (l *Limiter) AllowN(clientID string, n int) bool {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[clientID]
	if !ok {
		if len(l.buckets) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[clientID] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, n)
}

// Remove removes a client's bucket.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, clientID)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.cleanup(now)
		}
	}
}

// cleanup removes buckets that have not been used within idleTimeout.
func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTimeout {
			delete(l.buckets, key)
		}
	}
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}
