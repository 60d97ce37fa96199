// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles outbound commands per destination.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultCleanupInterval = 5 * time.Minute

// DestinationLimiter keeps one token bucket per destination cluster.
type DestinationLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing perSecond commands per destination with
// the given burst. Entries idle for two cleanup intervals are dropped.
func New(perSecond float64, burst int, cleanupInterval time.Duration) *DestinationLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	l := &DestinationLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *DestinationLimiter) get(dest string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[dest]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[dest] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Wait blocks until a command to dest may be sent or ctx is done.
func (l *DestinationLimiter) Wait(ctx context.Context, dest string) error {
	return l.get(dest).Wait(ctx)
}

// Allow reports whether a command to dest may be sent now.
func (l *DestinationLimiter) Allow(dest string) bool {
	return l.get(dest).Allow()
}

// Remove forgets the bucket of dest, e.g. when its subscription is removed.
func (l *DestinationLimiter) Remove(dest string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, dest)
}

// Len returns the number of tracked destinations.
func (l *DestinationLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *DestinationLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *DestinationLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for dest, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, dest)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *DestinationLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
