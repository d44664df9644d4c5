package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding-window request limiter shared by every partition
// worker. A single instance is injected into the API client so the aggregate
// request rate, not just the per-worker rate, stays under the upstream quota.
type Limiter struct {
	mu         sync.Mutex
	limit      int
	window     time.Duration
	timestamps []time.Time
}

// New creates a limiter allowing at most limit acquisitions per window.
func New(limit int, window time.Duration) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{limit: limit, window: window}
}

// Wait blocks until a permit is available or ctx is cancelled. Permit
// acquisition is serialized through the limiter's lock, so concurrent callers
// cannot exceed the window budget between them.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.cleanup(now)
		if len(l.timestamps) < l.limit {
			l.timestamps = append(l.timestamps, now)
			l.mu.Unlock()
			return nil
		}
		// Oldest permit leaving the window frees the next slot.
		wakeAt := l.timestamps[0].Add(l.window)
		l.mu.Unlock()

		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow reports whether a permit is immediately available, consuming one if
// so. Used by tests and non-blocking probes.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.cleanup(now)
	if len(l.timestamps) >= l.limit {
		return false
	}
	l.timestamps = append(l.timestamps, now)
	return true
}

// cleanup drops timestamps older than the window. Callers hold l.mu.
func (l *Limiter) cleanup(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for ; i < len(l.timestamps); i++ {
		if l.timestamps[i].After(cutoff) {
			break
		}
	}
	l.timestamps = l.timestamps[i:]
}
