// Package ratelimit provides fixed-window request accounting per connection.
// Windows are keyed by (connection, window start); a window rolls over when
// the current time passes its end, and stale windows are simply replaced
// rather than actively purged.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/metrics"
	"github.com/nimbusuite/hub/pkg/models"
)

// Info is the rate-limit metadata exposed on every gated call
type Info struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter tracks per-connection fixed windows. The zero quota (nil) passes
// unconditionally. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*models.RateLimitTracker

	// now is swappable for tests
	now func() time.Time
}

// NewLimiter creates an empty limiter
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*models.RateLimitTracker),
		now:     time.Now,
	}
}

// window returns the current tracker for the connection, rolling over when
// the existing window has passed. Caller holds l.mu.
func (l *Limiter) window(connectionID string, quota *models.RateLimitQuota) *models.RateLimitTracker {
	now := l.now().UTC()
	start := now.Truncate(quota.Period)

	tr, ok := l.windows[connectionID]
	if !ok || !tr.WindowStart.Equal(start) {
		tr = &models.RateLimitTracker{
			ConnectionID: connectionID,
			WindowStart:  start,
			WindowEnd:    start.Add(quota.Period),
		}
		l.windows[connectionID] = tr
	}
	return tr
}

// CheckAndReserve reserves n requests in the current window, or fails with a
// rate-limit error carrying the seconds until the window resets.
func (l *Limiter) CheckAndReserve(connectionID string, n int, quota *models.RateLimitQuota) error {
	if quota == nil || quota.Requests <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tr := l.window(connectionID, quota)
	if tr.Count+n > quota.Requests {
		retryAfter := tr.WindowEnd.Sub(l.now().UTC())
		if retryAfter < 0 {
			retryAfter = 0
		}
		metrics.RateLimitRejections.WithLabelValues(connectionID).Inc()
		return errors.NewRateLimit(
			fmt.Sprintf("rate limit exceeded for connection %s: %d/%d in window", connectionID, tr.Count, quota.Requests),
			retryAfter,
		).WithDetail("limit", quota.Requests).WithDetail("remaining", quota.Requests-tr.Count)
	}

	tr.Count += n
	return nil
}

// Record accounts n requests that executed without a prior reservation
func (l *Limiter) Record(connectionID string, n int, quota *models.RateLimitQuota) {
	if quota == nil || quota.Requests <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.window(connectionID, quota).Count += n
}

// Release returns reserved capacity when the call never executed
func (l *Limiter) Release(connectionID string, n int, quota *models.RateLimitQuota) {
	if quota == nil || quota.Requests <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tr := l.window(connectionID, quota)
	tr.Count -= n
	if tr.Count < 0 {
		tr.Count = 0
	}
}

// Info returns the current window state for a connection
func (l *Limiter) Info(connectionID string, quota *models.RateLimitQuota) Info {
	if quota == nil || quota.Requests <= 0 {
		return Info{Limit: -1, Remaining: -1}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tr := l.window(connectionID, quota)
	remaining := quota.Requests - tr.Count
	if remaining < 0 {
		remaining = 0
	}
	return Info{
		Limit:     quota.Requests,
		Remaining: remaining,
		ResetAt:   tr.WindowEnd,
	}
}
