package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
)

func fixedLimiter(at time.Time) (*Limiter, *time.Time) {
	l := NewLimiter()
	now := at
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckAndReserveEnforcesQuota(t *testing.T) {
	l, _ := fixedLimiter(time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC))
	quota := &models.RateLimitQuota{Requests: 5, Period: time.Minute}

	for i := 0; i < 5; i++ {
		require.NoError(t, l.CheckAndReserve("conn-1", 1, quota))
	}

	err := l.CheckAndReserve("conn-1", 1, quota)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))

	// Retry hint points at the window reset, bounded by the period
	retryAfter := errors.RetryAfter(err)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, quota.Period)
	assert.Equal(t, 30*time.Second, retryAfter)
}

func TestWindowRollover(t *testing.T) {
	l, now := fixedLimiter(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	quota := &models.RateLimitQuota{Requests: 2, Period: time.Minute}

	require.NoError(t, l.CheckAndReserve("conn-1", 2, quota))
	require.Error(t, l.CheckAndReserve("conn-1", 1, quota))

	// Next window starts fresh
	*now = now.Add(time.Minute)
	require.NoError(t, l.CheckAndReserve("conn-1", 1, quota))
}

func TestHourlyQuota(t *testing.T) {
	l, now := fixedLimiter(time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC))
	quota := &models.RateLimitQuota{Requests: 100, Period: time.Hour}

	require.NoError(t, l.CheckAndReserve("conn-1", 100, quota))

	err := l.CheckAndReserve("conn-1", 1, quota)
	require.Error(t, err)
	// Window started at 12:00, so the reset is 45 minutes out
	assert.Equal(t, 45*time.Minute, errors.RetryAfter(err))

	*now = now.Add(45 * time.Minute)
	require.NoError(t, l.CheckAndReserve("conn-1", 1, quota))
}

func TestConnectionsAreIsolated(t *testing.T) {
	l, _ := fixedLimiter(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	quota := &models.RateLimitQuota{Requests: 1, Period: time.Minute}

	require.NoError(t, l.CheckAndReserve("conn-1", 1, quota))
	require.Error(t, l.CheckAndReserve("conn-1", 1, quota))
	require.NoError(t, l.CheckAndReserve("conn-2", 1, quota))
}

func TestNilQuotaPasses(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.CheckAndReserve("conn-1", 1, nil))
	}
}

func TestReleaseReturnsCapacity(t *testing.T) {
	l, _ := fixedLimiter(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	quota := &models.RateLimitQuota{Requests: 1, Period: time.Minute}

	require.NoError(t, l.CheckAndReserve("conn-1", 1, quota))
	l.Release("conn-1", 1, quota)
	require.NoError(t, l.CheckAndReserve("conn-1", 1, quota))
}

func TestInfoReflectsWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, _ := fixedLimiter(start.Add(10 * time.Second))
	quota := &models.RateLimitQuota{Requests: 10, Period: time.Minute}

	require.NoError(t, l.CheckAndReserve("conn-1", 3, quota))
	l.Record("conn-1", 2, quota)

	info := l.Info("conn-1", quota)
	assert.Equal(t, 10, info.Limit)
	assert.Equal(t, 5, info.Remaining)
	assert.Equal(t, start.Add(time.Minute), info.ResetAt)

	unlimited := l.Info("conn-1", nil)
	assert.Equal(t, -1, unlimited.Limit)
}
