package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/paysync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, bucketTTL(0, 5))
	assert.Equal(t, 20*time.Second, bucketTTL(0.5, 5))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
}

func TestBuildResult(t *testing.T) {
	allowed := buildResult(true, 3.5, 1_700_000_000_000, 1, 5)
	assert.True(t, allowed.Allowed)
	assert.Equal(t, 3, allowed.Remaining)
	assert.Equal(t, 5, allowed.Limit)
	assert.Zero(t, allowed.RetryAfter)

	denied := buildResult(false, 0.25, 1_700_000_000_000, 0.5, 5)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 1500*time.Millisecond, denied.RetryAfter)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).Add(1500*time.Millisecond), denied.ResetTime)
}

func TestToInt(t *testing.T) {
	assert.Equal(t, int64(7), toInt(int64(7)))
	assert.Equal(t, int64(7), toInt(7))
	assert.Equal(t, int64(7), toInt(7.9))
	assert.Equal(t, int64(42), toInt("42"))
	assert.Equal(t, int64(0), toInt(nil))
}

func TestDisabledCheckoutLimiterAllows(t *testing.T) {
	limiter, err := NewCheckoutLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.False(t, limiter.Enabled())

	res, err := limiter.AllowUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckoutLimiterRejectsBadConfig(t *testing.T) {
	_, err := NewCheckoutLimiter(config.Config{}, &TokenBucket{})
	assert.Error(t, err)
}

func TestNilLocker(t *testing.T) {
	var locker *Locker
	assert.False(t, locker.Enabled())
	_, ok, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.NoError(t, locker.Release(context.Background(), "k", "t"))
}
