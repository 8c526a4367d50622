package services

import (
	"context"
	"math"
	"testing"
	"time"

	"food-dispatch/internal/config"
	"food-dispatch/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg *config.RateLimitConfig) (*miniredis.Miniredis, *RateLimiterService) {
	t.Helper()
	mr, client := newTestRedis(t)
	limiter := NewRateLimiterService(client, cfg, logger.NewNop())
	limiter.now = func() time.Time { return t0 }
	return mr, limiter
}

func TestRateLimiter_AllowsUpToLimitThenBans(t *testing.T) {
	mr, limiter := newTestLimiter(t, &config.RateLimitConfig{Enabled: true, DefaultRPM: 3, VIPRPM: 10, BanDuration: 30})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := limiter.CheckLimit(ctx, "user-1", false)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 3-i, res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}

	res, err := limiter.CheckLimit(ctx, "user-1", false)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 30, res.RetryAfter)
	assert.True(t, res.BannedUntil.Equal(t0.Add(30*time.Second)))
	assert.True(t, mr.Exists("rate_limit:ban:user-1"))

	// бан действует даже после сброса окна счетчика
	mr.Del("rate_limit:counter:user-1")
	res, err = limiter.CheckLimit(ctx, "user-1", false)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// другие ключи не затронуты
	res, err = limiter.CheckLimit(ctx, "user-2", false)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRateLimiter_VIPLimit(t *testing.T) {
	_, limiter := newTestLimiter(t, &config.RateLimitConfig{Enabled: true, DefaultRPM: 1, VIPRPM: 5, BanDuration: 30})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := limiter.CheckLimit(ctx, "admin", true)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 5, res.Limit)
	}
}

func TestRateLimiter_StatusAndReset(t *testing.T) {
	mr, limiter := newTestLimiter(t, &config.RateLimitConfig{Enabled: true, DefaultRPM: 2, VIPRPM: 10, BanDuration: 30})
	ctx := context.Background()

	_, err := limiter.CheckLimit(ctx, "user-1", false)
	require.NoError(t, err)

	status, err := limiter.GetStatus(ctx, "user-1", false)
	require.NoError(t, err)
	assert.True(t, status.Allowed)
	assert.Equal(t, 1, status.Remaining)
	assert.False(t, status.ResetAt.IsZero())

	// GetStatus не расходует лимит
	status, err = limiter.GetStatus(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Remaining)

	for i := 0; i < 2; i++ {
		_, err = limiter.CheckLimit(ctx, "user-1", false)
		require.NoError(t, err)
	}
	status, err = limiter.GetStatus(ctx, "user-1", false)
	require.NoError(t, err)
	assert.False(t, status.Allowed)

	require.NoError(t, limiter.ResetLimit(ctx, "user-1"))
	assert.False(t, mr.Exists("rate_limit:counter:user-1"))
	assert.False(t, mr.Exists("rate_limit:ban:user-1"))

	res, err := limiter.CheckLimit(ctx, "user-1", false)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRateLimiter_DisabledIsUnlimited(t *testing.T) {
	_, limiter := newTestLimiter(t, &config.RateLimitConfig{Enabled: false, DefaultRPM: 1})
	res, err := limiter.CheckLimit(context.Background(), "user-1", false)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, math.MaxInt, res.Remaining)

	noRedis := NewRateLimiterService(nil, &config.RateLimitConfig{Enabled: true, DefaultRPM: 1}, logger.NewNop())
	for i := 0; i < 3; i++ {
		res, err := noRedis.CheckLimit(context.Background(), "user-1", false)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestRateLimiter_FailsOpenWhenRedisIsDown(t *testing.T) {
	mr, limiter := newTestLimiter(t, &config.RateLimitConfig{Enabled: true, DefaultRPM: 1, BanDuration: 30})
	mr.Close()

	res, err := limiter.CheckLimit(context.Background(), "user-1", false)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
