package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Unix(100, 0)
	rl := NewRateLimiter(nil)
	rl.now = func() time.Time { return now }
	rl.Configure(map[string]RateLimiterConfig{
		Key("orders", "post"): {RequestsPerSecond: 1, BurstSize: 2},
	})

	key := Key("orders", "POST")
	assert.True(t, rl.Allow(key))
	assert.True(t, rl.Allow(key))
	allowed, stats := rl.Take(key)
	assert.False(t, allowed)
	assert.Equal(t, 2, stats.BurstSize)
	assert.Equal(t, now.Add(2*time.Second), stats.ResetAt)

	now = now.Add(time.Second)
	assert.True(t, rl.Allow(key))
	assert.False(t, rl.Allow(key))

	assert.True(t, rl.Allow(Key("orders", "GET")), "unconfigured keys are unlimited")
}

func TestRateLimiterReconfigureKeepsTokens(t *testing.T) {
	now := time.Unix(100, 0)
	rl := NewRateLimiter(nil)
	rl.now = func() time.Time { return now }
	cfg := map[string]RateLimiterConfig{"k": {RequestsPerSecond: 1, BurstSize: 1}}
	rl.Configure(cfg)
	require.True(t, rl.Allow("k"))

	rl.Configure(cfg)
	assert.False(t, rl.Allow("k"))

	rl.Configure(nil)
	assert.True(t, rl.Allow("k"))
	assert.Empty(t, rl.Stats())
}

func TestTimeoutManager(t *testing.T) {
	tm := NewTimeoutManager(TimeoutConfig{RequestTimeout: time.Hour})

	ctx, cancel := tm.WithRequestTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	err := TimeoutError(ctx, ctx.Err())
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other := errors.New("boom")
	assert.Equal(t, other, TimeoutError(context.Background(), other))
	assert.NoError(t, TimeoutError(ctx, nil))

	ctx, cancel = NewTimeoutManager(TimeoutConfig{}).WithRequestTimeout(context.Background(), 0)
	defer cancel()
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
}
