package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestInvoker_OpenBreakerSkipsLimiterAndUpstream(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	limiter := NewLimiter(1, 1)
	inv := NewInvoker(limiter, cb, 0)

	assert.ErrorIs(t, inv.Do(context.Background(), fail), errUpstream)

	calls := 0
	err := inv.Do(context.Background(), func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
	assert.InDelta(t, 0, limiter.Tokens(), 0.01, "rejected call must not consume a token")
}

func TestInvoker_QueuesUnderRateLimit(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)
	inv := NewInvoker(NewLimiter(20, 1), cb, 0)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, inv.Do(context.Background(), succeed))
	}
	// Burst 1 at 20/s: the 2nd and 3rd calls each wait ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestInvoker_RateLimitWaitHonoursContext(t *testing.T) {
	inv := NewInvoker(rate.NewLimiter(rate.Every(time.Hour), 1), nil, 0)
	require.NoError(t, inv.Do(context.Background(), succeed))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, inv.Do(ctx, succeed))
}

func TestInvoker_CallTimeout(t *testing.T) {
	inv := NewInvoker(nil, nil, 10*time.Millisecond)

	err := inv.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvoke_ReturnsValue(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)
	inv := NewInvoker(NewLimiter(0, 1), cb, 0)

	v, err := Invoke(context.Background(), inv, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
