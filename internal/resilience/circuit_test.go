package resilience_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/resilience"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(minRequests int, ratio float64, openFor time.Duration) (*resilience.Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	b := resilience.NewBreaker(minRequests, ratio, openFor)
	b.Now = clock.Now
	return b, clock
}

func TestBreakerTransitions(t *testing.T) {
	breaker, clock := newBreaker(2, 0.5, time.Minute)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State(), "below the minimum sample size")
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.Equal(t, resilience.Open, breaker.State())
	require.False(t, breaker.Allow(ctx))
	require.Equal(t, time.Minute, breaker.RetryAfter())

	clock.Advance(59 * time.Second)
	require.False(t, breaker.Allow(ctx))
	require.Equal(t, time.Second, breaker.RetryAfter())

	clock.Advance(time.Second)
	require.True(t, breaker.Allow(ctx))
	require.Equal(t, "half_open", breaker.StateName())
	breaker.Report(ctx, true)
	require.Equal(t, resilience.Closed, breaker.State())
	require.Zero(t, breaker.RetryAfter())
}

func TestBreakerHalfOpenAdmitsOneProbe(t *testing.T) {
	breaker, clock := newBreaker(1, 0.5, time.Second)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	clock.Advance(time.Second)

	require.True(t, breaker.Allow(ctx), "first caller probes")
	require.False(t, breaker.Allow(ctx), "second caller waits for the probe")

	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State(), "failed probe reopens")
	require.False(t, breaker.Allow(ctx))

	clock.Advance(time.Second)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, true)
	require.True(t, breaker.Allow(ctx))
	require.True(t, breaker.Allow(ctx))
}

func TestBreakerRatioDecays(t *testing.T) {
	breaker, _ := newBreaker(4, 0.5, time.Minute)
	ctx := context.Background()

	for range 12 {
		breaker.Report(ctx, true)
	}
	breaker.Report(ctx, false)
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State(), "old successes still outweigh two failures")

	for range 6 {
		breaker.Report(ctx, false)
	}
	require.Equal(t, resilience.Open, breaker.State())
}

func TestNilBreakerAllowsEverything(t *testing.T) {
	var breaker *resilience.Breaker
	require.True(t, breaker.Allow(context.Background()))
	breaker.Report(context.Background(), false)
	require.Equal(t, "disabled", breaker.StateName())
	require.Zero(t, breaker.RetryAfter())
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, base*4, resilience.Backoff(base, 3, 0))
	require.Equal(t, base, resilience.Backoff(base, 0, 0))

	d := resilience.Backoff(base, 2, 0.2)
	require.GreaterOrEqual(t, d, base*2-base*2/5)
	require.LessOrEqual(t, d, base*2+base*2/5)
}
