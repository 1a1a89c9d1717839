package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

func TestAcquireUnconfiguredServicePassesThrough(t *testing.T) {
	l := New()
	assert.NoError(t, l.Acquire(context.Background(), "my-internal-tool"))
	assert.Equal(t, -1.0, l.Tokens("my-internal-tool"))
}

func TestRejectStrategyFailsWhenEmpty(t *testing.T) {
	l := New()
	l.Configure("svc", Config{MaxRequests: 2, Window: time.Minute, Strategy: StrategyReject})

	require.NoError(t, l.Acquire(context.Background(), "svc"))
	require.NoError(t, l.Acquire(context.Background(), "svc"))

	err := l.Acquire(context.Background(), "svc")
	require.Error(t, err)
	assert.Equal(t, flowerr.KindRateLimited, flowerr.KindOf(err))
}

func TestQueueStrategyWaitsForRefill(t *testing.T) {
	l := New()
	l.Configure("svc", Config{MaxRequests: 2, Window: 100 * time.Millisecond, Strategy: StrategyQueue})

	require.NoError(t, l.Acquire(context.Background(), "svc"))
	require.NoError(t, l.Acquire(context.Background(), "svc"))

	// Third acquire queues; a token refills after ~50ms (2 per 100ms).
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "svc"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestQueueFullRejects(t *testing.T) {
	l := New()
	l.Configure("svc", Config{
		MaxRequests:  1,
		Window:       time.Hour,
		Strategy:     StrategyQueue,
		MaxQueueSize: 1,
	})

	require.NoError(t, l.Acquire(context.Background(), "svc"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Occupies the single queue slot until cancelled.
		_ = l.Acquire(ctx, "svc")
	}()

	// Give the goroutine time to enqueue.
	time.Sleep(20 * time.Millisecond)

	err := l.Acquire(context.Background(), "svc")
	require.Error(t, err)
	assert.Equal(t, flowerr.KindRateLimited, flowerr.KindOf(err))
	assert.Contains(t, err.Error(), "queue full")

	cancel()
	wg.Wait()
}

func TestCancelledWaiterRejects(t *testing.T) {
	l := New()
	l.Configure("svc", Config{MaxRequests: 1, Window: time.Hour, Strategy: StrategyQueue})

	require.NoError(t, l.Acquire(context.Background(), "svc"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "svc")
	require.Error(t, err)
	assert.Equal(t, flowerr.KindTimeout, flowerr.KindOf(err))
}

func TestTokensNeverExceedMax(t *testing.T) {
	l := New()
	l.Configure("svc", Config{MaxRequests: 3, Window: 10 * time.Millisecond, Strategy: StrategyReject})

	require.NoError(t, l.Acquire(context.Background(), "svc"))
	time.Sleep(50 * time.Millisecond)

	// Refill is clamped to the bucket capacity.
	assert.LessOrEqual(t, l.Tokens("svc"), 3.0)

	granted := 0
	for i := 0; i < 10; i++ {
		if l.Acquire(context.Background(), "svc") == nil {
			granted++
		}
	}
	assert.LessOrEqual(t, granted, 3)
}

func TestUpdateFromHeadersClampsDownward(t *testing.T) {
	l := New()
	l.Configure("svc", Config{MaxRequests: 10, Window: time.Hour, Strategy: StrategyReject})

	require.NoError(t, l.Acquire(context.Background(), "svc"))
	assert.InDelta(t, 9.0, l.Tokens("svc"), 0.1)

	l.UpdateFromHeaders("svc", map[string]string{
		"X-RateLimit-Remaining": "2",
		"X-RateLimit-Reset":     "1700000000",
	})
	assert.InDelta(t, 2.0, l.Tokens("svc"), 0.1)

	// A higher server count never raises the local view.
	l.UpdateFromHeaders("svc", map[string]string{"X-RateLimit-Remaining": "500"})
	assert.InDelta(t, 2.0, l.Tokens("svc"), 0.1)
}

func TestKnownServiceDefaultsSeeded(t *testing.T) {
	l := New()
	// Acquiring against a seeded service consumes a token.
	require.NoError(t, l.Acquire(context.Background(), "notion"))
	assert.GreaterOrEqual(t, l.Tokens("notion"), 0.0)
}

func TestStopFailsQueuedWaiters(t *testing.T) {
	l := New()
	l.Configure("svc", Config{MaxRequests: 1, Window: time.Hour, Strategy: StrategyQueue})
	require.NoError(t, l.Acquire(context.Background(), "svc"))

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(context.Background(), "svc")
	}()
	time.Sleep(20 * time.Millisecond)

	l.Stop()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, flowerr.KindRateLimited, flowerr.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("queued waiter was not released by Stop")
	}
}
