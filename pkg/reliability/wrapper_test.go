package reliability

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/markflow/pkg/breaker"
	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/ratelimit"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		Timeout:      time.Second,
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		RetryOn:      []int{429, 500, 502, 503, 504},
	}
}

func TestDoRetriesUpToBudget(t *testing.T) {
	w := New(nil, nil, nil, fastPolicy(2))

	var calls atomic.Int32
	_, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, func(context.Context) (*CallResult, error) {
		calls.Add(1)
		return nil, flowerr.New(flowerr.KindNetworkError, "connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, flowerr.KindNetworkError, flowerr.KindOf(err))
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	w := New(nil, nil, nil, fastPolicy(3))

	var calls atomic.Int32
	_, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, func(context.Context) (*CallResult, error) {
		calls.Add(1)
		return nil, flowerr.New(flowerr.KindAuthenticationFailed, "bad token")
	})

	require.Error(t, err)
	assert.Equal(t, flowerr.KindAuthenticationFailed, flowerr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoRetryOnStatusList(t *testing.T) {
	w := New(nil, nil, nil, fastPolicy(1))

	var calls atomic.Int32
	_, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, func(context.Context) (*CallResult, error) {
		calls.Add(1)
		return nil, flowerr.FromHTTPStatus(503, "service unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())

	// A status outside the retry list stops immediately even though its
	// kind reads as a network error.
	calls.Store(0)
	_, err = w.Do(context.Background(), "svc", "svc.op", nil, nil, func(context.Context) (*CallResult, error) {
		calls.Add(1)
		return nil, flowerr.FromHTTPStatus(501, "not implemented")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	w := New(nil, nil, nil, fastPolicy(3))

	var calls atomic.Int32
	out, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, func(context.Context) (*CallResult, error) {
		if calls.Add(1) < 3 {
			return nil, flowerr.New(flowerr.KindTimeout, "slow upstream")
		}
		return &CallResult{Output: "ok"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoValidatesInputsBeforeCalling(t *testing.T) {
	schemas := NewSchemaRegistry()
	require.NoError(t, schemas.Register("svc.op", map[string]any{
		"type":     "object",
		"required": []any{"channel"},
		"properties": map[string]any{
			"channel": map[string]any{"type": "string"},
		},
	}))
	w := New(nil, nil, schemas, fastPolicy(3))

	var calls atomic.Int32
	fn := func(context.Context) (*CallResult, error) {
		calls.Add(1)
		return &CallResult{Output: "ok"}, nil
	}

	_, err := w.Do(context.Background(), "svc", "svc.op", map[string]any{"other": 1}, nil, fn)
	require.Error(t, err)
	assert.Equal(t, flowerr.KindInvalidConfig, flowerr.KindOf(err))
	assert.Equal(t, int32(0), calls.Load())

	out, err := w.Do(context.Background(), "svc", "svc.op", map[string]any{"channel": "#general"}, nil, fn)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestDoRespectsOpenCircuit(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2,
		FailureWindow:    time.Minute,
		ResetTimeout:     time.Hour,
		SuccessThreshold: 1,
	}, nil)
	w := New(breakers, nil, nil, fastPolicy(0))

	var calls atomic.Int32
	failing := func(context.Context) (*CallResult, error) {
		calls.Add(1)
		return nil, flowerr.New(flowerr.KindNetworkError, "down")
	}

	_, _ = w.Do(context.Background(), "svc", "svc.op", nil, nil, failing)
	_, _ = w.Do(context.Background(), "svc", "svc.op", nil, nil, failing)
	assert.Equal(t, int32(2), calls.Load())

	_, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, failing)
	require.Error(t, err)
	assert.Equal(t, flowerr.KindCircuitOpen, flowerr.KindOf(err))
	assert.Equal(t, int32(2), calls.Load(), "open circuit must reject without calling")

	// Other services keep their own circuits.
	out, err := w.Do(context.Background(), "other", "other.op", nil, nil, func(context.Context) (*CallResult, error) {
		return &CallResult{Output: "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestDoLeavesCircuitClosedWhenRetriesRecover(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2,
		FailureWindow:    time.Minute,
		ResetTimeout:     time.Hour,
		SuccessThreshold: 1,
	}, nil)
	w := New(breakers, nil, nil, fastPolicy(3))

	var calls atomic.Int32
	out, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, func(context.Context) (*CallResult, error) {
		if calls.Add(1) < 3 {
			return nil, flowerr.New(flowerr.KindTimeout, "slow upstream")
		}
		return &CallResult{Output: "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())

	// Two transient attempts exceed the failure threshold, but the call
	// recovered, so none of them count against the circuit.
	assert.Equal(t, breaker.StateClosed, breakers.For("svc").State())
	require.NoError(t, breakers.For("svc").Allow())
}

func TestDoTripsCircuitOnNonRetryableFailures(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     time.Hour,
		SuccessThreshold: 1,
	}, nil)
	w := New(breakers, nil, nil, fastPolicy(3))

	var calls atomic.Int32
	failing := func(context.Context) (*CallResult, error) {
		calls.Add(1)
		return nil, flowerr.New(flowerr.KindAuthenticationFailed, "bad token")
	}

	for i := 0; i < 3; i++ {
		_, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, failing)
		require.Error(t, err)
		assert.Equal(t, flowerr.KindAuthenticationFailed, flowerr.KindOf(err))
	}
	// Not retried, but each terminal failure still counts.
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, breaker.StateOpen, breakers.For("svc").State())

	_, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, failing)
	require.Error(t, err)
	assert.Equal(t, flowerr.KindCircuitOpen, flowerr.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoAppliesAttemptTimeout(t *testing.T) {
	policy := fastPolicy(1)
	policy.Timeout = 20 * time.Millisecond
	w := New(nil, nil, nil, policy)

	var calls atomic.Int32
	_, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, func(ctx context.Context) (*CallResult, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.Error(t, err)
	assert.Equal(t, flowerr.KindTimeout, flowerr.KindOf(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoFeedsHeadersToLimiter(t *testing.T) {
	limiter := ratelimit.New()
	limiter.Configure("svc", ratelimit.Config{MaxRequests: 100, Window: time.Minute})
	t.Cleanup(limiter.Stop)
	w := New(nil, limiter, nil, fastPolicy(0))

	_, err := w.Do(context.Background(), "svc", "svc.op", nil, nil, func(context.Context) (*CallResult, error) {
		return &CallResult{
			Output:  "ok",
			Headers: map[string]string{"X-RateLimit-Remaining": "2"},
		}, nil
	})
	require.NoError(t, err)
	assert.InDelta(t, 2, limiter.Tokens("svc"), 0.5)
}

func TestDoPerCallPolicyOverride(t *testing.T) {
	w := New(nil, nil, nil, fastPolicy(5))

	var calls atomic.Int32
	override := &Policy{MaxRetries: 1}
	_, err := w.Do(context.Background(), "svc", "svc.op", nil, override, func(context.Context) (*CallResult, error) {
		calls.Add(1)
		return nil, flowerr.New(flowerr.KindNetworkError, "down")
	})

	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
