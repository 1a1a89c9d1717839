// Package reliability wraps outbound action calls with the policies that
// keep long-running workflows alive: circuit breaking, client-side rate
// limiting, input schema validation, per-attempt timeouts, and retries
// with exponential backoff.
package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/liliang-cn/markflow/pkg/breaker"
	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
	"github.com/liliang-cn/markflow/pkg/ratelimit"
)

// Policy controls retry behavior for a call.
type Policy struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// InitialDelay is the backoff before the first retry; the delay
	// doubles each retry up to MaxDelay, with jitter.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// RetryOn lists HTTP statuses that are retried even when the error
	// kind alone would not be.
	RetryOn []int
}

// DefaultPolicy returns the policy applied when a step specifies nothing.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:      30 * time.Second,
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		RetryOn:      []int{429, 500, 502, 503, 504},
	}
}

func (p Policy) retryOnStatus(status int) bool {
	for _, s := range p.RetryOn {
		if s == status {
			return true
		}
	}
	return false
}

// merge overlays non-zero fields of an override onto the policy.
func (p Policy) merge(o *Policy) Policy {
	if o == nil {
		return p
	}
	out := p
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if o.MaxRetries > 0 {
		out.MaxRetries = o.MaxRetries
	}
	if o.InitialDelay > 0 {
		out.InitialDelay = o.InitialDelay
	}
	if o.MaxDelay > 0 {
		out.MaxDelay = o.MaxDelay
	}
	if len(o.RetryOn) > 0 {
		out.RetryOn = o.RetryOn
	}
	return out
}

// CallResult carries an attempt's output plus any provider response
// headers, which feed rate-limit state back into the limiter.
type CallResult struct {
	Output  any
	Headers map[string]string
}

// CallFunc performs one attempt of the underlying call.
type CallFunc func(ctx context.Context) (*CallResult, error)

// Wrapper executes calls under the full reliability pipeline.
type Wrapper struct {
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	schemas  *SchemaRegistry
	policy   Policy
}

// New builds a wrapper around the given circuit registry and limiter.
// Nil arguments get sensible defaults.
func New(breakers *breaker.Registry, limiter *ratelimit.Limiter, schemas *SchemaRegistry, policy Policy) *Wrapper {
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig(), nil)
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	if policy.Timeout == 0 {
		policy = DefaultPolicy()
	}
	return &Wrapper{breakers: breakers, limiter: limiter, schemas: schemas, policy: policy}
}

// Schemas exposes the schema registry so action schemas can be registered
// at integration load time.
func (w *Wrapper) Schemas() *SchemaRegistry { return w.schemas }

// Breakers exposes the circuit registry for status reporting.
func (w *Wrapper) Breakers() *breaker.Registry { return w.breakers }

// Limiter exposes the rate limiter for per-service configuration.
func (w *Wrapper) Limiter() *ratelimit.Limiter { return w.limiter }

// Do runs fn for service.action under the reliability pipeline: the
// circuit must admit the call, inputs must pass the action's schema, each
// attempt acquires a rate-limit token and runs under the attempt timeout,
// and failures retry per policy. The override, when non-nil, adjusts the
// wrapper's base policy for this call only.
func (w *Wrapper) Do(ctx context.Context, service, action string, inputs map[string]any, override *Policy, fn CallFunc) (any, error) {
	policy := w.policy.merge(override)

	circuit := w.breakers.For(service)
	if err := circuit.Allow(); err != nil {
		return nil, err
	}

	if err := w.schemas.Validate(action, inputs); err != nil {
		return nil, err
	}

	operation := func() (any, error) {
		if err := w.limiter.Acquire(ctx, service); err != nil {
			return nil, backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		result, callErr := fn(attemptCtx)
		cancel()

		if result != nil && len(result.Headers) > 0 {
			w.limiter.UpdateFromHeaders(service, result.Headers)
		}

		if callErr == nil {
			circuit.RecordSuccess()
			if result == nil {
				return nil, nil
			}
			return result.Output, nil
		}

		ferr := flowerr.Normalize(callErr, service, action)
		if !shouldRetry(ferr, policy) {
			return nil, backoff.Permanent(ferr)
		}
		if ferr.RetryAfter > 0 {
			after := time.Duration(ferr.RetryAfter * float64(time.Second))
			return nil, errors.Join(ferr, &backoff.RetryAfterError{Duration: after})
		}
		return nil, ferr
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = policy.InitialDelay
	expBackoff.MaxInterval = policy.MaxDelay
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0.25
	expBackoff.Reset()

	output, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(policy.MaxRetries+1)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			log.Debug("retrying action", "service", service, "action", action, "delay", delay, "error", err)
		}),
	)
	if err != nil {
		// One circuit failure per terminally failed call. Attempts that
		// recover inside the retry budget leave the circuit untouched.
		circuit.RecordFailure()
		return nil, flowerr.Normalize(err, service, action)
	}
	return output, nil
}

// shouldRetry applies the retry policy: a listed HTTP status always
// retries; otherwise the error kind decides.
func shouldRetry(err *flowerr.Error, policy Policy) bool {
	if err.HTTPStatus != 0 {
		return policy.retryOnStatus(err.HTTPStatus)
	}
	return err.Retryable()
}
