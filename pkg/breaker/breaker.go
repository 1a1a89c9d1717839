// Package breaker implements per-service circuit breakers. A circuit
// tracks recent failures inside a sliding window and short-circuits calls
// while a service is considered unhealthy.
package breaker

import (
	"sync"
	"time"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds circuit breaker thresholds.
type Config struct {
	// FailureThreshold is the number of failures inside FailureWindow that
	// opens the circuit.
	FailureThreshold int
	// FailureWindow is the sliding window for counting failures.
	FailureWindow time.Duration
	// ResetTimeout is how long an open circuit stays open before the first
	// half-open probe is allowed.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit.
	SuccessThreshold int
}

// DefaultConfig returns the default circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// StateChangeFunc is invoked on every state transition.
type StateChangeFunc func(service string, from, to State)

// Circuit is the per-service failure tracker.
type Circuit struct {
	mu        sync.Mutex
	service   string
	config    Config
	state     State
	failures  []time.Time
	successes int
	openedAt  time.Time
	onChange  StateChangeFunc
	now       func() time.Time
}

// newCircuit creates a closed circuit for a service.
func newCircuit(service string, config Config, onChange StateChangeFunc) *Circuit {
	return &Circuit{
		service:  service,
		config:   config,
		state:    StateClosed,
		onChange: onChange,
		now:      time.Now,
	}
}

// Allow reports whether a request may proceed. An open circuit whose reset
// timeout has not elapsed fails with CIRCUIT_OPEN carrying the remaining
// seconds; once the timeout elapses the circuit transitions to half_open
// and allows a probe.
func (c *Circuit) Allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return nil
	}

	elapsed := c.now().Sub(c.openedAt)
	if elapsed >= c.config.ResetTimeout {
		c.transition(StateHalfOpen)
		return nil
	}

	remaining := (c.config.ResetTimeout - elapsed).Seconds()
	err := flowerr.Newf(flowerr.KindCircuitOpen, "service %s is circuit-broken", c.service)
	err.Service = c.service
	err.RetryAfter = remaining
	return err
}

// RecordSuccess records a successful call.
func (c *Circuit) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateHalfOpen:
		c.successes++
		if c.successes >= c.config.SuccessThreshold {
			c.transition(StateClosed)
		}
	case StateClosed:
		// Sub-threshold failures are forgiven over time by the window; a
		// success does not clear them.
	case StateOpen:
		// A stray success while open (in-flight call that started before
		// the trip) is ignored.
	}
}

// RecordFailure records a failed call.
func (c *Circuit) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	switch c.state {
	case StateHalfOpen:
		c.openedAt = now
		c.transition(StateOpen)
	case StateClosed:
		c.failures = append(c.failures, now)
		c.prune(now)
		if len(c.failures) >= c.config.FailureThreshold {
			c.openedAt = now
			c.transition(StateOpen)
		}
	case StateOpen:
		// Already open, nothing to count.
	}
}

// State returns the current state without side effects.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// prune drops failure timestamps older than the window. Callers hold the
// lock.
func (c *Circuit) prune(now time.Time) {
	cutoff := now.Add(-c.config.FailureWindow)
	kept := c.failures[:0]
	for _, ts := range c.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.failures = kept
}

// transition moves to a new state and fires the callback. Callers hold the
// lock.
func (c *Circuit) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to

	switch to {
	case StateOpen:
		c.successes = 0
	case StateClosed:
		c.failures = nil
		c.successes = 0
	case StateHalfOpen:
		c.successes = 0
	}

	log.Debug("circuit state change", "service", c.service, "from", string(from), "to", string(to))
	if c.onChange != nil {
		c.onChange(c.service, from, to)
	}
}

// Registry owns one circuit per service.
type Registry struct {
	mu       sync.Mutex
	circuits map[string]*Circuit
	config   Config
	onChange StateChangeFunc
}

// NewRegistry creates a circuit registry with a shared configuration.
func NewRegistry(config Config, onChange StateChangeFunc) *Registry {
	return &Registry{
		circuits: make(map[string]*Circuit),
		config:   config,
		onChange: onChange,
	}
}

// For returns the circuit for a service, creating it on first use.
func (r *Registry) For(service string) *Circuit {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[service]
	if !ok {
		c = newCircuit(service, r.config, r.onChange)
		r.circuits[service] = c
	}
	return c
}

// Reset drops every circuit. Tests use this to start from a clean slate.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits = make(map[string]*Circuit)
}

// States returns a snapshot of every known circuit's state.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.circuits))
	for service, c := range r.circuits {
		out[service] = c.State()
	}
	return out
}
