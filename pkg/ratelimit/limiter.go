// Package ratelimit provides per-service token buckets with queue and
// reject acquisition strategies and header-driven synchronization with the
// server's own view of the limit.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
)

// Strategy selects what Acquire does when no token is available.
type Strategy string

const (
	// StrategyQueue parks the caller until a token is refilled.
	StrategyQueue Strategy = "queue"
	// StrategyReject fails the caller immediately.
	StrategyReject Strategy = "reject"
)

// Config describes one service's bucket.
type Config struct {
	// MaxRequests is the bucket capacity; tokens refill smoothly at
	// MaxRequests per Window.
	MaxRequests int
	// Window is the refill window.
	Window time.Duration
	// Strategy is the behavior on an empty bucket.
	Strategy Strategy
	// MaxQueueSize bounds the number of queued waiters. Zero means the
	// default of 100.
	MaxQueueSize int
}

const defaultMaxQueueSize = 100

func (c Config) maxQueue() int {
	if c.MaxQueueSize > 0 {
		return c.MaxQueueSize
	}
	return defaultMaxQueueSize
}

// waiter is a parked Acquire call.
type waiter struct {
	ready chan error
}

// bucket is the per-service token bucket.
type bucket struct {
	mu        sync.Mutex
	service   string
	config    Config
	available float64
	last      time.Time
	queue     []*waiter
	timer     *time.Timer
	destroyed bool
	now       func() time.Time
}

func newBucket(service string, config Config) *bucket {
	b := &bucket{
		service: service,
		config:  config,
		now:     time.Now,
	}
	b.available = float64(config.MaxRequests)
	b.last = b.now()
	return b
}

// ratePerNs is the refill rate in tokens per nanosecond.
func (b *bucket) ratePerNs() float64 {
	return float64(b.config.MaxRequests) / float64(b.config.Window.Nanoseconds())
}

// refillLocked advances the bucket to now. Callers hold the lock.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.available += float64(elapsed.Nanoseconds()) * b.ratePerNs()
	if max := float64(b.config.MaxRequests); b.available > max {
		b.available = max
	}
	b.last = now
}

func (b *bucket) acquire(ctx context.Context) error {
	b.mu.Lock()

	if b.destroyed {
		b.mu.Unlock()
		return flowerr.Newf(flowerr.KindRateLimited, "rate limiter for %s was destroyed", b.service)
	}

	b.refillLocked(b.now())
	if b.available >= 1 {
		b.available--
		b.mu.Unlock()
		return nil
	}

	if b.config.Strategy == StrategyReject {
		b.mu.Unlock()
		err := flowerr.Newf(flowerr.KindRateLimited, "rate limit exceeded for %s", b.service)
		err.Service = b.service
		return err
	}

	if len(b.queue) >= b.config.maxQueue() {
		b.mu.Unlock()
		err := flowerr.Newf(flowerr.KindRateLimited, "rate limit queue full for %s", b.service)
		err.Service = b.service
		return err
	}

	w := &waiter{ready: make(chan error, 1)}
	b.queue = append(b.queue, w)
	b.scheduleLocked()
	b.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		b.remove(w)
		return flowerr.Wrap(flowerr.KindTimeout, "rate limit wait cancelled for "+b.service, ctx.Err())
	}
}

// remove drops a cancelled waiter; if the waiter was granted a token in
// the meantime the token is returned to the bucket.
func (b *bucket) remove(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, queued := range b.queue {
		if queued == w {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}

	// Not queued anymore: drain already granted it.
	select {
	case err := <-w.ready:
		if err == nil {
			b.available++
		}
	default:
	}
}

// scheduleLocked arms the refill timer for the moment the next whole token
// becomes available. Callers hold the lock.
func (b *bucket) scheduleLocked() {
	if b.timer != nil || len(b.queue) == 0 || b.destroyed {
		return
	}
	need := 1 - b.available
	if need < 0 {
		need = 0
	}
	wait := time.Duration(need / b.ratePerNs())
	b.timer = time.AfterFunc(wait, b.drain)
}

// drain wakes queued waiters in FIFO order as tokens arrive.
func (b *bucket) drain() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.timer = nil
	if b.destroyed {
		return
	}
	b.refillLocked(b.now())

	for len(b.queue) > 0 && b.available >= 1 {
		w := b.queue[0]
		b.queue = b.queue[1:]
		b.available--
		w.ready <- nil
	}

	b.scheduleLocked()
}

// clamp lowers the available count to the server-reported remaining.
func (b *bucket) clamp(remaining float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	if remaining < 0 {
		remaining = 0
	}
	if remaining < b.available {
		b.available = remaining
	}
}

// destroy fails every queued waiter and disables the bucket.
func (b *bucket) destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.destroyed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for _, w := range b.queue {
		err := flowerr.Newf(flowerr.KindRateLimited, "rate limiter for %s was destroyed", b.service)
		err.Service = b.service
		w.ready <- err
	}
	b.queue = nil
}

// tokens reports the current available count, for tests and stats.
func (b *bucket) tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.available
}

// Limiter owns one bucket per service.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	configs map[string]Config
}

// New creates a limiter pre-seeded with defaults for well-known services.
func New() *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		configs: make(map[string]Config),
	}
	for service, config := range knownDefaults {
		l.configs[service] = config
	}
	return l
}

// Configure sets or replaces a service's bucket configuration. An existing
// bucket is destroyed; its queued waiters fail.
func (l *Limiter) Configure(service string, config Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.configs[service] = config
	if b, ok := l.buckets[service]; ok {
		b.destroy()
		delete(l.buckets, service)
	}
}

// Acquire takes one token for a service, honoring the configured strategy.
// Services without a configuration pass through immediately.
func (l *Limiter) Acquire(ctx context.Context, service string) error {
	b := l.bucketFor(service)
	if b == nil {
		return nil
	}
	return b.acquire(ctx)
}

// bucketFor returns the service's bucket, creating it lazily from the
// configured (or pre-seeded) config.
func (l *Limiter) bucketFor(service string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[service]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[service]; ok {
		return b
	}
	config, configured := l.configs[service]
	if !configured || config.MaxRequests <= 0 || config.Window <= 0 {
		return nil
	}
	b = newBucket(service, config)
	l.buckets[service] = b
	return b
}

// UpdateFromHeaders syncs a bucket with rate-limit response headers. A
// recognized remaining count clamps the bucket downward; unrecognized
// headers are ignored.
func (l *Limiter) UpdateFromHeaders(service string, headers map[string]string) {
	b := l.bucketFor(service)
	if b == nil || len(headers) == 0 {
		return
	}

	for key, value := range headers {
		switch strings.ToLower(key) {
		case "x-ratelimit-remaining", "x-rate-limit-remaining", "ratelimit-remaining":
			remaining, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				log.Debug("unparseable rate limit header", "service", service, "header", key, "value", value)
				continue
			}
			b.clamp(remaining)
		}
	}
}

// Tokens reports the available token count for a service, or -1 when the
// service has no bucket.
func (l *Limiter) Tokens(service string) float64 {
	b := l.bucketFor(service)
	if b == nil {
		return -1
	}
	return b.tokens()
}

// Stop destroys every bucket, failing all queued waiters.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for service, b := range l.buckets {
		b.destroy()
		delete(l.buckets, service)
	}
}
