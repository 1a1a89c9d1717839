package markflow

import (
	"github.com/liliang-cn/markflow/pkg/breaker"
	"github.com/liliang-cn/markflow/pkg/config"
	"github.com/liliang-cn/markflow/pkg/engine"
	"github.com/liliang-cn/markflow/pkg/events"
	"github.com/liliang-cn/markflow/pkg/log"
	"github.com/liliang-cn/markflow/pkg/ratelimit"
	"github.com/liliang-cn/markflow/pkg/reliability"
	"github.com/liliang-cn/markflow/pkg/sdk"
	"github.com/liliang-cn/markflow/pkg/secret"
)

// runtime bundles the wired subsystems behind one workflow run.
type runtime struct {
	engine  *engine.Engine
	events  *events.Manager
	limiter *ratelimit.Limiter
}

// buildRuntime assembles the execution stack from configuration: secret
// resolution, circuit breakers, rate limits, the reliability wrapper, the
// tool registry with discovered integrations, and the event manager.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	secrets := secret.NewManager(cfg.Secrets.ManagerConfig())
	breakers := breaker.NewRegistry(cfg.CircuitBreaker.BreakerConfig(), func(service string, from, to breaker.State) {
		log.Warn("circuit state changed", "service", service, "from", from, "to", to)
	})
	limiter := ratelimit.New()
	for service, rl := range cfg.RateLimits {
		limiter.Configure(service, rl.LimiterConfig())
	}
	wrapper := reliability.New(breakers, limiter, reliability.NewSchemaRegistry(), cfg.Reliability.Policy())

	registry := sdk.NewRegistry(secrets, wrapper)
	if cfg.Integrations.Dir != "" {
		if err := registry.DiscoverIntegrations(cfg.Integrations.Dir); err != nil {
			return nil, err
		}
	}

	manager := events.NewManager()
	eng := engine.New(registry, manager, engine.Options{
		MaxWhileIterations: cfg.Engine.MaxWhileIterations,
		DefaultConcurrency: cfg.Engine.DefaultConcurrency,
	})
	return &runtime{engine: eng, events: manager, limiter: limiter}, nil
}

// shutdown releases the runtime's background resources.
func (r *runtime) shutdown() {
	r.events.StopAll()
	r.limiter.Stop()
	r.engine.Registry().Clear()
}
