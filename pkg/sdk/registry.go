package sdk

import (
	"context"
	"strings"
	"sync"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
	"github.com/liliang-cn/markflow/pkg/reliability"
	"github.com/liliang-cn/markflow/pkg/secret"
)

// Instance is a registered tool whose client is built on first use and
// cached until the registry clears.
type Instance struct {
	Name   string
	Config Config

	mu     sync.Mutex
	client Client
}

// Registry owns every tool instance and dispatches actions to them.
type Registry struct {
	mu           sync.RWMutex
	instances    map[string]*Instance
	initializers map[string]*Initializer

	secrets *secret.Manager
	wrapper *reliability.Wrapper
}

// NewRegistry builds a registry. The built-in core and script tools are
// always present. Nil collaborators get defaults.
func NewRegistry(secrets *secret.Manager, wrapper *reliability.Wrapper) *Registry {
	if secrets == nil {
		secrets = secret.NewManager(secret.ManagerConfig{})
	}
	if wrapper == nil {
		wrapper = reliability.New(nil, nil, nil, reliability.DefaultPolicy())
	}
	r := &Registry{
		instances:    make(map[string]*Instance),
		initializers: make(map[string]*Initializer),
		secrets:      secrets,
		wrapper:      wrapper,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.instances["core"] = &Instance{Name: "core", Config: Config{SDK: "core"}, client: newCoreClient()}
	r.instances["script"] = &Instance{Name: "script", Config: Config{SDK: "script"}, client: newScriptClient()}
}

// Register declares a tool under a name. Duplicate names are rejected.
func (r *Registry) Register(name string, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[name]; exists {
		return flowerr.Newf(flowerr.KindProviderConflict, "tool %q is already registered", name)
	}
	if cfg.SDK == "" {
		cfg.SDK = name
	}
	r.instances[name] = &Instance{Name: name, Config: cfg}
	log.Debug("tool registered", "name", name, "sdk", cfg.SDK)
	return nil
}

// RegisterInitializer installs the builder for an SDK name. Registering
// the same name twice is a conflict.
func (r *Registry) RegisterInitializer(init *Initializer) error {
	if init == nil || init.Name == "" || init.Initialize == nil {
		return flowerr.New(flowerr.KindInvalidConfig, "initializer requires a name and an initialize function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.initializers[init.Name]; exists {
		return flowerr.Newf(flowerr.KindProviderConflict, "initializer %q is already registered", init.Name)
	}
	r.initializers[init.Name] = init
	return nil
}

// Get returns the instance registered under name.
func (r *Registry) Get(name string) (*Instance, error) {
	r.mu.RLock()
	inst, ok := r.instances[name]
	r.mu.RUnlock()
	if !ok {
		return nil, flowerr.Newf(flowerr.KindProviderNotFound, "unknown tool %q", name).WithService(name)
	}
	return inst, nil
}

// List returns the registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	return names
}

// Wrapper exposes the reliability layer for per-service configuration.
func (r *Registry) Wrapper() *reliability.Wrapper { return r.wrapper }

// Secrets exposes the secret manager.
func (r *Registry) Secrets() *secret.Manager { return r.secrets }

// Call dispatches an action string "<tool>.<path...>" with the default
// reliability policy.
func (r *Registry) Call(ctx context.Context, action string, inputs map[string]any) (any, error) {
	return r.CallWithPolicy(ctx, action, inputs, nil)
}

// CallWithPolicy dispatches an action with a per-call policy override.
// The tool client is built lazily on first use.
func (r *Registry) CallWithPolicy(ctx context.Context, action string, inputs map[string]any, policy *reliability.Policy) (any, error) {
	tool, path := SplitAction(action)
	if tool == "" || path == "" {
		return nil, flowerr.Newf(flowerr.KindInvalidConfig, "malformed action %q, want <tool>.<path>", action)
	}

	inst, err := r.Get(tool)
	if err != nil {
		return nil, err
	}

	client, err := r.load(ctx, inst)
	if err != nil {
		return nil, err
	}

	return r.wrapper.Do(ctx, tool, action, inputs, policy, func(ctx context.Context) (*reliability.CallResult, error) {
		out, err := client.CallAction(ctx, path, inputs)
		if err != nil {
			return nil, err
		}
		result := &reliability.CallResult{Output: out}
		// Clients that track provider rate limits surface them here.
		if hinted, ok := out.(interface{ RateLimitHeaders() map[string]string }); ok {
			result.Headers = hinted.RateLimitHeaders()
		}
		return result, nil
	})
}

// load builds the instance's client on first use: resolve auth secrets,
// apply the alias map, then try a registered initializer, then the MCP
// fallback for configs that describe a server.
func (r *Registry) load(ctx context.Context, inst *Instance) (Client, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.client != nil {
		return inst.client, nil
	}

	cfg := inst.Config
	resolvedAuth, err := r.secrets.ResolveAuth(ctx, cfg.Auth)
	if err != nil {
		return nil, flowerr.Normalize(err, inst.Name, "")
	}
	cfg.Auth = resolvedAuth

	sdkName := canonicalSDK(cfg.SDK)

	r.mu.RLock()
	init := r.initializers[sdkName]
	r.mu.RUnlock()

	if init != nil {
		if init.Validate != nil {
			if problems := init.Validate(cfg); len(problems) > 0 {
				return nil, flowerr.Newf(flowerr.KindInvalidConfig,
					"invalid config for tool %q: %s", inst.Name, strings.Join(problems, "; ")).WithService(inst.Name)
			}
		}
		client, err := init.Initialize(ctx, cfg)
		if err != nil {
			return nil, flowerr.Normalize(err, inst.Name, "")
		}
		inst.client = client
		log.Info("tool loaded", "name", inst.Name, "sdk", sdkName)
		return client, nil
	}

	if isMCPConfig(cfg) {
		client, err := newMCPClient(inst.Name, cfg)
		if err != nil {
			return nil, err
		}
		inst.client = client
		log.Info("tool loaded via mcp", "name", inst.Name)
		return client, nil
	}

	return nil, flowerr.Newf(flowerr.KindUnsupportedCapability,
		"no initializer registered for sdk %q and its config describes no MCP server", sdkName).WithService(inst.Name)
}

// Clear releases every built client and forgets all registrations except
// the built-ins.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, inst := range r.instances {
		inst.mu.Lock()
		if closer, ok := inst.client.(Closer); ok {
			if err := closer.Close(); err != nil {
				log.Warn("closing tool client", "name", name, "error", err)
			}
		}
		inst.client = nil
		inst.mu.Unlock()
	}
	r.instances = make(map[string]*Instance)
	r.registerBuiltins()
}

// Validate checks that every config could plausibly load, without
// building clients. Used by pre-execution validation.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, inst := range r.instances {
		if inst.client != nil {
			continue
		}
		sdkName := canonicalSDK(inst.Config.SDK)
		if _, ok := r.initializers[sdkName]; ok {
			continue
		}
		if isMCPConfig(inst.Config) {
			continue
		}
		return flowerr.Newf(flowerr.KindUnsupportedCapability,
			"tool %q: no initializer for sdk %q", name, sdkName)
	}
	return nil
}
