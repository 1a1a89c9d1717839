package secret

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
)

// cacheEntry is a resolved secret with its expiry.
type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// ManagerConfig holds configuration for the secret manager.
type ManagerConfig struct {
	// CacheTTL is how long resolved secrets stay cached. Zero disables
	// caching.
	CacheTTL time.Duration
	// ThrowOnNotFound makes a missing secret fail resolution instead of
	// resolving to the empty string.
	ThrowOnNotFound bool
}

// DefaultManagerConfig returns the default secret manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CacheTTL:        5 * time.Minute,
		ThrowOnNotFound: true,
	}
}

// Manager resolves secret references through registered providers and
// caches resolved values with a TTL.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	cache     map[string]cacheEntry
	config    ManagerConfig
	now       func() time.Time
}

// NewManager creates a secret manager with the environment provider
// pre-registered.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		providers: make(map[string]Provider),
		cache:     make(map[string]cacheEntry),
		config:    config,
		now:       time.Now,
	}
	m.RegisterProvider(NewEnvProvider())
	return m
}

// RegisterProvider registers a provider under its name, replacing any
// previous provider with the same name.
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
}

// Resolve resolves a single reference string. Non-reference strings are
// returned unchanged.
func (m *Manager) Resolve(ctx context.Context, s string) (string, error) {
	ref, err := ParseReference(s)
	if err != nil {
		return s, nil
	}
	return m.resolveRef(ctx, ref)
}

func (m *Manager) resolveRef(ctx context.Context, ref Reference) (string, error) {
	key := ref.String()

	m.mu.RLock()
	entry, cached := m.cache[key]
	provider, hasProvider := m.providers[ref.Provider]
	m.mu.RUnlock()

	if cached && m.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	if !hasProvider {
		return "", flowerr.Newf(flowerr.KindProviderNotFound, "unknown secret provider: %s", ref.Provider)
	}

	value, err := provider.Resolve(ctx, ref)
	if err != nil {
		if m.config.ThrowOnNotFound {
			return "", flowerr.Wrap(flowerr.KindProviderNotFound, "secret resolution failed: "+key, err)
		}
		log.Warn("secret not found, resolving to empty string", "reference", key)
		return "", nil
	}

	if m.config.CacheTTL > 0 {
		m.mu.Lock()
		m.cache[key] = cacheEntry{value: value, expiresAt: m.now().Add(m.config.CacheTTL)}
		m.mu.Unlock()
	}

	return value, nil
}

// ResolveAuth resolves secret references in a tool auth map in place of
// the matching string values. Non-matching values pass through untouched.
func (m *Manager) ResolveAuth(ctx context.Context, auth map[string]string) (map[string]string, error) {
	if auth == nil {
		return nil, nil
	}

	resolved := make(map[string]string, len(auth))
	for k, v := range auth {
		ref, err := ParseReference(v)
		if err != nil {
			resolved[k] = v
			continue
		}
		value, err := m.resolveRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		resolved[k] = value
	}
	return resolved, nil
}

// ClearCache drops all cached secret values.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]cacheEntry)
}

// SanitizeAuthForLogging returns a copy of an auth map safe to log: every
// value is reduced to at most visiblePrefix leading characters followed by
// a redaction marker.
func SanitizeAuthForLogging(auth map[string]string, visiblePrefix int) map[string]string {
	if visiblePrefix < 0 {
		visiblePrefix = 0
	}
	out := make(map[string]string, len(auth))
	for k, v := range auth {
		if len(v) <= visiblePrefix {
			out[k] = strings.Repeat("*", len(v))
			continue
		}
		out[k] = v[:visiblePrefix] + "****"
	}
	return out
}
