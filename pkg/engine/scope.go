package engine

import (
	"sync"
)

// Scope is the variable mapping visible to expression resolution at a
// step. Child scopes inherit the parent for reads; writes stay local, so
// iteration and branch frames never leak into their parent.
type Scope struct {
	mu     sync.RWMutex
	vars   map[string]any
	parent *Scope
}

// NewScope creates a scope, optionally chained to a parent.
func NewScope(parent *Scope) *Scope {
	return &Scope{vars: make(map[string]any), parent: parent}
}

// Lookup resolves a name, walking the parent chain. It satisfies the
// expression resolver's scope contract.
func (s *Scope) Lookup(name string) (any, bool) {
	s.mu.RLock()
	v, ok := s.vars[name]
	s.mu.RUnlock()
	if ok {
		return v, true
	}
	if s.parent != nil {
		return s.parent.Lookup(name)
	}
	return nil, false
}

// Set binds a name in this scope, shadowing any parent binding.
func (s *Scope) Set(name string, value any) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// Local returns the names bound directly in this scope, without parents.
func (s *Scope) Local() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Flatten collects every visible binding into a single map, inner scopes
// winning over outer ones.
func (s *Scope) Flatten() map[string]any {
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		for k, v := range chain[i].vars {
			out[k] = v
		}
		chain[i].mu.RUnlock()
	}
	return out
}

// Snapshot returns a detached scope holding a copy of every visible
// binding. Parallel branches launch against snapshots so sibling writes
// stay invisible to each other.
func (s *Scope) Snapshot() *Scope {
	return &Scope{vars: s.Flatten()}
}
