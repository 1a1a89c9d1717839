// Package events hosts the long-lived event sources of daemon workflows
// (WebSocket, cron, RSS) and the rendezvous between their events and
// event.wait steps.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
)

// Event is one occurrence produced by a source.
type Event struct {
	Source    string         `json:"source"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// AsMap renders the event for the variable scope.
func (e *Event) AsMap() map[string]any {
	return map[string]any{
		"source":    e.Source,
		"type":      e.Type,
		"data":      e.Data,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
	}
}

// Source statuses.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Source is a long-lived event producer.
type Source interface {
	ID() string
	// Connect starts producing; emit is safe for concurrent use and must
	// be called for every event until Stop.
	Connect(ctx context.Context, emit func(Event)) error
	Stop() error
	Status() string
}

// Sender is implemented by sources supporting outbound messages.
type Sender interface {
	Send(ctx context.Context, data any) error
}

// SourceConfig declares a source to the manager.
type SourceConfig struct {
	Kind    string         `yaml:"kind" json:"kind"`
	ID      string         `yaml:"id" json:"id"`
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
	// Filter keeps only events whose type contains one of these
	// substrings.
	Filter []string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// WaitFilter selects which event a wait returns.
type WaitFilter struct {
	Source  string
	Type    string
	Timeout time.Duration
}

func (f WaitFilter) matches(e *Event) bool {
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

type waiter struct {
	filter WaitFilter
	ch     chan *Event
}

// Manager owns every source and brokers events to waiting steps. Events
// with no waiter queue FIFO; WaitForEvent returns the oldest match.
type Manager struct {
	mu      sync.Mutex
	sources map[string]Source
	pending []*Event
	waiters []*waiter
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{sources: make(map[string]Source)}
}

// Add registers and connects a source. Duplicate ids are rejected.
func (m *Manager) Add(ctx context.Context, cfg SourceConfig) error {
	if cfg.ID == "" {
		return flowerr.New(flowerr.KindInvalidConfig, "event source needs an id")
	}
	source, err := newSource(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.sources[cfg.ID]; exists {
		m.mu.Unlock()
		return flowerr.Newf(flowerr.KindProviderConflict, "event source %q is already registered", cfg.ID)
	}
	m.sources[cfg.ID] = source
	m.mu.Unlock()

	emit := m.emitter(cfg.Filter)
	if err := source.Connect(ctx, emit); err != nil {
		m.mu.Lock()
		delete(m.sources, cfg.ID)
		m.mu.Unlock()
		return err
	}
	log.Info("event source connected", "id", cfg.ID, "kind", cfg.Kind)
	return nil
}

// emitter builds the per-source emit callback, applying the type filter
// before dispatch.
func (m *Manager) emitter(filter []string) func(Event) {
	return func(e Event) {
		if len(filter) > 0 {
			keep := false
			for _, substr := range filter {
				if strings.Contains(e.Type, substr) {
					keep = true
					break
				}
			}
			if !keep {
				return
			}
		}
		m.dispatch(&e)
	}
}

func (m *Manager) dispatch(e *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w.filter.matches(e) {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			w.ch <- e
			return
		}
	}
	m.pending = append(m.pending, e)
}

// WaitForEvent returns the next event matching the filter: the oldest
// queued match if one exists, otherwise the first future match. It fails
// with TIMEOUT when the filter's timeout elapses.
func (m *Manager) WaitForEvent(ctx context.Context, filter WaitFilter) (*Event, error) {
	m.mu.Lock()
	for i, e := range m.pending {
		if filter.matches(e) {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.mu.Unlock()
			return e, nil
		}
	}
	w := &waiter{filter: filter, ch: make(chan *Event, 1)}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	timeout := filter.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-w.ch:
		return e, nil
	case <-timer.C:
		m.removeWaiter(w)
		return nil, flowerr.Newf(flowerr.KindTimeout, "no matching event within %s", timeout)
	case <-ctx.Done():
		m.removeWaiter(w)
		return nil, flowerr.Normalize(ctx.Err(), "", "event.wait")
	}
}

func (m *Manager) removeWaiter(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.waiters {
		if cur == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
	// The waiter was already satisfied; keep the delivered event for the
	// next matching wait.
	select {
	case e := <-w.ch:
		m.pending = append(m.pending, e)
	default:
	}
}

// Remove stops and deregisters one source.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	source, ok := m.sources[id]
	delete(m.sources, id)
	m.mu.Unlock()
	if !ok {
		return flowerr.Newf(flowerr.KindProviderNotFound, "unknown event source %q", id)
	}
	return source.Stop()
}

// StopAll stops every source.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sources := make([]Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.sources = make(map[string]Source)
	m.mu.Unlock()
	for _, s := range sources {
		if err := s.Stop(); err != nil {
			log.Warn("stopping event source", "id", s.ID(), "error", err)
		}
	}
}

// Send forwards data out through a source that supports it.
func (m *Manager) Send(ctx context.Context, id string, data any) error {
	m.mu.Lock()
	source, ok := m.sources[id]
	m.mu.Unlock()
	if !ok {
		return flowerr.Newf(flowerr.KindProviderNotFound, "unknown event source %q", id)
	}
	sender, ok := source.(Sender)
	if !ok {
		return flowerr.Newf(flowerr.KindUnsupportedCapability, "event source %q cannot send", id)
	}
	return sender.Send(ctx, data)
}

// Stats reports each source's current status.
func (m *Manager) Stats() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.sources))
	for id, s := range m.sources {
		out[id] = s.Status()
	}
	return out
}

// newSource builds the variant named by the config.
func newSource(cfg SourceConfig) (Source, error) {
	switch cfg.Kind {
	case "websocket":
		return newWebSocketSource(cfg)
	case "cron":
		return newCronSource(cfg)
	case "rss":
		return newRSSSource(cfg)
	}
	return nil, flowerr.Newf(flowerr.KindUnsupportedCapability, "unknown event source kind %q", cfg.Kind)
}
