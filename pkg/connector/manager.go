// Package connector provides the registry that owns every adapter and queue
// in the process.
//
// To add a new adapter kind:
//  1. Implement adapter.Adapter on top of adapter.Base
//  2. Register a Factory for it with Manager.RegisterKind
//  3. Create instances through Manager.CreateBotAdapter
//
// Registration and removal are announced on the event bus as
// "adapter.registered" and "adapter.unregistered" with the connector id as
// source.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
	"github.com/renflow/runner/pkg/logger"
	"github.com/renflow/runner/pkg/metrics"
	"github.com/renflow/runner/pkg/queue"
)

// Error is a sentinel error type for registry failures.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrAdapterNotFound      Error = "adapter not found"
	ErrUnsupportedOperation Error = "unsupported operation"
	ErrUnsupportedKind      Error = "unsupported adapter kind"
)

// Connector is anything the manager can hold: bot adapters and queues.
type Connector interface {
	ID() string
	Kind() string
}

// Factory builds an adapter around a prepared Base. It runs only when an
// adapter of its kind is created.
type Factory func(base *adapter.Base) (adapter.Adapter, error)

// disposer is implemented by adapters that release bound handlers on
// shutdown.
type disposer interface {
	Dispose(ctx context.Context) error
}

// Manager maps ids to connectors.
type Manager struct {
	bus     *eventbus.Bus
	metrics *metrics.Metrics

	mu         sync.RWMutex
	connectors map[string]Connector
	kinds      map[string]Factory
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches Prometheus collectors passed on to created adapters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates an empty manager publishing on bus.
func NewManager(bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		bus:        bus,
		connectors: make(map[string]Connector),
		kinds:      make(map[string]Factory),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Bus returns the bus the manager publishes on.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// RegisterKind makes kind available to CreateBotAdapter, replacing any
// earlier factory for the same kind.
func (m *Manager) RegisterKind(kind string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds[kind] = f
}

// Kinds returns the registered adapter kinds, sorted.
func (m *Manager) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]string, 0, len(m.kinds))
	for k := range m.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Register stores c under id, replacing any previous entry, and publishes
// adapter.registered.
func (m *Manager) Register(id string, c Connector) {
	m.mu.Lock()
	m.connectors[id] = c
	m.mu.Unlock()

	logger.InfoCF("connector", "Registered connector", map[string]interface{}{
		"id":   id,
		"kind": c.Kind(),
	})
	m.publish(events.AdapterRegistered, id, c.Kind())
}

// Unregister removes id and returns what was stored. adapter.unregistered is
// published whether or not anything was registered.
func (m *Manager) Unregister(id string) (Connector, bool) {
	m.mu.Lock()
	c, ok := m.connectors[id]
	delete(m.connectors, id)
	m.mu.Unlock()

	kind := ""
	if ok {
		kind = c.Kind()
		logger.InfoCF("connector", "Unregistered connector", map[string]interface{}{
			"id":   id,
			"kind": kind,
		})
	}
	m.publish(events.AdapterUnregistered, id, kind)
	return c, ok
}

func (m *Manager) publish(eventType, id, kind string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(eventType, id, events.AdapterEventData{ID: id, Kind: kind}))
}

// Get returns the connector registered under id.
func (m *Manager) Get(id string) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[id]
	return c, ok
}

// Lookup returns the connector under id when it is a T.
func Lookup[T any](m *Manager, id string) (T, bool) {
	var zero T
	c, ok := m.Get(id)
	if !ok {
		return zero, false
	}
	t, ok := c.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// IDs returns the registered ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.connectors))
	for id := range m.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns a status snapshot of every connector, sorted by id.
func (m *Manager) List() []adapter.Status {
	now := time.Now()
	var out []adapter.Status
	for _, id := range m.IDs() {
		c, ok := m.Get(id)
		if !ok {
			continue
		}
		st := adapter.Status{ID: id, Kind: c.Kind(), UpdatedAt: now}
		if sr, ok := c.(adapter.StateReporter); ok {
			st.State = sr.State()
		}
		if lister, ok := c.(interface{ APINames() []string }); ok {
			st.APIs = lister.APINames()
		}
		out = append(out, st)
	}
	return out
}

// CallAdapterAPI forwards to the named API of adapter id.
func (m *Manager) CallAdapterAPI(ctx context.Context, id, name string, args ...any) (any, error) {
	c, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	caller, ok := c.(adapter.APICaller)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s) has no API dispatch", ErrUnsupportedOperation, id, c.Kind())
	}
	return caller.CallAPI(ctx, name, args...)
}

// CreateBotAdapter builds an adapter of kind, registers it and returns it.
// An empty id is replaced by "bot-" and a short random suffix.
func (m *Manager) CreateBotAdapter(ctx context.Context, kind string, opts adapter.Options, id string) (adapter.Adapter, error) {
	m.mu.RLock()
	factory, ok := m.kinds[kind]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		id = generateID("bot")
	}

	base := adapter.NewBase(id, kind, opts, adapter.WithBus(m.bus), adapter.WithMetrics(m.metrics))
	a, err := factory(base)
	if err != nil {
		return nil, fmt.Errorf("create %s adapter %s: %w", kind, id, err)
	}
	m.Register(id, a)
	return a, nil
}

// CreateQueueAdapter builds a queue of kind, registers it and returns it.
// Only the "memory" kind exists. An empty id is replaced by "<kind>-" and a
// short random suffix.
func (m *Manager) CreateQueueAdapter(kind string, opts adapter.Options, id string) (*queue.Memory, error) {
	if kind != queue.Kind {
		return nil, fmt.Errorf("%w: queue %s", ErrUnsupportedKind, kind)
	}
	if id == "" {
		id = generateID(kind)
	}
	cfg := queue.ConfigFromOptions(opts)
	cfg.Bus = m.bus
	cfg.Metrics = m.metrics
	q := queue.NewMemory(id, cfg)
	m.Register(id, q)
	return q, nil
}

func generateID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func (m *Manager) adapters() []adapter.Adapter {
	var out []adapter.Adapter
	for _, id := range m.IDs() {
		if a, ok := Lookup[adapter.Adapter](m, id); ok {
			out = append(out, a)
		}
	}
	return out
}

// ConnectAll connects every registered adapter concurrently and returns the
// first error. One adapter failing does not cancel the others; all of them
// run to completion against ctx. Adapters that fail keep their own reconnect
// schedule.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var g errgroup.Group
	for _, a := range m.adapters() {
		a := a
		g.Go(func() error {
			if err := a.Connect(ctx); err != nil {
				logger.ErrorCF("connector", "Failed to connect adapter", map[string]interface{}{
					"id":    a.ID(),
					"error": err.Error(),
				})
				return fmt.Errorf("connect %s: %w", a.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// DisconnectAll disconnects every registered adapter concurrently.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var g errgroup.Group
	for _, a := range m.adapters() {
		a := a
		g.Go(func() error {
			if err := a.Disconnect(ctx); err != nil {
				return fmt.Errorf("disconnect %s: %w", a.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Remove releases the connector under id (dispose, disconnect or close) and
// unregisters it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	c, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	err := release(ctx, c)
	m.Unregister(id)
	return err
}

func release(ctx context.Context, c Connector) error {
	switch v := c.(type) {
	case disposer:
		return v.Dispose(ctx)
	case adapter.Adapter:
		return v.Disconnect(ctx)
	case *queue.Memory:
		return v.Close(ctx)
	}
	return nil
}

// Shutdown releases and unregisters every connector. It returns the first
// error seen.
func (m *Manager) Shutdown(ctx context.Context) error {
	var first error
	for _, id := range m.IDs() {
		if err := m.Remove(ctx, id); err != nil && !errors.Is(err, ErrAdapterNotFound) {
			logger.WarnCF("connector", "Shutdown error", map[string]interface{}{
				"id":    id,
				"error": err.Error(),
			})
			if first == nil {
				first = fmt.Errorf("shutdown %s: %w", id, err)
			}
		}
	}
	return first
}
