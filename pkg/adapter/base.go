package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
	"github.com/renflow/runner/pkg/logger"
	"github.com/renflow/runner/pkg/metrics"
)

// APIFunc is a bound API method.
type APIFunc func(ctx context.Context, args ...any) (any, error)

// keyed is implemented by payloads that carry a message identity. Mirrored
// bus events use it to build their deduplication id.
type keyed interface {
	EventKey() string
}

// Base supplies everything an adapter shares: identity, options, local event
// dispatch, mirroring onto the event bus and API dispatch.
type Base struct {
	id      string
	kind    string
	options Options
	bus     *eventbus.Bus
	metrics *metrics.Metrics

	dispatcher *Dispatcher

	mu      sync.Mutex
	apis    map[string]APIFunc
	unbinds []func()
	bound   bool
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithBus mirrors local events onto bus and enables dotted-name handlers.
func WithBus(bus *eventbus.Bus) BaseOption {
	return func(b *Base) { b.bus = bus }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) BaseOption {
	return func(b *Base) { b.metrics = m }
}

// NewBase creates the shared adapter state.
func NewBase(id, kind string, opts Options, options ...BaseOption) *Base {
	if opts == nil {
		opts = Options{}
	}
	b := &Base{
		id:      id,
		kind:    kind,
		options: opts,
		apis:    make(map[string]APIFunc),
	}
	for _, o := range options {
		o(b)
	}
	b.dispatcher = NewDispatcher(kind, b.metrics)
	return b
}

func (b *Base) ID() string                { return b.id }
func (b *Base) Kind() string              { return b.kind }
func (b *Base) Options() Options          { return b.options }
func (b *Base) Bus() *eventbus.Bus        { return b.bus }
func (b *Base) Metrics() *metrics.Metrics { return b.metrics }

// On registers h for one or more local events.
func (b *Base) On(h Handler, events ...string) ListenerID {
	return b.dispatcher.On(h, events...)
}

// Off removes a listener.
func (b *Base) Off(id ListenerID, events ...string) {
	b.dispatcher.Off(id, events...)
}

// ListenerCount returns the number of local handlers for event.
func (b *Base) ListenerCount(event string) int {
	return b.dispatcher.Count(event)
}

// Emit delivers payload to local handlers and then mirrors it onto the bus as
// "adapter.<event>" with this adapter as source. Keyed payloads get the record
// id "<adapter>:<event>:<key>".
func (b *Base) Emit(event string, payload any) {
	b.dispatcher.Dispatch(event, payload)

	if b.bus == nil {
		return
	}
	rec := events.New(events.AdapterPrefix+event, b.id, payload)
	if k, ok := payload.(keyed); ok && k.EventKey() != "" {
		rec.ID = b.id + ":" + event + ":" + k.EventKey()
	}
	b.bus.Publish(rec)
}

// EmitLocal delivers payload to local handlers only.
func (b *Base) EmitLocal(event string, payload any) {
	b.dispatcher.Dispatch(event, payload)
}

// Lifecycle builds a connected/disconnected payload for this adapter.
func (b *Base) Lifecycle() LifecycleEvent {
	return LifecycleEvent{ID: b.id, Timestamp: time.Now().UnixMilli()}
}

// RegisterAPI exposes fn under name. Registering the same name twice replaces
// the earlier function.
func (b *Base) RegisterAPI(name string, fn APIFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apis[name] = fn
}

// APINames lists the registered API names in sorted order.
func (b *Base) APINames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.apis))
	for name := range b.apis {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallAPI invokes the API registered under name. A panic inside the API is
// returned as an error wrapping ErrAPIPanic.
func (b *Base) CallAPI(ctx context.Context, name string, args ...any) (result any, err error) {
	b.mu.Lock()
	fn, ok := b.apis[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s on adapter %s", ErrAPINotFound, name, b.id)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %s: %v", ErrAPIPanic, name, r)
		}
	}()
	return fn(ctx, args...)
}

func (b *Base) addUnbind(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbinds = append(b.unbinds, fn)
}

// UnregisterHandlers removes every handler installed by Bind. Safe to call
// more than once.
func (b *Base) UnregisterHandlers() {
	b.mu.Lock()
	unbinds := b.unbinds
	b.unbinds = nil
	b.mu.Unlock()

	for _, fn := range unbinds {
		fn()
	}
}

// --- Method table ---

type eventBinding[T any] struct {
	event  string
	method func(T, any)
}

type apiBinding[T any] struct {
	name   string
	method func(T, context.Context, ...any) (any, error)
}

// MethodTable declares, once per adapter type, which methods handle local
// events and which are callable by API name. Event names containing a dot
// ("adapter.message", "queue.completed") are bus event types rather than
// local events.
type MethodTable[T any] struct {
	events []eventBinding[T]
	apis   []apiBinding[T]
}

// NewMethodTable creates an empty table.
func NewMethodTable[T any]() *MethodTable[T] {
	return &MethodTable[T]{}
}

// Event binds method to a local event or, for dotted names, a bus type.
func (t *MethodTable[T]) Event(event string, method func(T, any)) *MethodTable[T] {
	t.events = append(t.events, eventBinding[T]{event: event, method: method})
	return t
}

// API exposes method under name.
func (t *MethodTable[T]) API(name string, method func(T, context.Context, ...any) (any, error)) *MethodTable[T] {
	t.apis = append(t.apis, apiBinding[T]{name: name, method: method})
	return t
}

// Bind installs the table's methods on inst. It runs at most once per Base;
// later calls are ignored.
func Bind[T any](b *Base, inst T, table *MethodTable[T]) {
	b.mu.Lock()
	if b.bound {
		b.mu.Unlock()
		return
	}
	b.bound = true
	b.mu.Unlock()

	for _, e := range table.events {
		method := e.method
		if strings.Contains(e.event, ".") {
			if b.bus == nil {
				logger.DebugCF(b.kind, "No event bus, skipping bus handler", map[string]interface{}{
					"adapter": b.id,
					"event":   e.event,
				})
				continue
			}
			unsub := b.bus.Subscribe(eventbus.ByType(e.event), func(rec events.Record) {
				method(inst, rec)
			})
			b.addUnbind(unsub)
			continue
		}

		event := e.event
		id := b.dispatcher.On(func(payload any) { method(inst, payload) }, event)
		b.addUnbind(func() { b.dispatcher.Off(id, event) })
	}

	for _, a := range table.apis {
		method := a.method
		b.RegisterAPI(a.name, func(ctx context.Context, args ...any) (any, error) {
			return method(inst, ctx, args...)
		})
	}
}
