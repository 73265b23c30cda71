package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
)

type stub struct {
	*Base
	local  []any
	global []events.Record
}

var stubMethods = NewMethodTable[*stub]().
	Event(EventMessage, (*stub).onMessage).
	Event(events.AdapterConnected, (*stub).onGlobalConnected).
	API("sum", (*stub).sum).
	API("explode", (*stub).explode)

func newStub(bus *eventbus.Bus) *stub {
	p := &stub{Base: NewBase("stub-1", "stub", nil, WithBus(bus))}
	Bind(p.Base, p, stubMethods)
	return p
}

func (p *stub) onMessage(payload any) { p.local = append(p.local, payload) }

func (p *stub) onGlobalConnected(evt any) { p.global = append(p.global, evt.(events.Record)) }

func (p *stub) explode(context.Context, ...any) (any, error) { panic("kaboom") }

func (p *stub) sum(_ context.Context, args ...any) (any, error) {
	total := 0
	for _, a := range args {
		n, ok := a.(int)
		if !ok {
			return nil, errors.New("sum: non-int argument")
		}
		total += n
	}
	return total, nil
}

func newBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	b := eventbus.New()
	t.Cleanup(b.Close)
	return b
}

func TestBind_LocalAndBusHandlers(t *testing.T) {
	bus := newBus(t)
	p := newStub(bus)

	p.Emit(EventMessage, Message{ID: "m1", Text: "hello"})
	require.Len(t, p.local, 1)
	assert.Equal(t, "hello", p.local[0].(Message).Text)

	bus.Publish(events.New(events.AdapterConnected, "other", nil))
	require.Len(t, p.global, 1)
	assert.Equal(t, "other", p.global[0].Source)
}

func TestBind_OnlyOnce(t *testing.T) {
	p := newStub(newBus(t))
	Bind(p.Base, p, stubMethods)

	assert.Equal(t, 1, p.ListenerCount(EventMessage))
}

func TestEmit_MirrorsOntoBus(t *testing.T) {
	bus := newBus(t)
	p := newStub(bus)

	var got []events.Record
	bus.Subscribe(eventbus.ByType(events.AdapterMessage), func(r events.Record) { got = append(got, r) })

	p.Emit(EventMessage, Message{ID: "42", Text: "a"})
	p.Emit(EventMessage, Message{ID: "42", Text: "a"})
	p.Emit(EventMessage, Message{Text: "no id"})

	require.Len(t, got, 2)
	assert.Equal(t, "stub-1:message:42", got[0].ID)
	assert.Equal(t, "stub-1", got[0].Source)
	assert.Empty(t, got[1].ID)

	// Local handlers still see every emit; only the bus dedups.
	assert.Len(t, p.local, 3)
}

func TestEmit_SameKeyDifferentEvents(t *testing.T) {
	bus := newBus(t)
	p := newStub(bus)

	var got []string
	bus.Subscribe(eventbus.Any, func(r events.Record) { got = append(got, r.ID) })

	p.Emit(EventMessage, Message{ID: "7", Text: "in"})
	p.Emit(EventMessageMine, Message{ID: "7", Text: "out"})

	assert.Equal(t, []string{"stub-1:message:7", "stub-1:message_mine:7"}, got)
}

func TestEmit_WithoutBus(t *testing.T) {
	b := NewBase("x", "stub", nil)
	var n int
	b.On(func(any) { n++ }, EventConnected, EventDisconnected)

	b.Emit(EventConnected, nil)
	b.Emit(EventDisconnected, nil)
	b.Emit(EventError, nil)
	assert.Equal(t, 2, n)
}

func TestCallAPI(t *testing.T) {
	p := newStub(newBus(t))
	ctx := context.Background()

	res, err := p.CallAPI(ctx, "sum", 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, res)

	_, err = p.CallAPI(ctx, "sum", "x")
	assert.EqualError(t, err, "sum: non-int argument")

	_, err = p.CallAPI(ctx, "missing")
	assert.True(t, errors.Is(err, ErrAPINotFound))

	_, err = p.CallAPI(ctx, "explode")
	assert.True(t, errors.Is(err, ErrAPIPanic))

	assert.Equal(t, []string{"explode", "sum"}, p.APINames())
}

func TestUnregisterHandlers_Idempotent(t *testing.T) {
	bus := newBus(t)
	p := newStub(bus)
	before := bus.SubscriberCount()

	p.UnregisterHandlers()
	p.UnregisterHandlers()

	assert.Equal(t, before-1, bus.SubscriberCount())
	assert.Equal(t, 0, p.ListenerCount(EventMessage))

	p.Emit(EventMessage, Message{Text: "ignored"})
	assert.Empty(t, p.local)

	// APIs stay callable after handlers are removed.
	_, err := p.CallAPI(context.Background(), "sum", 1)
	assert.NoError(t, err)
}

func TestDispatcher_PanicIsolation(t *testing.T) {
	d := NewDispatcher("test", nil)
	var calls []string
	d.On(func(any) { panic("first") }, "x")
	d.On(func(any) { calls = append(calls, "second") }, "x")

	assert.NotPanics(t, func() { d.Dispatch("x", nil) })
	assert.Equal(t, []string{"second"}, calls)
}

func TestDispatcher_Off(t *testing.T) {
	d := NewDispatcher("test", nil)
	var n int
	id := d.On(func(any) { n++ }, "a", "b")

	d.Off(id, "a")
	d.Dispatch("a", nil)
	d.Dispatch("b", nil)
	assert.Equal(t, 1, n)

	d.Off(id)
	d.Dispatch("b", nil)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, d.Count("b"))
}

func TestOptions(t *testing.T) {
	opts := Options{
		"ws":            "ws://host",
		"access_token":  "",
		"accessToken":   "tok",
		"maxRetries":    float64(3),
		"reconnect":     "false",
		"retryInterval": 1500,
		"heartbeat":     "5s",
	}

	assert.Equal(t, "ws://host", opts.GetString("url", "ws", "endpoint"))
	assert.Equal(t, "tok", opts.GetString("token", "access_token", "accessToken"))
	assert.Equal(t, 3, opts.GetInt("maxRetries", 5))
	assert.Equal(t, 5, opts.GetInt("missing", 5))
	assert.False(t, opts.GetBool("reconnect", true))
	assert.True(t, opts.GetBool("missing", true))
	assert.Equal(t, 1500*time.Millisecond, opts.GetDuration("retryInterval", 0))
	assert.Equal(t, 5*time.Second, opts.GetDuration("heartbeat", 0))
	assert.Equal(t, time.Minute, opts.GetDuration("missing", time.Minute))
}
