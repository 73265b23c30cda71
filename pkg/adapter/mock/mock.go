// Package mock provides an in-process adapter for local testing and demos.
// Connect and Disconnect only flip state; Send echoes the message back as a
// local "message" event and, after a short delay, emits a simulated reply.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/logger"
)

const Kind = "mock"

// DefaultReplyDelay is how long Send waits before emitting the echo reply.
const DefaultReplyDelay = 50 * time.Millisecond

var methods = adapter.NewMethodTable[*Adapter]().
	Event(adapter.EventMessage, (*Adapter).onLocalMessage).
	Event(events.AdapterMessage, (*Adapter).onBusMessage).
	API("echo", (*Adapter).apiEcho).
	API("status", (*Adapter).apiStatus)

// Adapter is the mock adapter.
type Adapter struct {
	*adapter.Base

	replyDelay time.Duration

	mu        sync.Mutex
	connected bool
	timers    map[*time.Timer]struct{}
	inbox     []adapter.Message
	observed  int
}

// New creates a mock adapter. The "replyDelay" option overrides the reply
// delay.
func New(base *adapter.Base) *Adapter {
	a := &Adapter{
		Base:       base,
		replyDelay: base.Options().GetDuration("replyDelay", DefaultReplyDelay),
		timers:     make(map[*time.Timer]struct{}),
	}
	adapter.Bind(a.Base, a, methods)
	return a
}

func (a *Adapter) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return "connected"
	}
	return "disconnected"
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = true
	a.mu.Unlock()

	a.Emit(adapter.EventConnected, a.Lifecycle())
	return nil
}

// Disconnect marks the adapter disconnected and cancels pending replies.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	was := a.connected
	a.connected = false
	for t := range a.timers {
		t.Stop()
		delete(a.timers, t)
	}
	a.mu.Unlock()

	if was {
		a.Emit(adapter.EventDisconnected, a.Lifecycle())
	}
	return nil
}

// Dispose disconnects and removes bound handlers.
func (a *Adapter) Dispose(ctx context.Context) error {
	err := a.Disconnect(ctx)
	a.UnregisterHandlers()
	return err
}

// Send emits msg as a local message from this adapter, then schedules an
// "echo:<text>" reply from "remote".
func (a *Adapter) Send(ctx context.Context, msg adapter.Message) error {
	out := msg
	out.From = a.ID()
	out.Timestamp = time.Now().UnixMilli()
	a.Emit(adapter.EventMessage, out)

	reply := adapter.Message{
		From: "remote",
		To:   msg.From,
		Text: "echo:" + msg.Text,
	}
	if msg.ID != "" {
		reply.ID = msg.ID + ":echo"
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(a.replyDelay, func() {
		a.mu.Lock()
		_, live := a.timers[t]
		delete(a.timers, t)
		a.mu.Unlock()
		if !live {
			return
		}
		reply.Timestamp = time.Now().UnixMilli()
		a.Emit(adapter.EventMessage, reply)
	})
	a.timers[t] = struct{}{}
	return nil
}

// PendingReplies returns the number of scheduled replies not yet emitted.
func (a *Adapter) PendingReplies() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Inbox returns the messages seen by the local message handler.
func (a *Adapter) Inbox() []adapter.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapter.Message(nil), a.inbox...)
}

// Observed returns how many adapter.message events this adapter saw on the
// bus, from any source.
func (a *Adapter) Observed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.observed
}

func (a *Adapter) onLocalMessage(payload any) {
	msg, ok := payload.(adapter.Message)
	if !ok {
		return
	}
	a.mu.Lock()
	a.inbox = append(a.inbox, msg)
	a.mu.Unlock()
	logger.DebugCF(Kind, "Local message", map[string]interface{}{
		"adapter": a.ID(),
		"from":    msg.From,
		"text":    msg.Text,
	})
}

func (a *Adapter) onBusMessage(payload any) {
	rec, ok := payload.(events.Record)
	if !ok {
		return
	}
	a.mu.Lock()
	a.observed++
	a.mu.Unlock()
	logger.DebugCF(Kind, "Bus message", map[string]interface{}{
		"adapter": a.ID(),
		"source":  rec.Source,
	})
}

func (a *Adapter) apiEcho(_ context.Context, args ...any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("echo: missing argument")
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return args, nil
}

func (a *Adapter) apiStatus(context.Context, ...any) (any, error) {
	return map[string]any{
		"id":      a.ID(),
		"state":   a.State(),
		"pending": a.PendingReplies(),
	}, nil
}
