// Package adapter defines the contract every protocol client implements and
// the Base that concrete adapters embed for local event dispatch, bus
// mirroring and API dispatch.
//
// To create a new adapter:
//  1. Embed *Base and implement Connect, Disconnect and Send
//  2. Declare its event handlers and APIs in a package-level MethodTable
//  3. Call Bind once from the constructor
//  4. Register a factory for its kind with the connector manager
package adapter

import (
	"context"
	"time"
)

// Local event names emitted by adapters.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventMessage      = "message"
	EventMessageMine  = "message_mine"
	EventNotice       = "notice"
	EventError        = "error"
)

// Error is a sentinel error type for adapter failures.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrAPINotFound  Error = "api not found"
	ErrNotConnected Error = "adapter not connected"
	ErrAPIPanic     Error = "api handler panicked"
)

// Adapter is the capability set shared by every protocol client.
type Adapter interface {
	// ID returns the registry id the adapter was constructed with.
	ID() string

	// Kind returns the implementation name (e.g. "onebot", "mock").
	Kind() string

	// Connect opens the transport. Calling it while connected is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the transport and cancels pending timers. Idempotent.
	Disconnect(ctx context.Context) error

	// Send writes a message to the remote end.
	Send(ctx context.Context, msg Message) error

	// On registers h for one or more local event names.
	On(h Handler, events ...string) ListenerID

	// Off removes a listener from the given events, or from all events when
	// none are named.
	Off(id ListenerID, events ...string)
}

// APICaller is implemented by adapters that expose named API methods.
type APICaller interface {
	CallAPI(ctx context.Context, name string, args ...any) (any, error)
}

// Message is the outbound message accepted by Send and the payload of the
// generic message events.
type Message struct {
	ID        string `json:"id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text,omitempty"`
	Raw       any    `json:"raw,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// EventKey returns the message id used for bus deduplication.
func (m Message) EventKey() string { return m.ID }

// LifecycleEvent is the payload of connected and disconnected events.
type LifecycleEvent struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorEvent is the payload of error events.
type ErrorEvent struct {
	Err       error  `json:"-"`
	Message   string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// NewErrorEvent wraps err for emission.
func NewErrorEvent(err error) ErrorEvent {
	return ErrorEvent{Err: err, Message: err.Error(), Timestamp: time.Now().UnixMilli()}
}

// Status is a point-in-time view of an adapter for listings.
type Status struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state,omitempty"`
	APIs      []string  `json:"apis,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateReporter is implemented by adapters that track a connection state.
type StateReporter interface {
	State() string
}
