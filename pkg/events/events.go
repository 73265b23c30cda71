// Package events defines the event record that flows through the event bus
// and the type names shared by adapters, queues and the connector manager.
package events

import "time"

// --- Event Envelope ---

// Record is the unit published on the event bus. It is treated as immutable
// once published.
type Record struct {
	// ID is the deduplication identity. Records without an ID are never
	// deduplicated.
	ID string `json:"id,omitempty"`

	// Source identifies who emitted the record, usually an adapter or queue id.
	Source string `json:"source,omitempty"`

	// Type identifies the event (e.g. "adapter.registered", "queue.completed").
	Type string `json:"type"`

	Payload interface{} `json:"payload,omitempty"`

	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// New creates a record stamped with the current time.
func New(eventType, source string, payload interface{}) Record {
	return Record{
		Source:    source,
		Type:      eventType,
		Payload:   payload,
		Timestamp: NowMillis(),
	}
}

// WithID returns a copy of r carrying the given deduplication id.
func (r Record) WithID(id string) Record {
	r.ID = id
	return r
}

// Time converts the millisecond timestamp back to a time.Time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// NowMillis returns the current Unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// --- Event Type Constants ---

const (
	// Adapter lifecycle events
	AdapterRegistered   = "adapter.registered"
	AdapterUnregistered = "adapter.unregistered"
	AdapterConnected    = "adapter.connected"
	AdapterDisconnected = "adapter.disconnected"
	AdapterMessage      = "adapter.message"
	AdapterError        = "adapter.error"

	// Queue job events
	QueueActive    = "queue.active"
	QueueCompleted = "queue.completed"
	QueueFailed    = "queue.failed"
	QueueWaiting   = "queue.waiting"
)

// AdapterPrefix is prepended to local adapter event names when they are
// mirrored onto the bus.
const AdapterPrefix = "adapter."

// QueuePrefix is prepended to queue job event names.
const QueuePrefix = "queue."

// --- Typed Payloads ---

// AdapterEventData is the payload for registry lifecycle events.
type AdapterEventData struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"`
}

// QueueEventData is the payload for queue job events.
type QueueEventData struct {
	JobID   string      `json:"job_id"`
	Attempt int         `json:"attempt"`
	Message interface{} `json:"msg,omitempty"`
	Error   string      `json:"error,omitempty"`
}
