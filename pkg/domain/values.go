// Package domain holds the value objects shared by adapters, the connector
// manager and downstream consumers of normalized messages.
package domain

// ---------------------------------------------------------------------------
// Shared value objects
// ---------------------------------------------------------------------------

// ConnectionState is the lifecycle state of a connection-oriented adapter.
//
//	disconnected -> connecting        (Connect)
//	connecting   -> connected         (transport open)
//	connected    -> disconnected      (close or explicit Disconnect)
//	disconnected -> reconnecting      (automatic retry scheduled)
//	reconnecting -> connecting        (retry timer fired)
//	connecting   -> disconnected      (dial failed, retries exhausted)
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// String implements fmt.Stringer.
func (cs ConnectionState) String() string { return string(cs) }

// ---------------------------------------------------------------------------

// MessageType distinguishes group and private conversations.
type MessageType string

const (
	MessageGroup   MessageType = "group"
	MessagePrivate MessageType = "private"
)

func (mt MessageType) String() string { return string(mt) }

// Valid returns true if the message type is recognized.
func (mt MessageType) Valid() bool {
	return mt == MessageGroup || mt == MessagePrivate
}

// ---------------------------------------------------------------------------

// SegmentType names the kind of a message segment.
type SegmentType string

const (
	SegmentText  SegmentType = "text"
	SegmentImage SegmentType = "image"
	SegmentReply SegmentType = "reply"
)

func (st SegmentType) String() string { return string(st) }

// ---------------------------------------------------------------------------

// JobStatus is the state of a queued job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (js JobStatus) String() string { return string(js) }
