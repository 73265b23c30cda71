// Package onebot implements a reconnecting WebSocket client for OneBot v11
// endpoints (NapCat and compatible implementations).
//
// The adapter dials the configured endpoint, sends a heartbeat payload on a
// fixed interval, classifies inbound frames and emits normalized messages as
// local "message" and "message_mine" events. When the connection closes it
// retries with linear backoff until MaxRetries attempts have been scheduled.
package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/domain"
	"github.com/renflow/runner/pkg/logger"
)

// Kind is the registry kind of this adapter. Alias is accepted as well.
const (
	Kind  = "onebot"
	Alias = "napcat"
)

// eventFrame is the local event carrying every inbound frame that is not a
// heartbeat acknowledgment or an action response.
const eventFrame = "frame"

// Error is a sentinel error type for OneBot adapter failures.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrMissingEndpoint      Error = "onebot: missing url in options"
	ErrTransportUnavailable Error = "onebot: no transport dialer available"
	ErrConnectAborted       Error = "onebot: connect aborted by disconnect"
	ErrActionTimeout        Error = "onebot: action timed out"
)

// timer is the part of *time.Timer the adapter retains.
type timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }

var methods = adapter.NewMethodTable[*Adapter]().
	Event(eventFrame, (*Adapter).onFrame).
	API("send_group_msg", (*Adapter).apiSendGroupMsg).
	API("send_private_msg", (*Adapter).apiSendPrivateMsg).
	API("get_login_info", (*Adapter).apiGetLoginInfo).
	API("call_action", (*Adapter).apiCallAction)

// Adapter is a OneBot WebSocket client.
type Adapter struct {
	*adapter.Base

	cfg       Config
	dialer    Dialer
	afterFunc func(time.Duration, func()) timer
	now       func() time.Time

	mu             sync.Mutex
	state          domain.ConnectionState
	conn           Conn
	gen            uint64
	attempts       int
	reconnectTimer timer
	heartbeatStop  chan struct{}
	lastHeartbeat  time.Time

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan actionResult
	echoSeq   atomic.Uint64
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDialer sets the transport provider.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// WithConfig replaces the configuration derived from options.
func WithConfig(cfg Config) Option {
	return func(a *Adapter) { a.cfg = cfg }
}

// New creates a disconnected adapter. Without WithDialer it dials through
// gorilla/websocket.
func New(base *adapter.Base, opts ...Option) *Adapter {
	a := &Adapter{
		Base:      base,
		cfg:       ConfigFromOptions(base.Options()),
		dialer:    WebsocketDialer(nil, nil),
		afterFunc: realAfterFunc,
		now:       time.Now,
		state:     domain.StateDisconnected,
		pending:   make(map[string]chan actionResult),
	}
	for _, opt := range opts {
		opt(a)
	}
	adapter.Bind(a.Base, a, methods)
	return a
}

// Config returns the effective configuration.
func (a *Adapter) Config() Config { return a.cfg }

// State reports the connection state.
func (a *Adapter) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.String()
}

// Attempts returns the number of reconnects scheduled since the last
// successful open.
func (a *Adapter) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// LastHeartbeat returns when the last heartbeat acknowledgment arrived.
func (a *Adapter) LastHeartbeat() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHeartbeat
}

// Connect dials the endpoint. It is a no-op while connected or while another
// connect is in flight. A failed dial is returned to the caller, emitted as
// an error event and, when reconnect is enabled, retried in the background.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == domain.StateConnected || a.state == domain.StateConnecting {
		a.mu.Unlock()
		return nil
	}
	target, err := a.cfg.ConnectURL()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if a.dialer == nil {
		a.mu.Unlock()
		return ErrTransportUnavailable
	}
	a.stopReconnectLocked()
	a.state = domain.StateConnecting
	gen := a.gen
	a.mu.Unlock()

	logger.DebugCF(Kind, "Dialing endpoint", map[string]interface{}{
		"adapter": a.ID(),
		"url":     a.cfg.URL,
	})

	conn, err := a.dialer.Dial(ctx, target)

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrConnectAborted
	}
	if err != nil {
		a.state = domain.StateDisconnected
		a.mu.Unlock()

		err = fmt.Errorf("onebot: dial %s: %w", a.cfg.URL, err)
		logger.WarnCF(Kind, "Connection failed", map[string]interface{}{
			"adapter": a.ID(),
			"error":   err.Error(),
		})
		a.Emit(adapter.EventError, adapter.NewErrorEvent(err))
		a.scheduleReconnect(gen)
		return err
	}

	a.conn = conn
	a.state = domain.StateConnected
	a.attempts = 0
	stop := make(chan struct{})
	a.heartbeatStop = stop
	a.mu.Unlock()

	a.Metrics().SetConnected(a.ID(), true)
	logger.InfoCF(Kind, "Connected", map[string]interface{}{
		"adapter": a.ID(),
		"url":     a.cfg.URL,
	})

	if a.cfg.HeartbeatInterval > 0 {
		go a.heartbeatLoop(conn, stop)
	}
	a.Emit(adapter.EventConnected, a.Lifecycle())
	go a.readLoop(conn, gen)
	return nil
}

// Disconnect closes the transport, cancels the reconnect and heartbeat
// timers and resets the attempt counter. Calling it while disconnected does
// nothing. A connect in flight is aborted and returns ErrConnectAborted.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.gen++
	a.stopReconnectLocked()
	a.stopHeartbeatLocked()
	a.attempts = 0
	conn := a.conn
	a.conn = nil
	active := a.state == domain.StateConnected || a.state == domain.StateConnecting
	a.state = domain.StateDisconnected
	a.mu.Unlock()

	a.failPending(adapter.ErrNotConnected)
	if conn != nil {
		a.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		conn.Close()
	}
	if !active {
		return nil
	}

	a.Metrics().SetConnected(a.ID(), false)
	logger.InfoCF(Kind, "Disconnected", map[string]interface{}{"adapter": a.ID()})
	a.Emit(adapter.EventDisconnected, a.Lifecycle())
	return nil
}

// Dispose disconnects and removes every handler bound at construction.
func (a *Adapter) Dispose(ctx context.Context) error {
	err := a.Disconnect(ctx)
	a.UnregisterHandlers()
	return err
}

// Send writes msg to the endpoint as a JSON text frame.
func (a *Adapter) Send(ctx context.Context, msg adapter.Message) error {
	return a.writeJSON(msg)
}

func (a *Adapter) writeJSON(v any) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.state == domain.StateConnected
	a.mu.Unlock()
	if !connected || conn == nil {
		return adapter.ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("onebot: encode frame: %w", err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Adapter) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.handleClose(gen, err)
			return
		}
		a.handleFrame(data)
	}
}

// handleClose runs when the read loop ends. Closes caused by Disconnect
// carry a stale generation and are ignored.
func (a *Adapter) handleClose(gen uint64, cause error) {
	a.mu.Lock()
	if gen != a.gen || a.state != domain.StateConnected {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.state = domain.StateDisconnected
	a.stopHeartbeatLocked()
	a.mu.Unlock()

	a.failPending(adapter.ErrNotConnected)
	a.Metrics().SetConnected(a.ID(), false)

	if !isNormalClose(cause) {
		a.Emit(adapter.EventError, adapter.NewErrorEvent(cause))
	}
	logger.InfoCF(Kind, "Connection closed", map[string]interface{}{
		"adapter": a.ID(),
		"cause":   cause.Error(),
	})
	a.Emit(adapter.EventDisconnected, a.Lifecycle())
	a.scheduleReconnect(gen)
}

// scheduleReconnect arms the retry timer for attempt n with delay
// RetryInterval*n, or gives up once n exceeds MaxRetries.
func (a *Adapter) scheduleReconnect(gen uint64) {
	if !a.cfg.Reconnect {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.state != domain.StateDisconnected {
		return
	}

	a.attempts++
	if a.attempts > a.cfg.MaxRetries {
		logger.WarnCF(Kind, "Giving up reconnecting", map[string]interface{}{
			"adapter":     a.ID(),
			"max_retries": a.cfg.MaxRetries,
		})
		return
	}

	delay := a.cfg.RetryInterval * time.Duration(a.attempts)
	a.state = domain.StateReconnecting
	a.Metrics().ReconnectAttempt(a.ID())
	logger.InfoCF(Kind, "Scheduling reconnect", map[string]interface{}{
		"adapter": a.ID(),
		"attempt": a.attempts,
		"delay":   delay.String(),
	})
	a.reconnectTimer = a.afterFunc(delay, func() { a.reconnect(gen) })
}

func (a *Adapter) reconnect(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.state != domain.StateReconnecting {
		a.mu.Unlock()
		return
	}
	a.reconnectTimer = nil
	a.mu.Unlock()

	_ = a.Connect(context.Background())
}

func (a *Adapter) stopReconnectLocked() {
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
}

func (a *Adapter) stopHeartbeatLocked() {
	if a.heartbeatStop != nil {
		close(a.heartbeatStop)
		a.heartbeatStop = nil
	}
}

func (a *Adapter) heartbeatLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	payload, err := json.Marshal(a.cfg.HeartbeatPayload)
	if err != nil {
		logger.ErrorCF(Kind, "Invalid heartbeat payload", map[string]interface{}{
			"adapter": a.ID(),
			"error":   err.Error(),
		})
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.writeMu.Lock()
			select {
			case <-stop:
				a.writeMu.Unlock()
				return
			default:
			}
			err := conn.WriteMessage(websocket.TextMessage, payload)
			a.writeMu.Unlock()
			if err != nil {
				logger.DebugCF(Kind, "Heartbeat write failed", map[string]interface{}{
					"adapter": a.ID(),
					"error":   err.Error(),
				})
			}
		}
	}
}

// handleFrame routes one inbound frame. Heartbeat acknowledgments and action
// responses are consumed here; everything else is emitted as a frame event.
func (a *Adapter) handleFrame(data []byte) {
	frame := Frame{Data: data, JSON: gjson.ValidBytes(data), Received: a.now()}
	if !frame.JSON {
		a.Metrics().FrameReceived(a.ID(), "raw")
		a.EmitLocal(eventFrame, frame)
		return
	}

	parsed := gjson.ParseBytes(data)
	if a.isHeartbeatAck(parsed) {
		a.mu.Lock()
		a.lastHeartbeat = frame.Received
		a.mu.Unlock()
		a.Metrics().FrameReceived(a.ID(), "heartbeat")
		return
	}
	if echo := parsed.Get("echo"); echo.Exists() && a.resolvePending(echo.String(), parsed) {
		a.Metrics().FrameReceived(a.ID(), "response")
		return
	}

	a.EmitLocal(eventFrame, frame)
}

func (a *Adapter) isHeartbeatAck(f gjson.Result) bool {
	if a.cfg.HeartbeatAck != "" && f.Get("type").String() == a.cfg.HeartbeatAck {
		return true
	}
	return f.Get("post_type").String() == "meta_event" &&
		f.Get("meta_event_type").String() == "heartbeat"
}

// onFrame classifies a frame and emits the normalized event.
func (a *Adapter) onFrame(payload any) {
	frame, ok := payload.(Frame)
	if !ok || !frame.JSON {
		return
	}
	parsed := gjson.ParseBytes(frame.Data)
	kind := classify(parsed)
	a.Metrics().FrameReceived(a.ID(), kind)

	switch {
	case kind == kindMessage || kind == kindMessageSent:
		msg, err := decodeMessage(frame.Data)
		if err != nil {
			logger.WarnCF(Kind, "Dropping unmappable message frame", map[string]interface{}{
				"adapter": a.ID(),
				"error":   err.Error(),
			})
			return
		}
		if kind == kindMessage {
			a.Emit(adapter.EventMessage, msg)
		} else {
			a.Emit(adapter.EventMessageMine, msg)
		}
	case parsed.Get("post_type").String() == kindNotice:
		a.Emit(adapter.EventNotice, decodeNotice(parsed, frame.Data))
	}
}
