package onebot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/domain"
	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
)

var errFakeClosed = errors.New("fake connection closed")

// fakeConn is an in-memory Conn. Frames pushed to inbox are read by the
// adapter; every text write is recorded, including writes after Close.
type fakeConn struct {
	inbox  chan []byte
	sent   chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbox:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	if mt == websocket.TextMessage {
		c.mu.Lock()
		c.writes = append(c.writes, string(data))
		c.mu.Unlock()
		select {
		case c.sent <- data:
		default:
		}
	}
	if c.isClosed() {
		return errFakeClosed
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) count(frame string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.writes {
		if w == frame {
			n++
		}
	}
	return n
}

// fakeDialer hands out fresh fakeConns, or fails when err is set.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
	urls  []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeTimer struct{ stopped atomic.Bool }

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// timerRecorder captures scheduled reconnects so tests fire them by hand.
type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &fakeTimer{}
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, f)
	r.timers = append(r.timers, t)
	return t
}

func (r *timerRecorder) fire(i int) {
	r.mu.Lock()
	f := r.fns[i]
	r.mu.Unlock()
	f()
}

func (r *timerRecorder) scheduled() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://onebot.test/ws"
	cfg.HeartbeatInterval = 0
	return cfg
}

func newTestAdapter(t *testing.T, cfg Config, dialer Dialer) (*Adapter, *eventbus.Bus, *timerRecorder) {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	a := New(adapter.NewBase("bot-1", Kind, nil, adapter.WithBus(bus)), WithConfig(cfg), WithDialer(dialer))
	rec := &timerRecorder{}
	a.afterFunc = rec.afterFunc
	t.Cleanup(func() { _ = a.Dispose(context.Background()) })
	return a, bus, rec
}

func capture(a *Adapter, event string) chan any {
	ch := make(chan any, 32)
	a.On(func(p any) { ch <- p }, event)
	return ch
}

func waitFor(t *testing.T, ch chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch chan any) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event: %#v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConfigFromOptions(t *testing.T) {
	cfg := ConfigFromOptions(adapter.Options{"endpoint": "ws://h:3001", "accessToken": "t"})
	assert.Equal(t, "ws://h:3001", cfg.URL)
	assert.Equal(t, "t", cfg.AccessToken)
	assert.True(t, cfg.Reconnect)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.RetryInterval)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, map[string]any{"type": "ping"}, cfg.HeartbeatPayload)

	cfg = ConfigFromOptions(adapter.Options{
		"url":              "ws://a",
		"ws":               "ws://b",
		"reconnect":        false,
		"maxRetries":       2,
		"retryInterval":    500,
		"heartbeatPayload": map[string]any{"op": "hb"},
		"heartbeatAck":     "hb_ack",
	})
	assert.Equal(t, "ws://a", cfg.URL)
	assert.False(t, cfg.Reconnect)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, map[string]any{"op": "hb"}, cfg.HeartbeatPayload)
	assert.Equal(t, "hb_ack", cfg.HeartbeatAck)
}

func TestConnectURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		token   string
		want    string
		wantErr error
	}{
		{name: "no token", url: "ws://h/ws", want: "ws://h/ws"},
		{name: "token", url: "ws://h/ws", token: "abc", want: "ws://h/ws?access_token=abc"},
		{name: "existing query", url: "ws://h/ws?x=1", token: "abc", want: "ws://h/ws?x=1&access_token=abc"},
		{name: "escaped token", url: "ws://h", token: "a b&c", want: "ws://h?access_token=a+b%26c"},
		{name: "missing url", token: "abc", wantErr: ErrMissingEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Config{URL: tt.url, AccessToken: tt.token}.ConnectURL()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnect_MissingEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.URL = ""
	d := &fakeDialer{}
	a, _, _ := newTestAdapter(t, cfg, d)

	err := a.Connect(context.Background())
	assert.ErrorIs(t, err, ErrMissingEndpoint)
	assert.Equal(t, 0, d.dials())
	assert.Equal(t, "disconnected", a.State())
}

func TestConnect_NoDialer(t *testing.T) {
	a, _, _ := newTestAdapter(t, testConfig(), nil)
	assert.ErrorIs(t, a.Connect(context.Background()), ErrTransportUnavailable)
}

func TestConnect_EmitsConnectedAndIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	a, bus, _ := newTestAdapter(t, testConfig(), d)
	connected := capture(a, adapter.EventConnected)

	var mirrored []events.Record
	bus.Subscribe(eventbus.ByType(events.AdapterConnected), func(r events.Record) { mirrored = append(mirrored, r) })

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Connect(context.Background()))

	ev := waitFor(t, connected).(adapter.LifecycleEvent)
	assert.Equal(t, "bot-1", ev.ID)
	assert.Equal(t, "connected", a.State())
	assert.Equal(t, 1, d.dials())
	require.Len(t, mirrored, 1)
	assert.Equal(t, "bot-1", mirrored[0].Source)
}

func TestInboundMessage(t *testing.T) {
	d := &fakeDialer{}
	a, bus, _ := newTestAdapter(t, testConfig(), d)
	messages := capture(a, adapter.EventMessage)
	mine := capture(a, adapter.EventMessageMine)

	onBus := make(chan events.Record, 4)
	bus.Subscribe(eventbus.ByType(events.AdapterMessage), func(r events.Record) { onBus <- r })
	mineOnBus := make(chan events.Record, 4)
	bus.Subscribe(eventbus.ByType(events.AdapterPrefix+adapter.EventMessageMine), func(r events.Record) { mineOnBus <- r })

	require.NoError(t, a.Connect(context.Background()))
	conn := d.conn(0)
	conn.inbox <- []byte(groupFrame)
	conn.inbox <- []byte(groupFrame)
	conn.inbox <- []byte(strings.Replace(groupFrame, `"post_type":"message"`, `"post_type":"message_sent"`, 1))

	msg := waitFor(t, messages).(domain.Message)
	assert.Equal(t, "42", msg.MessageID)
	assert.Equal(t, int64(55), msg.GroupID)
	waitFor(t, messages)

	own := waitFor(t, mine).(domain.Message)
	assert.Equal(t, "42", own.MessageID)

	rec := <-onBus
	assert.Equal(t, "bot-1:message:42", rec.ID)
	assert.Equal(t, "bot-1", rec.Source)
	select {
	case dup := <-onBus:
		t.Fatalf("duplicate message reached the bus: %+v", dup)
	default:
	}

	// A self-sent message sharing the id is not suppressed by the received one.
	select {
	case rec := <-mineOnBus:
		assert.Equal(t, "bot-1:message_mine:42", rec.ID)
	case <-time.After(time.Second):
		t.Fatal("message_mine was not mirrored onto the bus")
	}
}

func TestInboundNoticeAndRawFrames(t *testing.T) {
	d := &fakeDialer{}
	a, _, _ := newTestAdapter(t, testConfig(), d)
	notices := capture(a, adapter.EventNotice)
	frames := capture(a, eventFrame)
	messages := capture(a, adapter.EventMessage)

	require.NoError(t, a.Connect(context.Background()))
	conn := d.conn(0)
	conn.inbox <- []byte(`{"post_type":"notice","notice_type":"group_increase","group_id":55,"user_id":9}`)
	conn.inbox <- []byte(`not json at all`)

	n := waitFor(t, notices).(Notice)
	assert.Equal(t, "group_increase", n.NoticeType)
	assert.Equal(t, int64(55), n.GroupID)

	waitFor(t, frames)
	raw := waitFor(t, frames).(Frame)
	assert.False(t, raw.JSON)
	assert.Equal(t, "not json at all", raw.Text())
	assertNoEvent(t, messages)
}

// TestHeartbeat checks pings go out on the interval, pongs update the
// last-seen time without being dispatched, and Disconnect stops the pings.
func TestHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	d := &fakeDialer{}
	a, _, _ := newTestAdapter(t, cfg, d)
	frames := capture(a, eventFrame)

	require.NoError(t, a.Connect(context.Background()))
	conn := d.conn(0)

	const ping = `{"type":"ping"}`
	require.Eventually(t, func() bool { return conn.count(ping) >= 3 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, a.LastHeartbeat().IsZero())
	conn.inbox <- []byte(`{"type":"pong"}`)
	require.Eventually(t, func() bool { return !a.LastHeartbeat().IsZero() }, 2*time.Second, 5*time.Millisecond)
	assertNoEvent(t, frames)

	require.NoError(t, a.Disconnect(context.Background()))
	sent := conn.count(ping)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, sent, conn.count(ping))
}

func TestHeartbeat_MetaEventAck(t *testing.T) {
	d := &fakeDialer{}
	a, _, _ := newTestAdapter(t, testConfig(), d)
	frames := capture(a, eventFrame)

	require.NoError(t, a.Connect(context.Background()))
	d.conn(0).inbox <- []byte(`{"post_type":"meta_event","meta_event_type":"heartbeat","interval":5000}`)

	require.Eventually(t, func() bool { return !a.LastHeartbeat().IsZero() }, 2*time.Second, 5*time.Millisecond)
	assertNoEvent(t, frames)
}

// TestReconnectBackoff fails every dial and checks attempt k waits
// RetryInterval*k until MaxRetries attempts have been scheduled.
func TestReconnectBackoff(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	a, _, rec := newTestAdapter(t, testConfig(), d)
	errs := capture(a, adapter.EventError)

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	waitFor(t, errs)

	for i := 0; i < 5; i++ {
		require.Len(t, rec.scheduled(), i+1)
		assert.Equal(t, "reconnecting", a.State())
		rec.fire(i)
	}

	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second, 10 * time.Second,
	}, rec.scheduled())
	assert.Equal(t, 6, d.dials())
	assert.Equal(t, "disconnected", a.State())
}

func TestReconnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect = false
	d := &fakeDialer{err: errors.New("refused")}
	a, _, rec := newTestAdapter(t, cfg, d)

	assert.Error(t, a.Connect(context.Background()))
	assert.Empty(t, rec.scheduled())
}

func TestReconnectAfterRemoteClose(t *testing.T) {
	d := &fakeDialer{}
	a, _, rec := newTestAdapter(t, testConfig(), d)
	connected := capture(a, adapter.EventConnected)
	disconnected := capture(a, adapter.EventDisconnected)

	require.NoError(t, a.Connect(context.Background()))
	waitFor(t, connected)

	d.conn(0).Close()
	waitFor(t, disconnected)
	require.Eventually(t, func() bool { return len(rec.scheduled()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2*time.Second, rec.scheduled()[0])
	assert.Equal(t, 1, a.Attempts())

	rec.fire(0)
	waitFor(t, connected)
	assert.Equal(t, "connected", a.State())
	assert.Equal(t, 0, a.Attempts())
	assert.Equal(t, 2, d.dials())
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	a, _, rec := newTestAdapter(t, testConfig(), d)
	disconnected := capture(a, adapter.EventDisconnected)

	require.NoError(t, a.Connect(context.Background()))
	d.conn(0).Close()
	waitFor(t, disconnected)
	require.Eventually(t, func() bool { return len(rec.scheduled()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Disconnect(context.Background()))
	assert.True(t, rec.timers[0].stopped.Load())
	assert.Equal(t, 0, a.Attempts())
	assertNoEvent(t, disconnected)

	// A timer that fires anyway is stale and must not dial.
	rec.fire(0)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, "disconnected", a.State())
}

func TestDisconnect_Idempotent(t *testing.T) {
	d := &fakeDialer{}
	a, _, _ := newTestAdapter(t, testConfig(), d)
	disconnected := capture(a, adapter.EventDisconnected)

	require.NoError(t, a.Disconnect(context.Background()))
	assertNoEvent(t, disconnected)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Disconnect(context.Background()))
	require.NoError(t, a.Disconnect(context.Background()))

	waitFor(t, disconnected)
	assertNoEvent(t, disconnected)
	assert.True(t, d.conn(0).isClosed())
}

func TestDisconnect_AbortsInFlightConnect(t *testing.T) {
	conn := newFakeConn()
	entered := make(chan struct{})
	release := make(chan struct{})
	dialer := DialerFunc(func(context.Context, string) (Conn, error) {
		close(entered)
		<-release
		return conn, nil
	})
	a, _, _ := newTestAdapter(t, testConfig(), dialer)
	connected := capture(a, adapter.EventConnected)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Connect(context.Background()) }()

	<-entered
	assert.Equal(t, "connecting", a.State())
	require.NoError(t, a.Disconnect(context.Background()))
	close(release)

	assert.ErrorIs(t, <-errCh, ErrConnectAborted)
	assert.True(t, conn.isClosed())
	assert.Equal(t, "disconnected", a.State())
	assertNoEvent(t, connected)
}

func TestSend(t *testing.T) {
	d := &fakeDialer{}
	a, _, _ := newTestAdapter(t, testConfig(), d)

	err := a.Send(context.Background(), adapter.Message{Text: "x"})
	assert.ErrorIs(t, err, adapter.ErrNotConnected)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Send(context.Background(), adapter.Message{ID: "1", To: "55", Text: "hello"}))

	sent := <-d.conn(0).sent
	assert.JSONEq(t, `{"id":"1","to":"55","text":"hello"}`, string(sent))
}

// respond answers every action frame written to conn using reply.
func respond(conn *fakeConn, reply func(req gjson.Result) string) {
	go func() {
		for {
			select {
			case data := <-conn.sent:
				req := gjson.ParseBytes(data)
				if !req.Get("echo").Exists() {
					continue
				}
				conn.inbox <- []byte(reply(req))
			case <-conn.closed:
				return
			}
		}
	}()
}

func TestCallAPI_Actions(t *testing.T) {
	d := &fakeDialer{}
	a, _, _ := newTestAdapter(t, testConfig(), d)
	require.NoError(t, a.Connect(context.Background()))

	var lastParams sync.Map
	respond(d.conn(0), func(req gjson.Result) string {
		action := req.Get("action").String()
		lastParams.Store(action, req.Get("params").Raw)
		echo := req.Get("echo").Raw
		switch action {
		case "get_login_info":
			return `{"status":"ok","retcode":0,"data":{"user_id":1001,"nickname":"bot"},"echo":` + echo + `}`
		case "send_group_msg":
			return `{"status":"failed","retcode":100,"wording":"no permission","data":null,"echo":` + echo + `}`
		default:
			return `{"status":"ok","retcode":0,"data":{"message_id":7},"echo":` + echo + `}`
		}
	})
	ctx := context.Background()

	info, err := a.CallAPI(ctx, "get_login_info")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"user_id": float64(1001), "nickname": "bot"}, info)

	_, err = a.CallAPI(ctx, "send_group_msg", "55", "hi")
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, int64(100), actionErr.Retcode)
	assert.Contains(t, err.Error(), "no permission")
	params, _ := lastParams.Load("send_group_msg")
	assert.JSONEq(t, `{"group_id":55,"message":"hi"}`, params.(string))

	res, err := a.CallAPI(ctx, "send_private_msg", 7, "yo")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"message_id": float64(7)}, res)

	_, err = a.CallAPI(ctx, "call_action", "get_status", map[string]any{"no_cache": true})
	require.NoError(t, err)
	params, _ = lastParams.Load("get_status")
	assert.JSONEq(t, `{"no_cache":true}`, params.(string))

	_, err = a.CallAPI(ctx, "send_group_msg", "not-a-number", "hi")
	assert.Error(t, err)

	_, err = a.CallAPI(ctx, "nope")
	assert.ErrorIs(t, err, adapter.ErrAPINotFound)
}

func TestCallAction_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.ActionTimeout = 20 * time.Millisecond
	d := &fakeDialer{}
	a, _, _ := newTestAdapter(t, cfg, d)
	require.NoError(t, a.Connect(context.Background()))

	_, err := a.CallAction(context.Background(), "get_login_info", nil)
	assert.ErrorIs(t, err, ErrActionTimeout)
}

func TestCallAction_FailsOnDisconnect(t *testing.T) {
	d := &fakeDialer{}
	a, _, _ := newTestAdapter(t, testConfig(), d)
	require.NoError(t, a.Connect(context.Background()))
	conn := d.conn(0)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.CallAction(context.Background(), "get_login_info", nil)
		errCh <- err
	}()
	<-conn.sent

	require.NoError(t, a.Disconnect(context.Background()))
	assert.ErrorIs(t, <-errCh, adapter.ErrNotConnected)
}

// TestWebsocketPeer runs the adapter against a real gorilla/websocket server.
func TestWebsocketPeer(t *testing.T) {
	tokens := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("access_token")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			_ = c.WriteMessage(websocket.TextMessage, []byte(groupFrame))
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	defer srv.Close()

	bus := eventbus.New()
	defer bus.Close()
	a := New(adapter.NewBase("bot-ws", Kind, adapter.Options{
		"url":               "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?v=11",
		"token":             "s3cret",
		"heartbeatInterval": 0,
	}, adapter.WithBus(bus)))
	defer a.Dispose(context.Background())

	messages := capture(a, adapter.EventMessage)
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, "s3cret", <-tokens)

	msg := waitFor(t, messages).(domain.Message)
	assert.Equal(t, "42", msg.MessageID)
	assert.Equal(t, int64(1001), msg.SelfID)

	require.NoError(t, a.Disconnect(context.Background()))
	assert.Equal(t, "disconnected", a.State())
}
