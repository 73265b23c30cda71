package onebot

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a websocket connection the adapter uses.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens transport connections. It is injected at construction so the
// adapter never looks one up itself.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

type wsDialer struct {
	dialer *websocket.Dialer
	header http.Header
}

// WebsocketDialer dials with gorilla/websocket. A nil d uses a dialer with a
// 10 second handshake timeout.
func WebsocketDialer(d *websocket.Dialer, header http.Header) Dialer {
	if d == nil {
		d = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &wsDialer{dialer: d, header: header}
}

func (w *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, url, w.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
