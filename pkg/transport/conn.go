package transport

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// Conn is the subset of *websocket.Conn used by the client.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ Conn = (*websocket.Conn)(nil)

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer opens connections with nhooyr.io/websocket.
type WebSocketDialer struct {
	HTTPHeader http.Header
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: d.HTTPHeader,
		HTTPClient: d.HTTPClient,
	}
	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		// on success the body is the connection itself
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}

// Clock schedules reconnect attempts.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is backed by time.AfterFunc.
var RealClock Clock = realClock{}
