package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected     = errors.New("push channel is not connected")
	ErrHeartbeatTimeout = errors.New("no traffic within two heartbeat intervals")
	ErrDisconnected     = errors.New("channel was disconnected while dialing")
)

// Conn is one established push connection. ReadMessage is only ever called
// from a single goroutine, and writes are serialized by the Channel.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

const defaultWriteWait = 10 * time.Second

// WebsocketDialer opens push connections with gorilla/websocket.
type WebsocketDialer struct {
	URL       string
	Header    http.Header
	Dialer    *websocket.Dialer
	WriteWait time.Duration
}

func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{
		URL:       url,
		Dialer:    websocket.DefaultDialer,
		WriteWait: defaultWriteWait,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}
	writeWait := d.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	return &wsConn{ws: ws, writeWait: writeWait}, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
