package push

import (
	"errors"
	"sync"
	"time"

	"rentsync/pkg/model"

	"github.com/gorilla/websocket"
)

type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	// resources is guarded by hub.mu.
	resources map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(h *Hub, ws *websocket.Conn) *conn {
	return &conn{
		hub:       h,
		ws:        ws,
		send:      make(chan []byte, h.cfg.SendBuffer),
		resources: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

func (c *conn) enqueue(raw []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

// close stops the write pump, which sends a close frame and closes the
// socket. That in turn unblocks the read pump.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *conn) readPump() {
	defer c.hub.unregister(c)

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	for {
		if c.hub.cfg.IdleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
		}
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("Push client read failed", "error", err)
			}
			return
		}
		c.handle(raw)
	}
}

func (c *conn) handle(raw []byte) {
	frame, err := model.DecodeFrame(raw)
	if err != nil {
		c.hub.log.Warn("Malformed frame from push client", "error", err)
		c.reply(model.FrameError, "", map[string]string{"error": err.Error()})
		return
	}

	switch frame.Type {
	case model.FrameSubscribe:
		if frame.ResourceID == "" {
			c.reply(model.FrameError, "", map[string]string{"error": "resource_id is required"})
			return
		}
		c.hub.subscribe(c, frame.ResourceID)
		c.reply(model.FrameSubscribed, frame.ResourceID, nil)
	case model.FrameUnsubscribe:
		c.hub.unsubscribe(c, frame.ResourceID)
	case model.FramePing:
		c.reply(model.FramePong, "", nil)
	default:
		c.reply(model.FrameError, frame.ResourceID, map[string]string{"error": "unsupported frame type " + frame.Type})
	}
}

func (c *conn) reply(frameType, resourceID string, data any) {
	frame, err := model.NewFrame(frameType, resourceID, data)
	if err != nil {
		return
	}
	raw, err := frame.Encode()
	if err != nil {
		return
	}
	if !c.enqueue(raw) {
		c.hub.log.Warn("Push client too slow, disconnecting", "type", frameType)
		go c.hub.unregister(c)
	}
}

func (c *conn) writePump() {
	defer func() {
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.hub.log.Debug("Push client write failed", "error", err)
				}
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.hub.cfg.WriteWait))
			return
		}
	}
}
