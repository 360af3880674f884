// Package push serves the realtime channel: clients subscribe to resources
// over a websocket and receive every frame published for them.
package push

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"rentsync/pkg/logger"
	"rentsync/pkg/model"

	"github.com/gorilla/websocket"
)

var ErrHubClosed = errors.New("push hub is closed")

type Config struct {
	// SendBuffer is the number of frames queued per connection before the
	// connection is considered too slow and dropped.
	SendBuffer int
	WriteWait  time.Duration
	// IdleTimeout closes connections that sent nothing, not even a ping.
	IdleTimeout    time.Duration
	MaxMessageSize int64
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:     64,
		WriteWait:      10 * time.Second,
		IdleTimeout:    90 * time.Second,
		MaxMessageSize: 4096,
	}
}

type Hub struct {
	cfg      Config
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*conn]struct{}
	subs    map[string]map[*conn]struct{}
	closed  bool
}

func NewHub(cfg Config, log *logger.Logger) *Hub {
	defaults := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	return &Hub{
		cfg: cfg,
		log: log.Component("push"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*conn]struct{}),
		subs:    make(map[string]map[*conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(h, ws)
	if !h.register(c) {
		_ = ws.Close()
		return
	}
	h.log.Debug("Push client connected", "remote_addr", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

// Publish fans frame out to every connection subscribed to its resource.
// A connection whose queue is full is dropped.
func (h *Hub) Publish(_ context.Context, frame model.Frame) error {
	raw, err := frame.Encode()
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	targets := make([]*conn, 0, len(h.subs[frame.ResourceID]))
	for c := range h.subs[frame.ResourceID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(raw) {
			h.log.Warn("Push client too slow, disconnecting",
				"resource_id", frame.ResourceID,
				"type", frame.Type,
			)
			h.unregister(c)
		}
	}
	return nil
}

// Subscribers is the number of connections subscribed to resourceID.
func (h *Hub) Subscribers(resourceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[resourceID])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*conn]struct{})
	h.subs = make(map[string]map[*conn]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for id := range c.resources {
			h.removeSubLocked(id, c)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) subscribe(c *conn, resourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	set := h.subs[resourceID]
	if set == nil {
		set = make(map[*conn]struct{})
		h.subs[resourceID] = set
	}
	set[c] = struct{}{}
	c.resources[resourceID] = struct{}{}
}

func (h *Hub) unsubscribe(c *conn, resourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.resources, resourceID)
	h.removeSubLocked(resourceID, c)
}

func (h *Hub) removeSubLocked(resourceID string, c *conn) {
	set := h.subs[resourceID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, resourceID)
	}
}
