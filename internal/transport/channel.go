// Package transport owns the single push connection to the backend. It
// reconnects with capped exponential backoff, keeps the connection alive with
// heartbeats and dispatches decoded frames to subscribers by type.
package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"rentsync/pkg/clock"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/event"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
)

const (
	opConnect = "connect"
	opSend    = "send"

	stateTopic = "state"
)

type Config struct {
	HeartbeatInterval time.Duration
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	// MaxAttempts is the number of automatic reconnects tried before the
	// channel gives up and becomes Unavailable.
	MaxAttempts int
	DialTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       5,
		DialTimeout:       10 * time.Second,
	}
}

type Channel struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	log    *logger.Logger

	mu             sync.Mutex
	state          State
	conn           Conn
	connGen        uint64
	attempts       int
	nextDelay      time.Duration
	retryTimer     clock.Timer
	heartbeatTimer clock.Timer
	lastRead       time.Time
	resources      map[string]int

	writeMu sync.Mutex

	frames *event.Bus[model.Frame]
	states *event.Bus[StateChange]
}

func NewChannel(cfg Config, dialer Dialer, clk clock.Clock, log *logger.Logger) *Channel {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Discard()
	}
	log = log.Component("transport")

	return &Channel{
		cfg:       cfg,
		dialer:    dialer,
		clock:     clk,
		log:       log,
		state:     Disconnected,
		nextDelay: cfg.InitialDelay,
		resources: make(map[string]int),
		frames:    event.NewBus[model.Frame](log),
		states:    event.NewBus[StateChange](log),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers handler for frames of eventType, or for every frame when
// eventType is event.Wildcard.
func (c *Channel) On(eventType string, handler func(model.Frame)) *event.Subscription {
	return c.frames.Subscribe(eventType, handler)
}

func (c *Channel) OnStateChange(handler func(StateChange)) *event.Subscription {
	return c.states.Subscribe(stateTopic, handler)
}

// Connect dials the backend. It is a no-op while a connection is open, being
// opened or waiting in backoff. From Disconnected or Unavailable it starts a
// fresh attempt cycle.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Connecting, Connected, Backoff:
		c.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.nextDelay = c.cfg.InitialDelay
	change := c.setStateLocked(Connecting, nil)
	c.mu.Unlock()

	c.publish(change)
	return c.dial(ctx)
}

// Disconnect closes the connection on purpose. No reconnect is scheduled.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	c.connGen++
	change := c.setStateLocked(Disconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.publish(change)
}

// Send writes one frame. It fails with a transport error unless connected.
func (c *Channel) Send(frame model.Frame) error {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return apperrors.Transport(opSend, ErrNotConnected)
	}
	conn, gen := c.conn, c.connGen
	c.mu.Unlock()

	if err := c.write(conn, frame); err != nil {
		c.handleDrop(gen, err)
		return apperrors.Transport(opSend, err)
	}
	return nil
}

// SubscribeResource adds a reference to resourceID. The backend is told on
// the first reference, now if connected or on the next open otherwise.
func (c *Channel) SubscribeResource(resourceID string) error {
	if resourceID == "" {
		return apperrors.InvalidInput("resource id is required")
	}

	c.mu.Lock()
	c.resources[resourceID]++
	first := c.resources[resourceID] == 1
	connected := c.state == Connected
	c.mu.Unlock()

	if first && connected {
		c.sendControl(model.FrameSubscribe, resourceID)
	}
	return nil
}

func (c *Channel) UnsubscribeResource(resourceID string) {
	c.mu.Lock()
	refs, ok := c.resources[resourceID]
	if !ok {
		c.mu.Unlock()
		return
	}
	last := refs <= 1
	if last {
		delete(c.resources, resourceID)
	} else {
		c.resources[resourceID] = refs - 1
	}
	connected := c.state == Connected
	c.mu.Unlock()

	if last && connected {
		c.sendControl(model.FrameUnsubscribe, resourceID)
	}
}

// Resources lists every resource with at least one reference, sorted.
func (c *Channel) Resources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resourcesLocked()
}

func (c *Channel) resourcesLocked() []string {
	out := make([]string, 0, len(c.resources))
	for id := range c.resources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Channel) sendControl(frameType, resourceID string) {
	if err := c.Send(model.ControlFrame(frameType, resourceID, c.clock.Now())); err != nil {
		c.log.Warn("Failed to send control frame",
			"type", frameType,
			"resource_id", resourceID,
			"error", err,
		)
	}
}

func (c *Channel) dial(ctx context.Context) error {
	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := c.dialer.Dial(dialCtx)

	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return apperrors.Transport(opConnect, ErrDisconnected)
	}

	if err != nil {
		change := c.scheduleRetryLocked(err)
		c.mu.Unlock()
		c.log.Warn("Push channel dial failed",
			"error", err,
			"next_state", change.To.String(),
			"retry_in", change.Delay,
		)
		c.publish(change)
		return apperrors.Transport(opConnect, err)
	}

	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.attempts = 0
	c.nextDelay = c.cfg.InitialDelay
	c.lastRead = c.clock.Now()
	c.armHeartbeatLocked(gen)
	resources := c.resourcesLocked()
	change := c.setStateLocked(Connected, nil)
	c.mu.Unlock()

	c.log.Info("Push channel connected", "resources", len(resources))
	go c.readLoop(conn, gen)

	for _, id := range resources {
		if err := c.write(conn, model.ControlFrame(model.FrameSubscribe, id, c.clock.Now())); err != nil {
			c.handleDrop(gen, err)
			return apperrors.Transport(opConnect, err)
		}
	}

	c.publish(change)
	return nil
}

func (c *Channel) retry() {
	c.mu.Lock()
	if c.state != Backoff {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	change := c.setStateLocked(Connecting, nil)
	c.mu.Unlock()

	c.publish(change)
	_ = c.dial(context.Background())
}

// scheduleRetryLocked moves to Backoff with the current delay, or to
// Unavailable once the attempt budget is spent.
func (c *Channel) scheduleRetryLocked(cause error) StateChange {
	if c.attempts >= c.cfg.MaxAttempts {
		c.log.Error("Push channel unavailable, giving up",
			"attempts", c.attempts,
			"error", cause,
		)
		return c.setStateLocked(Unavailable, cause)
	}

	delay := c.nextDelay
	if delay <= 0 {
		delay = c.cfg.InitialDelay
	}
	c.attempts++
	c.nextDelay = delay * 2
	if c.cfg.MaxDelay > 0 && c.nextDelay > c.cfg.MaxDelay {
		c.nextDelay = c.cfg.MaxDelay
	}

	change := c.setStateLocked(Backoff, cause)
	change.Attempt = c.attempts
	change.Delay = delay
	c.retryTimer = c.clock.AfterFunc(delay, c.retry)
	return change
}

func (c *Channel) setStateLocked(to State, cause error) StateChange {
	change := StateChange{From: c.state, To: to, Err: cause}
	c.state = to
	return change
}

func (c *Channel) publish(change StateChange) {
	if change.From == change.To {
		return
	}
	c.log.Debug("Push channel state changed",
		"from", change.From.String(),
		"to", change.To.String(),
	)
	c.states.Publish(stateTopic, change)
}

func (c *Channel) stopTimersLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
}

// handleDrop tears down connection gen after an unexpected failure and
// schedules a reconnect. Stale generations are ignored.
func (c *Channel) handleDrop(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.connGen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	c.connGen++
	change := c.scheduleRetryLocked(cause)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.log.Warn("Push channel dropped",
		"error", cause,
		"next_state", change.To.String(),
		"retry_in", change.Delay,
	)
	c.publish(change)
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}

		c.mu.Lock()
		if gen != c.connGen {
			c.mu.Unlock()
			return
		}
		c.lastRead = c.clock.Now()
		c.mu.Unlock()

		frame, err := model.DecodeFrame(data)
		if err != nil {
			c.log.Warn("Dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		c.frames.Publish(frame.Type, frame)
	}
}

func (c *Channel) armHeartbeatLocked(gen uint64) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeatTimer = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.heartbeat(gen) })
}

func (c *Channel) heartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.connGen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	if c.clock.Now().Sub(c.lastRead) >= 2*c.cfg.HeartbeatInterval {
		c.mu.Unlock()
		c.handleDrop(gen, ErrHeartbeatTimeout)
		return
	}
	c.armHeartbeatLocked(gen)
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, model.ControlFrame(model.FramePing, "", c.clock.Now())); err != nil {
		c.handleDrop(gen, err)
	}
}

func (c *Channel) write(conn Conn, frame model.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(data)
}
