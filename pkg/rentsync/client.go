// Package rentsync is the client entry point: it keeps a live view of vehicle
// availability, checks date ranges and negotiates short holds with the
// backend. A Client is an explicit, owned handle; create one per session.
package rentsync

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"rentsync/internal/availability"
	"rentsync/internal/conflict"
	"rentsync/internal/lock"
	"rentsync/internal/selector"
	"rentsync/internal/transport"
	"rentsync/pkg/client"
	"rentsync/pkg/clock"
	"rentsync/pkg/config"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/event"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
)

var ErrRealtimeDisabled = errors.New("realtime updates are disabled")

type Client struct {
	cfg     *config.Config
	log     *logger.Logger
	clock   clock.Clock
	backend Backend
	dialer  Dialer
	store   LockStore

	channel *transport.Channel
	cache   *availability.Cache
	checker *conflict.Checker
	locks   *lock.Manager

	mu      sync.Mutex
	started bool
}

func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, apperrors.InvalidInput("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}

	c := &Client{cfg: cfg, log: cfg.Log}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Discard()
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.backend == nil {
		c.backend = client.NewAvailabilityClient(cfg.BackendURL, cfg.RequestTimeout).WithSession(cfg.SessionID)
	}
	if c.store == nil && cfg.LockStatePath != "" {
		c.store = lock.NewFileStore(cfg.LockStatePath)
	}

	var channel availability.Channel
	if cfg.RealtimeEnabled {
		if c.dialer == nil {
			ws := transport.NewWebsocketDialer(cfg.PushURL)
			ws.Header = http.Header{model.SessionHeader: []string{cfg.SessionID}}
			c.dialer = ws
		}
		c.channel = transport.NewChannel(transport.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			InitialDelay:      cfg.ReconnectInitialDelay,
			MaxDelay:          cfg.ReconnectMaxDelay,
			MaxAttempts:       cfg.ReconnectMaxAttempts,
			DialTimeout:       transport.DefaultConfig().DialTimeout,
		}, c.dialer, c.clock, c.log)
		channel = c.channel
	}

	c.cache = availability.NewCache(availability.Config{
		FetchTimeout:    cfg.RequestTimeout,
		PollInterval:    cfg.PollInterval,
		RealtimeEnabled: cfg.RealtimeEnabled,
	}, c.backend, channel, c.clock, c.log)
	c.checker = conflict.NewChecker(c.backend, cfg.RequestTimeout, c.log)

	c.locks = lock.NewManager(lock.Config{
		SessionID: cfg.SessionID,
		Timeout:   cfg.RequestTimeout,
	}, c.backend, c.store, c.clock, c.log)

	return c, nil
}

// Start wires the cache to the push channel, opens the channel and releases
// holds a previous process left behind. A failed first dial is not fatal: the
// channel keeps retrying and the cache polls meanwhile.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.cache.Start(context.WithoutCancel(ctx))

	if c.channel != nil {
		if err := c.channel.Connect(ctx); err != nil {
			c.log.Warn("Push channel not connected yet, retrying in background", "error", err)
		}
	}

	if err := c.locks.RecoverStale(ctx); err != nil {
		c.log.Warn("Could not recover persisted locks", "error", err)
	}

	c.log.Info("Client started",
		"session_id", c.cfg.SessionID,
		"realtime", c.channel != nil,
	)
	return nil
}

// Close releases every held lock, stops the cache and closes the channel.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.mu.Unlock()

	err := c.locks.Close(ctx)
	c.cache.Stop()
	if c.channel != nil {
		c.channel.Disconnect()
	}
	c.log.Info("Client closed", "session_id", c.cfg.SessionID)
	return err
}

// Subscribe starts tracking resourceID and returns its current state. Calls
// are reference counted; pair each one with Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, resourceID string) (model.AvailabilityState, error) {
	_, state, err := c.cache.Subscribe(ctx, resourceID)
	return state, err
}

func (c *Client) Unsubscribe(resourceID string) {
	c.cache.Unsubscribe(resourceID)
}

// GetAvailability serves the cached entry of a subscribed resource that is
// still being kept up to date and fetches otherwise.
func (c *Client) GetAvailability(ctx context.Context, resourceID string) (model.AvailabilityState, error) {
	if state, ok := c.cache.Current(resourceID); ok {
		return state, nil
	}
	return c.cache.Fetch(ctx, resourceID)
}

// CheckRange asks the backend directly. It fails closed.
func (c *Client) CheckRange(ctx context.Context, resourceID string, r model.DateRange) (model.CheckResult, error) {
	return c.checker.Check(ctx, resourceID, r)
}

func (c *Client) AcquireLock(ctx context.Context, resourceID string, r model.DateRange) (model.LockHandle, error) {
	return c.locks.Acquire(ctx, resourceID, r)
}

// ReleaseLock releases handle, or the last acquired hold when handle is nil.
// It never fails on network errors; the server TTL frees the hold.
func (c *Client) ReleaseLock(ctx context.Context, handle *model.LockHandle) error {
	return c.locks.Release(ctx, handle)
}

// ReleaseLockByID releases a hold known only by its server id.
func (c *Client) ReleaseLockByID(ctx context.Context, lockID string) error {
	return c.locks.ReleaseByID(ctx, lockID)
}

// HeldLock reports the active hold on resourceID, if any.
func (c *Client) HeldLock(resourceID string) (model.LockHandle, bool) {
	return c.locks.Held(resourceID)
}

// OnAvailabilityChanged registers handler for resourceID, or for every
// resource when resourceID is empty.
func (c *Client) OnAvailabilityChanged(resourceID string, handler func(model.AvailabilityState)) *event.Subscription {
	return c.cache.OnChanged(resourceID, handler)
}

func (c *Client) OnLockExpired(handler func(model.LockHandle)) *event.Subscription {
	return c.locks.OnExpired(handler)
}

// OnConnectionStateChange is a no-op subscription when realtime is disabled.
func (c *Client) OnConnectionStateChange(handler func(StateChange)) *event.Subscription {
	if c.channel == nil {
		return event.Func(func() {})
	}
	return c.channel.OnStateChange(handler)
}

func (c *Client) NewRangeSelector(resourceID string) *RangeSelector {
	return selector.New(resourceID, selector.Config{
		MinDays: c.cfg.MinRentalDays,
		MaxDays: c.cfg.MaxRentalDays,
	}, c.checker, c.log)
}

// MarkedDates is every date sel's calendar should grey out.
func (c *Client) MarkedDates(sel *RangeSelector) []model.Date {
	return sel.MarkedDates(c.cache)
}

func (c *Client) ConnectionState() ConnectionState {
	if c.channel == nil {
		return Disconnected
	}
	return c.channel.State()
}

// Reconnect starts a fresh connection cycle, typically after the channel
// gave up and became Unavailable.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.channel == nil {
		return ErrRealtimeDisabled
	}
	return c.channel.Connect(ctx)
}
