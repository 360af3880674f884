package rentsync

import (
	"context"

	"rentsync/internal/lock"
	"rentsync/internal/selector"
	"rentsync/internal/transport"
	"rentsync/pkg/clock"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
)

type (
	Dialer          = transport.Dialer
	Conn            = transport.Conn
	ConnectionState = transport.State
	StateChange     = transport.StateChange
	LockStore       = lock.Store
	RangeSelector   = selector.Selector
	PickOutcome     = selector.Outcome
)

const (
	Disconnected = transport.Disconnected
	Connecting   = transport.Connecting
	Connected    = transport.Connected
	Backoff      = transport.Backoff
	Unavailable  = transport.Unavailable
)

// Backend is the request/response half of the backend contract.
type Backend interface {
	FetchAvailability(ctx context.Context, resourceID string) (model.AvailabilityState, error)
	CheckRange(ctx context.Context, resourceID string, r model.DateRange) (model.CheckResult, error)
	AcquireLock(ctx context.Context, resourceID string, req model.LockRequest) (model.LockGrant, error)
	ReleaseLock(ctx context.Context, lockID string) error
}

type Option func(*Client)

// WithBackend replaces the HTTP backend client.
func WithBackend(b Backend) Option {
	return func(c *Client) { c.backend = b }
}

// WithDialer replaces the websocket dialer of the push channel.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

func WithLogger(log *logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithLockStore persists held locks so a relaunch can release them early.
// It overrides LockStatePath.
func WithLockStore(s LockStore) Option {
	return func(c *Client) { c.store = s }
}
