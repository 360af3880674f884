// Package availability keeps a local, eventually consistent mirror of
// per-resource availability. Entries are written only by full fetches and by
// push patches, and every read hands out a copy.
package availability

import (
	"context"
	"errors"
	"sync"
	"time"

	"rentsync/internal/transport"
	"rentsync/pkg/clock"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/event"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
)

type Fetcher interface {
	FetchAvailability(ctx context.Context, resourceID string) (model.AvailabilityState, error)
}

// Channel is the slice of the push transport the cache depends on.
type Channel interface {
	SubscribeResource(resourceID string) error
	UnsubscribeResource(resourceID string)
	On(eventType string, handler func(model.Frame)) *event.Subscription
	OnStateChange(handler func(transport.StateChange)) *event.Subscription
	State() transport.State
}

type Config struct {
	FetchTimeout    time.Duration
	PollInterval    time.Duration
	RealtimeEnabled bool
}

func DefaultConfig() Config {
	return Config{
		FetchTimeout:    30 * time.Second,
		PollInterval:    60 * time.Second,
		RealtimeEnabled: true,
	}
}

type entry struct {
	state  model.AvailabilityState
	loaded bool
	refs   int
	// touchedSeq is the cache-wide sequence number of the last write.
	touchedSeq uint64
}

type Cache struct {
	cfg     Config
	fetcher Fetcher
	channel Channel
	clock   clock.Clock
	log     *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64

	changes *event.Bus[model.AvailabilityState]

	runCtx    context.Context
	cancelRun context.CancelFunc
	started   bool
	pollTimer clock.Timer
	subs      []*event.Subscription
	wg        sync.WaitGroup
}

// NewCache builds a cache. channel may be nil when realtime updates are not
// used; the poll fallback then keeps subscribed entries fresh.
func NewCache(cfg Config, fetcher Fetcher, channel Channel, clk clock.Clock, log *logger.Logger) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Discard()
	}
	log = log.Component("availability")

	return &Cache{
		cfg:     cfg,
		fetcher: fetcher,
		channel: channel,
		clock:   clk,
		log:     log,
		entries: make(map[string]*entry),
		changes: event.NewBus[model.AvailabilityState](log),
	}
}

// Start wires push patches and connection state into the cache and arms the
// poll fallback.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.runCtx, c.cancelRun = context.WithCancel(ctx)
	c.mu.Unlock()

	if c.channel != nil && c.cfg.RealtimeEnabled {
		c.subs = append(c.subs,
			c.channel.On(model.EventAvailabilityUpdated, c.handleFrame),
			c.channel.OnStateChange(c.handleStateChange),
		)
	}

	c.mu.Lock()
	c.armPollLocked()
	c.mu.Unlock()
}

func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
	c.cancelRun()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.wg.Wait()
}

// Fetch pulls the full state of resourceID and replaces the cached entry.
// When the backend is unreachable and an entry exists, the cached copy is
// returned marked stale instead of an error.
func (c *Cache) Fetch(ctx context.Context, resourceID string) (model.AvailabilityState, error) {
	if resourceID == "" {
		return model.AvailabilityState{}, apperrors.InvalidInput("resource id is required")
	}

	c.mu.Lock()
	c.seq++
	requestSeq := c.seq
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	fetched, err := c.fetcher.FetchAvailability(fetchCtx, resourceID)
	cancel()

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.log.Debug("Dropping fetch result, caller is gone", "resource_id", resourceID)
		return model.AvailabilityState{}, ctxErr
	}

	if err != nil {
		return c.serveStale(resourceID, err)
	}

	fetched.ResourceID = resourceID
	fetched.UnavailableDates = model.NormalizeDates(fetched.UnavailableDates)
	fetched.Stale = false

	c.mu.Lock()
	e, ok := c.entries[resourceID]
	if !ok {
		e = &entry{}
		c.entries[resourceID] = e
	}
	if e.loaded && supersededFetch(e, fetched, requestSeq) {
		out := e.state.Clone()
		c.mu.Unlock()
		c.log.Debug("Discarding superseded fetch result",
			"resource_id", resourceID,
			"fetched_version", fetched.Version,
			"cached_version", out.Version,
		)
		return out, nil
	}
	e.state = fetched
	e.loaded = true
	c.seq++
	e.touchedSeq = c.seq
	out := e.state.Clone()
	c.mu.Unlock()

	c.notify(out)
	return out, nil
}

// supersededFetch reports whether the cached entry is newer than a fetch that
// was issued at requestSeq.
func supersededFetch(e *entry, fetched model.AvailabilityState, requestSeq uint64) bool {
	if fetched.Version > 0 && e.state.Version > 0 {
		return fetched.Version < e.state.Version
	}
	return e.touchedSeq > requestSeq
}

func (c *Cache) serveStale(resourceID string, cause error) (model.AvailabilityState, error) {
	if !apperrors.IsTransport(cause) {
		return model.AvailabilityState{}, cause
	}

	c.mu.Lock()
	e, ok := c.entries[resourceID]
	if !ok || !e.loaded {
		c.mu.Unlock()
		return model.AvailabilityState{}, cause
	}
	wasStale := e.state.Stale
	e.state.Stale = true
	out := e.state.Clone()
	c.mu.Unlock()

	c.log.Warn("Backend unreachable, serving cached availability",
		"resource_id", resourceID,
		"version", out.Version,
		"error", cause,
	)
	if !wasStale {
		c.notify(out)
	}
	return out, nil
}

// ApplyPatch merges patch into an existing entry. Patches for resources that
// were never fetched and patches no newer than the cached version are
// ignored; the return value reports whether anything was applied.
func (c *Cache) ApplyPatch(resourceID string, patch model.AvailabilityPatch) bool {
	c.mu.Lock()
	e, ok := c.entries[resourceID]
	if !ok || !e.loaded {
		c.mu.Unlock()
		c.log.Debug("Ignoring patch for unknown resource", "resource_id", resourceID)
		return false
	}
	if patch.Version > 0 && patch.Version <= e.state.Version {
		cached := e.state.Version
		c.mu.Unlock()
		c.log.Debug("Ignoring out-of-order patch",
			"resource_id", resourceID,
			"patch_version", patch.Version,
			"cached_version", cached,
		)
		return false
	}
	e.state.Merge(patch)
	c.seq++
	e.touchedSeq = c.seq
	out := e.state.Clone()
	c.mu.Unlock()

	c.notify(out)
	return true
}

// Subscribe adds a reference to resourceID, opens the push subscription on
// the first reference and loads the current state. If the initial load fails
// the reference is rolled back.
func (c *Cache) Subscribe(ctx context.Context, resourceID string) (*Handle, model.AvailabilityState, error) {
	if resourceID == "" {
		return nil, model.AvailabilityState{}, apperrors.InvalidInput("resource id is required")
	}

	c.mu.Lock()
	e, ok := c.entries[resourceID]
	if !ok {
		e = &entry{}
		c.entries[resourceID] = e
	}
	e.refs++
	first := e.refs == 1
	c.mu.Unlock()

	if first && c.channel != nil {
		if err := c.channel.SubscribeResource(resourceID); err != nil {
			c.rollback(resourceID, false)
			return nil, model.AvailabilityState{}, err
		}
	}

	state, err := c.Fetch(ctx, resourceID)
	if err != nil {
		c.rollback(resourceID, first)
		return nil, model.AvailabilityState{}, err
	}
	return &Handle{cache: c, resourceID: resourceID}, state, nil
}

func (c *Cache) rollback(resourceID string, closeChannel bool) {
	c.mu.Lock()
	if e, ok := c.entries[resourceID]; ok {
		e.refs--
		if e.refs <= 0 {
			e.refs = 0
			if !e.loaded {
				delete(c.entries, resourceID)
			}
		} else {
			closeChannel = false
		}
	}
	c.mu.Unlock()

	if closeChannel && c.channel != nil {
		c.channel.UnsubscribeResource(resourceID)
	}
}

// Unsubscribe drops one reference. The last one closes the push subscription
// and leaves the entry in place, marked stale.
func (c *Cache) Unsubscribe(resourceID string) {
	c.mu.Lock()
	e, ok := c.entries[resourceID]
	if !ok || e.refs == 0 {
		c.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return
	}
	var out model.AvailabilityState
	if e.loaded {
		e.state.Stale = true
		out = e.state.Clone()
	} else {
		delete(c.entries, resourceID)
	}
	c.mu.Unlock()

	if c.channel != nil {
		c.channel.UnsubscribeResource(resourceID)
	}
	if out.ResourceID != "" {
		c.notify(out)
	}
}

// Get is a cache-only read.
func (c *Cache) Get(resourceID string) (model.AvailabilityState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[resourceID]
	if !ok || !e.loaded {
		return model.AvailabilityState{}, false
	}
	return e.state.Clone(), true
}

// Current returns an entry that push or polling keeps up to date: one with a
// live subscription that is not stale. Any other entry may be outdated.
func (c *Cache) Current(resourceID string) (model.AvailabilityState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[resourceID]
	if !ok || !e.loaded || e.refs == 0 || e.state.Stale {
		return model.AvailabilityState{}, false
	}
	return e.state.Clone(), true
}

// Subscribed lists resources with at least one live reference.
func (c *Cache) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		if e.refs > 0 {
			out = append(out, id)
		}
	}
	return out
}

// OnChanged registers handler for changes to resourceID, or to every
// resource when resourceID is empty.
func (c *Cache) OnChanged(resourceID string, handler func(model.AvailabilityState)) *event.Subscription {
	topic := resourceID
	if topic == "" {
		topic = event.Wildcard
	}
	return c.changes.Subscribe(topic, handler)
}

// Reconcile refetches every subscribed resource.
func (c *Cache) Reconcile(ctx context.Context) error {
	var errs []error
	for _, id := range c.Subscribed() {
		if _, err := c.Fetch(ctx, id); err != nil {
			c.log.Warn("Reconcile fetch failed", "resource_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) notify(state model.AvailabilityState) {
	c.changes.Publish(state.ResourceID, state)
}

func (c *Cache) handleFrame(frame model.Frame) {
	var patch model.AvailabilityPatch
	if err := frame.DecodeData(&patch); err != nil {
		c.log.Warn("Dropping undecodable availability patch",
			"resource_id", frame.ResourceID,
			"event_id", frame.EventID,
			"error", err,
		)
		return
	}
	resourceID := patch.ResourceID
	if resourceID == "" {
		resourceID = frame.ResourceID
	}
	patch.ResourceID = resourceID
	c.ApplyPatch(resourceID, patch)
}

func (c *Cache) handleStateChange(change transport.StateChange) {
	if change.From == transport.Connected && change.To != transport.Connected {
		c.markSubscribedStale()
		return
	}
	if change.To != transport.Connected {
		return
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	ctx := c.runCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_ = c.Reconcile(ctx)
	}()
}

func (c *Cache) markSubscribedStale() {
	c.mu.Lock()
	var changed []model.AvailabilityState
	for _, e := range c.entries {
		if e.refs > 0 && e.loaded && !e.state.Stale {
			e.state.Stale = true
			changed = append(changed, e.state.Clone())
		}
	}
	c.mu.Unlock()

	for _, s := range changed {
		c.notify(s)
	}
}

func (c *Cache) armPollLocked() {
	if c.cfg.PollInterval <= 0 {
		return
	}
	c.pollTimer = c.clock.AfterFunc(c.cfg.PollInterval, c.poll)
}

func (c *Cache) poll() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.armPollLocked()
	ctx := c.runCtx
	c.mu.Unlock()

	if c.needsPolling() {
		_ = c.Reconcile(ctx)
	}
}

func (c *Cache) needsPolling() bool {
	if !c.cfg.RealtimeEnabled || c.channel == nil {
		return true
	}
	return c.channel.State() != transport.Connected
}

// Handle is one caller's subscription to a resource.
type Handle struct {
	cache      *Cache
	resourceID string
	once       sync.Once
}

func (h *Handle) ResourceID() string {
	return h.resourceID
}

// Close releases the subscription. Extra calls are no-ops.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.once.Do(func() { h.cache.Unsubscribe(h.resourceID) })
}
