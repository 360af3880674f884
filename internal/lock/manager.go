// Package lock negotiates short-lived exclusive holds on date ranges. The
// backend decides who gets a hold; once granted, validity is judged from the
// local clock alone.
package lock

import (
	"context"
	"errors"
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
	opAcquire = "acquire lock"

	expiredTopic = "expired"
)

var errNoExpiry = errors.New("lock grant carries no expiry")

type Backend interface {
	AcquireLock(ctx context.Context, resourceID string, req model.LockRequest) (model.LockGrant, error)
	ReleaseLock(ctx context.Context, lockID string) error
}

// Store persists the last known handles so a relaunched process can free
// them early.
type Store interface {
	Save(handles []model.LockHandle) error
	Load() ([]model.LockHandle, error)
}

type Config struct {
	SessionID string
	// TTL caps the local validity of a hold. Zero trusts the server's expiry.
	TTL     time.Duration
	Timeout time.Duration
}

type heldLock struct {
	handle       model.LockHandle
	serverExpiry time.Time
	timer        clock.Timer
}

type Manager struct {
	cfg     Config
	backend Backend
	clock   clock.Clock
	store   Store
	log     *logger.Logger

	mu       sync.Mutex
	held     map[string]*heldLock
	inflight map[string]bool
	last     *model.LockHandle
	seq      uint64
	snapSeq  uint64

	persistMu    sync.Mutex
	persistedSeq uint64

	expired *event.Bus[model.LockHandle]
}

func NewManager(cfg Config, backend Backend, store Store, clk clock.Clock, log *logger.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Discard()
	}
	log = log.Component("lock")

	return &Manager{
		cfg:      cfg,
		backend:  backend,
		clock:    clk,
		store:    store,
		log:      log,
		held:     make(map[string]*heldLock),
		inflight: make(map[string]bool),
		expired:  event.NewBus[model.LockHandle](log),
	}
}

// Acquire requests a hold on r. At most one acquire per resource may be in
// flight; a concurrent call fails immediately with LOCK_IN_PROGRESS. A hold
// already kept on the resource is handed to the backend as the one being
// replaced, and dropped locally only once the new grant arrives. Any failure
// leaves local state untouched.
func (m *Manager) Acquire(ctx context.Context, resourceID string, r model.DateRange) (model.LockHandle, error) {
	if resourceID == "" {
		return model.LockHandle{}, apperrors.Validation("resource id is required", nil)
	}
	if err := r.Validate(); err != nil {
		return model.LockHandle{}, apperrors.Validation(err.Error(), map[string]any{
			"start_date": r.Start.String(),
			"end_date":   r.End.String(),
		})
	}

	m.mu.Lock()
	if m.inflight[resourceID] {
		m.mu.Unlock()
		return model.LockHandle{}, apperrors.LockInProgress(resourceID)
	}
	now := m.clock.Now()
	current := m.held[resourceID]
	if current != nil && current.handle.Range.Equal(r) && !current.handle.ExpiredAt(now) {
		handle := current.handle
		m.mu.Unlock()
		return handle, nil
	}
	m.inflight[resourceID] = true
	var replaces string
	if current != nil {
		replaces = current.handle.LockID
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, resourceID)
		m.mu.Unlock()
	}()

	grant, err := m.requestGrant(ctx, resourceID, r, replaces)
	if err != nil {
		return model.LockHandle{}, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		m.log.Info("Caller gone before grant arrived, releasing", "lock_id", grant.LockID)
		m.dropSuperseded(resourceID, current)
		m.releaseDetached(grant.LockID)
		return model.LockHandle{}, ctxErr
	}

	now = m.clock.Now()
	expiresAt := grant.ExpiresAt
	if m.cfg.TTL > 0 {
		if capped := now.Add(m.cfg.TTL); expiresAt.IsZero() || capped.Before(expiresAt) {
			expiresAt = capped
		}
	}
	if expiresAt.IsZero() {
		m.dropSuperseded(resourceID, current)
		m.releaseDetached(grant.LockID)
		return model.LockHandle{}, apperrors.Transport(opAcquire, errNoExpiry)
	}
	if !now.Before(expiresAt) {
		m.dropSuperseded(resourceID, current)
		m.releaseDetached(grant.LockID)
		return model.LockHandle{}, apperrors.LockExpired(grant.LockID)
	}

	m.mu.Lock()
	if prev := m.held[resourceID]; prev != nil {
		m.detachLocked(resourceID, prev)
	}
	m.seq++
	handle := model.LockHandle{
		LockID:     grant.LockID,
		ResourceID: resourceID,
		Range:      r,
		ExpiresAt:  expiresAt,
		AcquiredAt: now,
		Seq:        m.seq,
	}
	h := &heldLock{handle: handle, serverExpiry: grant.ExpiresAt}
	seq := handle.Seq
	h.timer = m.clock.AfterFunc(expiresAt.Sub(now), func() { m.expire(resourceID, seq) })
	m.held[resourceID] = h
	last := handle
	m.last = &last
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.log.Info("Lock acquired",
		"lock_id", handle.LockID,
		"resource_id", resourceID,
		"range", r.String(),
		"replaces", replaces,
		"expires_at", handle.ExpiresAt,
	)
	return handle, nil
}

// dropSuperseded forgets a hold the backend already freed while granting its
// replacement.
func (m *Manager) dropSuperseded(resourceID string, superseded *heldLock) {
	if superseded == nil {
		return
	}
	m.mu.Lock()
	if m.held[resourceID] != superseded {
		m.mu.Unlock()
		return
	}
	m.detachLocked(resourceID, superseded)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.persist(snap)
}

// requestGrant classifies backend failures. Refusals and every other coded
// backend answer pass through unchanged; anything else is a transport error.
func (m *Manager) requestGrant(ctx context.Context, resourceID string, r model.DateRange, replaces string) (model.LockGrant, error) {
	acquireCtx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	grant, err := m.backend.AcquireLock(acquireCtx, resourceID, model.LockRequest{
		DateRange:      r,
		SessionID:      m.cfg.SessionID,
		ReplacesLockID: replaces,
	})
	if err == nil {
		return grant, nil
	}

	switch {
	case apperrors.IsLockUnavailable(err), apperrors.IsValidation(err), apperrors.IsConflict(err):
		m.log.Info("Lock refused", "resource_id", resourceID, "range", r.String(), "error", err)
		return model.LockGrant{}, err
	case apperrors.IsAppError(err):
		return model.LockGrant{}, err
	}
	return model.LockGrant{}, apperrors.Transport(opAcquire, err)
}

// Release drops a hold. A nil handle means the most recently acquired one.
// The handle must match both lock id and generation, so a stale handle never
// frees a later hold that reuses its id. Release is fail-open: the local hold
// is gone before the backend is asked, and backend errors are only logged.
func (m *Manager) Release(ctx context.Context, handle *model.LockHandle) error {
	m.mu.Lock()
	if handle == nil {
		if m.last == nil {
			m.mu.Unlock()
			return nil
		}
		handle = m.last
	}
	target := *handle
	h := m.held[target.ResourceID]
	if h == nil || h.handle.LockID != target.LockID || h.handle.Seq != target.Seq {
		m.mu.Unlock()
		return nil
	}
	m.detachLocked(target.ResourceID, h)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.releaseRemote(ctx, h.handle)
	return nil
}

// ReleaseByID frees a hold known only by id, typically one persisted by an
// earlier process.
func (m *Manager) ReleaseByID(ctx context.Context, lockID string) error {
	if lockID == "" {
		return nil
	}

	m.mu.Lock()
	for resourceID, h := range m.held {
		if h.handle.LockID == lockID {
			m.detachLocked(resourceID, h)
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.persist(snap)
			m.releaseRemote(ctx, h.handle)
			return nil
		}
	}
	m.mu.Unlock()

	m.releaseRemote(ctx, model.LockHandle{LockID: lockID})
	return nil
}

// Held returns the live hold on resourceID, if any.
func (m *Manager) Held(resourceID string) (model.LockHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[resourceID]
	if !ok || h.handle.ExpiredAt(m.clock.Now()) {
		return model.LockHandle{}, false
	}
	return h.handle, true
}

// Valid reports whether handle is still the live hold for its resource.
func (m *Manager) Valid(handle model.LockHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[handle.ResourceID]
	if !ok || h.handle.LockID != handle.LockID || h.handle.Seq != handle.Seq {
		return false
	}
	return !handle.ExpiredAt(m.clock.Now())
}

func (m *Manager) Handles() []model.LockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlesLocked()
}

// OnExpired registers handler for holds that ran out locally.
func (m *Manager) OnExpired(handler func(model.LockHandle)) *event.Subscription {
	return m.expired.Subscribe(expiredTopic, handler)
}

// RecoverStale releases, best effort, every hold a previous process
// persisted, then rewrites the store with the current holds.
func (m *Manager) RecoverStale(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	persisted, err := m.store.Load()
	if err != nil {
		return err
	}

	live := make(map[string]bool)
	for _, h := range m.Handles() {
		live[h.LockID] = true
	}
	for _, h := range persisted {
		if live[h.LockID] {
			continue
		}
		m.log.Info("Releasing lock left by a previous session", "lock_id", h.LockID, "resource_id", h.ResourceID)
		m.releaseRemote(ctx, h)
	}

	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.persist(snap)
	return nil
}

// Close releases every hold.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	var released []model.LockHandle
	for resourceID, h := range m.held {
		released = append(released, h.handle)
		m.detachLocked(resourceID, h)
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	for _, h := range released {
		m.releaseRemote(ctx, h)
	}
	m.persist(snap)
	return nil
}

func (m *Manager) expire(resourceID string, seq uint64) {
	m.mu.Lock()
	h, ok := m.held[resourceID]
	if !ok || h.handle.Seq != seq {
		m.mu.Unlock()
		return
	}
	m.detachLocked(resourceID, h)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(snap)
	m.log.Info("Lock expired", "lock_id", h.handle.LockID, "resource_id", resourceID)

	if h.serverExpiry.After(h.handle.ExpiresAt) {
		go m.releaseDetached(h.handle.LockID)
	}
	m.expired.Publish(expiredTopic, h.handle)
}

func (m *Manager) detachLocked(resourceID string, h *heldLock) {
	if h.timer != nil {
		h.timer.Stop()
	}
	delete(m.held, resourceID)
	if m.last != nil && m.last.LockID == h.handle.LockID && m.last.Seq == h.handle.Seq {
		m.last = nil
	}
}

func (m *Manager) handlesLocked() []model.LockHandle {
	out := make([]model.LockHandle, 0, len(m.held))
	for _, h := range m.held {
		out = append(out, h.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *Manager) releaseRemote(ctx context.Context, handle model.LockHandle) {
	releaseCtx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		releaseCtx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	if err := m.backend.ReleaseLock(releaseCtx, handle.LockID); err != nil {
		m.log.Warn("Lock release failed, server expiry will free it",
			"lock_id", handle.LockID,
			"resource_id", handle.ResourceID,
			"error", err,
		)
		return
	}
	m.log.Debug("Lock released", "lock_id", handle.LockID, "resource_id", handle.ResourceID)
}

// releaseDetached frees a grant the caller will never see, independent of
// the caller's context.
func (m *Manager) releaseDetached(lockID string) {
	m.releaseRemote(context.Background(), model.LockHandle{LockID: lockID})
}

// snapshot is the handle set at one point in time. seq orders snapshots so a
// slow writer never overwrites a newer set on disk.
type snapshot struct {
	seq     uint64
	handles []model.LockHandle
}

func (m *Manager) snapshotLocked() snapshot {
	m.snapSeq++
	return snapshot{seq: m.snapSeq, handles: m.handlesLocked()}
}

func (m *Manager) persist(snap snapshot) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if snap.seq <= m.persistedSeq {
		return
	}
	m.persistedSeq = snap.seq
	if err := m.store.Save(snap.handles); err != nil {
		m.log.Warn("Failed to persist lock handles", "error", err)
	}
}
