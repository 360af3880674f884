package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rentsync/pkg/clock"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
)

// ──────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────

type mockBackend struct {
	mu           sync.Mutex
	acquireCalls int
	released     []string
	requests     []model.LockRequest
	acquireFunc  func(ctx context.Context, resourceID string, req model.LockRequest) (model.LockGrant, error)
	releaseFunc  func(ctx context.Context, lockID string) error
}

func (m *mockBackend) AcquireLock(ctx context.Context, resourceID string, req model.LockRequest) (model.LockGrant, error) {
	m.mu.Lock()
	m.acquireCalls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.acquireFunc(ctx, resourceID, req)
}

func (m *mockBackend) ReleaseLock(ctx context.Context, lockID string) error {
	m.mu.Lock()
	m.released = append(m.released, lockID)
	m.mu.Unlock()
	if m.releaseFunc != nil {
		return m.releaseFunc(ctx, lockID)
	}
	return nil
}

func (m *mockBackend) AcquireCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireCalls
}

func (m *mockBackend) Requests() []model.LockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LockRequest(nil), m.requests...)
}

func (m *mockBackend) Released() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.released...)
}

var start = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func grantFor(clk clock.Clock, lockID string, ttl time.Duration) func(context.Context, string, model.LockRequest) (model.LockGrant, error) {
	return func(_ context.Context, resourceID string, req model.LockRequest) (model.LockGrant, error) {
		return model.LockGrant{
			LockID:     lockID,
			ResourceID: resourceID,
			DateRange:  req.DateRange,
			ExpiresAt:  clk.Now().Add(ttl),
		}, nil
	}
}

func juneRange(from, to int) model.DateRange {
	return model.DateRange{Start: model.NewDate(2025, time.June, from), End: model.NewDate(2025, time.June, to)}
}

func newTestManager(backend Backend) (*Manager, *clock.Fake) {
	clk := clock.NewFake(start)
	cfg := Config{SessionID: "s-1", Timeout: time.Second}
	return NewManager(cfg, backend, nil, clk, logger.Discard()), clk
}

// ──────────────────────────────────────────────────────────────
// Acquire
// ──────────────────────────────────────────────────────────────

func TestAcquire_SecondConcurrentCallRejectedWithoutNetwork(t *testing.T) {
	unblock := make(chan struct{})
	entered := make(chan struct{})
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = func(ctx context.Context, resourceID string, req model.LockRequest) (model.LockGrant, error) {
		close(entered)
		<-unblock
		return grantFor(clk, "L1", 10*time.Minute)(ctx, resourceID, req)
	}

	done := make(chan error)
	go func() {
		_, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
		done <- err
	}()
	<-entered

	_, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if !apperrors.IsLockInProgress(err) {
		t.Fatalf("expected LOCK_IN_PROGRESS, got %v", err)
	}
	if backend.AcquireCalls() != 1 {
		t.Errorf("second acquire must not hit the network, got %d calls", backend.AcquireCalls())
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first acquire: %v", err)
	}
}

func TestAcquire_SameRangeReturnsExistingHandle(t *testing.T) {
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = grantFor(clk, "L1", 10*time.Minute)

	first, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first != second || backend.AcquireCalls() != 1 {
		t.Errorf("expected the existing handle without a new call, got %+v (%d calls)", second, backend.AcquireCalls())
	}
}

func TestAcquire_DifferentRangeReplacesPrevious(t *testing.T) {
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	ids := []string{"L1", "L2"}
	backend.acquireFunc = func(ctx context.Context, resourceID string, req model.LockRequest) (model.LockGrant, error) {
		id := ids[0]
		ids = ids[1:]
		return grantFor(clk, id, 10*time.Minute)(ctx, resourceID, req)
	}

	first, _ := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	second, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 8))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	requests := backend.Requests()
	if len(requests) != 2 || requests[0].ReplacesLockID != "" || requests[1].ReplacesLockID != "L1" {
		t.Errorf("second request should replace L1, got %+v", requests)
	}
	if released := backend.Released(); len(released) != 0 {
		t.Errorf("the backend frees a replaced hold itself, got releases %v", released)
	}
	if h, ok := mgr.Held("veh-1"); !ok || h.LockID != second.LockID {
		t.Errorf("expected L2 held, got %+v", h)
	}
	if mgr.Valid(first) {
		t.Error("the replaced handle must no longer be valid")
	}
}

func TestAcquire_RefusedReplacementKeepsPrevious(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "lock unavailable", err: apperrors.LockUnavailable("veh-1", model.ReasonLocked, nil)},
		{name: "booked", err: apperrors.LockUnavailable("veh-1", model.ReasonBooked, nil)},
		{name: "network", err: errors.New("connection reset")},
		{name: "rate limited", err: apperrors.RateLimited()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{}
			mgr, clk := newTestManager(backend)
			backend.acquireFunc = grantFor(clk, "L1", 10*time.Minute)

			first, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
			if err != nil {
				t.Fatalf("acquire: %v", err)
			}

			backend.acquireFunc = func(context.Context, string, model.LockRequest) (model.LockGrant, error) {
				return model.LockGrant{}, tt.err
			}
			if _, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 8)); err == nil {
				t.Fatal("expected the second acquire to fail")
			}

			if h, ok := mgr.Held("veh-1"); !ok || h != first {
				t.Errorf("original hold must survive, got %+v %v", h, ok)
			}
			if !mgr.Valid(first) {
				t.Error("original handle must stay valid")
			}
			if released := backend.Released(); len(released) != 0 {
				t.Errorf("nothing may be released on a failed acquire, got %v", released)
			}
		})
	}
}

func TestAcquire_CallerGoneAfterReplacementDropsBoth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = grantFor(clk, "L1", 10*time.Minute)
	if _, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5)); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	backend.acquireFunc = func(c context.Context, id string, req model.LockRequest) (model.LockGrant, error) {
		cancel()
		return grantFor(clk, "L2", 10*time.Minute)(c, id, req)
	}
	if _, err := mgr.Acquire(ctx, "veh-1", juneRange(1, 8)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := mgr.Held("veh-1"); ok {
		t.Error("the replaced hold is gone on the server and must not be kept")
	}
	if released := backend.Released(); len(released) != 1 || released[0] != "L2" {
		t.Errorf("expected the orphaned L2 released, got %v", released)
	}
}

func TestAcquire_FailClosed(t *testing.T) {
	conflicts := []model.ConflictRange{{Start: model.MustParseDate("2025-06-03"), End: model.MustParseDate("2025-06-03"), Reason: model.ReasonLocked}}

	tests := []struct {
		name    string
		err     error
		wantErr func(error) bool
	}{
		{
			name:    "plain network error becomes transport",
			err:     errors.New("connection reset"),
			wantErr: apperrors.IsTransport,
		},
		{
			name:    "timeout becomes transport",
			err:     context.DeadlineExceeded,
			wantErr: apperrors.IsTransport,
		},
		{
			name:    "lock unavailable passes through",
			err:     apperrors.LockUnavailable("veh-1", model.ReasonLocked, conflicts),
			wantErr: apperrors.IsLockUnavailable,
		},
		{
			name:    "rate limited keeps its code",
			err:     apperrors.RateLimited(),
			wantErr: func(err error) bool { return apperrors.HasCode(err, apperrors.CodeRateLimited) },
		},
		{
			name:    "unauthorized keeps its code",
			err:     apperrors.Unauthorized("bad signature"),
			wantErr: func(err error) bool { return apperrors.HasCode(err, apperrors.CodeUnauthorized) },
		},
		{
			name:    "not found keeps its code",
			err:     apperrors.NotFoundWithID("resource", "veh-1"),
			wantErr: func(err error) bool { return apperrors.HasCode(err, apperrors.CodeNotFound) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{acquireFunc: func(context.Context, string, model.LockRequest) (model.LockGrant, error) {
				return model.LockGrant{}, tt.err
			}}
			mgr, _ := newTestManager(backend)

			_, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
			if !tt.wantErr(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, ok := mgr.Held("veh-1"); ok {
				t.Error("failed acquire must leave no local hold")
			}
		})
	}
}

func TestAcquire_LockUnavailableCarriesConflicts(t *testing.T) {
	conflicts := []model.ConflictRange{{Start: model.MustParseDate("2025-06-03"), End: model.MustParseDate("2025-06-04"), Reason: model.ReasonBooked}}
	backend := &mockBackend{acquireFunc: func(context.Context, string, model.LockRequest) (model.LockGrant, error) {
		return model.LockGrant{}, apperrors.LockUnavailable("veh-1", model.ReasonBooked, conflicts)
	}}
	mgr, _ := newTestManager(backend)

	_, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if got := apperrors.ConflictsOf(err); len(got) != 1 || got[0].Reason != model.ReasonBooked {
		t.Errorf("expected conflicts on the error, got %v", got)
	}
}

func TestAcquire_InvalidRange(t *testing.T) {
	backend := &mockBackend{}
	mgr, _ := newTestManager(backend)

	_, err := mgr.Acquire(context.Background(), "veh-1", juneRange(5, 5))
	if !apperrors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if backend.AcquireCalls() != 0 {
		t.Error("invalid range must not reach the backend")
	}
}

func TestAcquire_CallerGoneReleasesGrant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = func(c context.Context, id string, req model.LockRequest) (model.LockGrant, error) {
		cancel()
		return grantFor(clk, "L1", 10*time.Minute)(c, id, req)
	}

	_, err := mgr.Acquire(ctx, "veh-1", juneRange(1, 5))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if released := backend.Released(); len(released) != 1 || released[0] != "L1" {
		t.Errorf("orphaned grant should be released, got %v", released)
	}
	if _, ok := mgr.Held("veh-1"); ok {
		t.Error("orphaned grant must not be held")
	}
}

func TestAcquire_AlreadyExpiredGrant(t *testing.T) {
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = grantFor(clk, "L1", -time.Second)

	_, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if !apperrors.IsLockExpired(err) {
		t.Fatalf("expected LOCK_EXPIRED, got %v", err)
	}
	if len(backend.Released()) != 1 {
		t.Error("expired grant should be released best effort")
	}
}

// ──────────────────────────────────────────────────────────────
// Expiry
// ──────────────────────────────────────────────────────────────

func TestLocalExpiry_UsesOnlyTheClock(t *testing.T) {
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = grantFor(clk, "L1", 10*time.Minute)

	var expired []model.LockHandle
	mgr.OnExpired(func(h model.LockHandle) { expired = append(expired, h) })

	handle, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clk.Advance(10*time.Minute - time.Second)
	if !mgr.Valid(handle) {
		t.Fatal("handle should still be valid one second before expiry")
	}

	clk.Advance(time.Second)
	if mgr.Valid(handle) {
		t.Error("handle must be invalid at expires_at")
	}
	if _, ok := mgr.Held("veh-1"); ok {
		t.Error("expired hold should be dropped")
	}
	if len(expired) != 1 || expired[0].LockID != "L1" {
		t.Errorf("expected one expiry notification, got %v", expired)
	}
	if len(backend.Released()) != 0 {
		t.Error("server-aligned expiry needs no release call")
	}
}

func TestLocalExpiry_TTLCap(t *testing.T) {
	backend := &mockBackend{}
	clk := clock.NewFake(start)
	mgr := NewManager(Config{SessionID: "s-1", TTL: time.Minute, Timeout: time.Second}, backend, nil, clk, logger.Discard())
	backend.acquireFunc = grantFor(clk, "L1", 10*time.Minute)

	handle, err := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !handle.ExpiresAt.Equal(start.Add(time.Minute)) {
		t.Errorf("expected local expiry capped at 1m, got %s", handle.ExpiresAt)
	}
}

// ──────────────────────────────────────────────────────────────
// Release
// ──────────────────────────────────────────────────────────────

func TestRelease_IdempotentAndNeverAffectsReusedID(t *testing.T) {
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = grantFor(clk, "L1", 10*time.Minute)

	old, _ := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if err := mgr.Release(context.Background(), &old); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mgr.Release(context.Background(), &old); err != nil {
		t.Fatalf("second release: %v", err)
	}

	fresh, _ := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if fresh.LockID != old.LockID || fresh.Seq == old.Seq {
		t.Fatalf("expected reused id with a new generation, got %+v vs %+v", fresh, old)
	}

	if err := mgr.Release(context.Background(), &old); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mgr.Valid(fresh) {
		t.Error("releasing a stale handle must not free the later hold")
	}
	if released := backend.Released(); len(released) != 1 {
		t.Errorf("expected a single network release, got %v", released)
	}
}

func TestRelease_NilMeansLastAcquired(t *testing.T) {
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = grantFor(clk, "L1", 10*time.Minute)

	_, _ = mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if err := mgr.Release(context.Background(), nil); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := mgr.Held("veh-1"); ok {
		t.Error("last hold should be released")
	}
	if err := mgr.Release(context.Background(), nil); err != nil {
		t.Errorf("release with nothing held should be nil, got %v", err)
	}
}

func TestRelease_FailOpen(t *testing.T) {
	backend := &mockBackend{releaseFunc: func(context.Context, string) error {
		return apperrors.Transport("release lock", errors.New("refused"))
	}}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = grantFor(clk, "L1", 10*time.Minute)

	handle, _ := mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	if err := mgr.Release(context.Background(), &handle); err != nil {
		t.Fatalf("release must not surface backend errors, got %v", err)
	}
	if mgr.Valid(handle) {
		t.Error("local hold must be gone even if the backend call failed")
	}
}

func TestClose_ReleasesEverything(t *testing.T) {
	backend := &mockBackend{}
	mgr, clk := newTestManager(backend)
	backend.acquireFunc = grantFor(clk, "L", 10*time.Minute)

	_, _ = mgr.Acquire(context.Background(), "veh-1", juneRange(1, 5))
	_, _ = mgr.Acquire(context.Background(), "veh-2", juneRange(1, 5))

	_ = mgr.Close(context.Background())
	if len(mgr.Handles()) != 0 || len(backend.Released()) != 2 {
		t.Errorf("expected all holds released, got handles=%v released=%v", mgr.Handles(), backend.Released())
	}
	if clk.Pending() != 0 {
		t.Errorf("expiry timers should be stopped, %d pending", clk.Pending())
	}
}

// ──────────────────────────────────────────────────────────────
// Persistence
// ──────────────────────────────────────────────────────────────

func TestFileStore_RoundTripAndRecoverStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "state.json")
	store := NewFileStore(path)

	if handles, err := store.Load(); err != nil || len(handles) != 0 {
		t.Fatalf("missing file should load empty, got %v %v", handles, err)
	}

	backend := &mockBackend{}
	clk := clock.NewFake(start)
	backend.acquireFunc = grantFor(clk, "L-old", 10*time.Minute)
	first := NewManager(Config{SessionID: "s-1"}, backend, store, clk, logger.Discard())
	if _, err := first.Acquire(context.Background(), "veh-1", juneRange(1, 5)); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	persisted, err := store.Load()
	if err != nil || len(persisted) != 1 || persisted[0].LockID != "L-old" {
		t.Fatalf("expected persisted handle, got %v %v", persisted, err)
	}

	relaunched := &mockBackend{}
	second := NewManager(Config{SessionID: "s-2"}, relaunched, store, clk, logger.Discard())
	if err := second.RecoverStale(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if released := relaunched.Released(); len(released) != 1 || released[0] != "L-old" {
		t.Errorf("expected stale lock released, got %v", released)
	}
	if persisted, _ := store.Load(); len(persisted) != 0 {
		t.Errorf("store should be cleared after recovery, got %v", persisted)
	}
}

type recordingStore struct {
	mu    sync.Mutex
	saves [][]model.LockHandle
}

func (s *recordingStore) Save(handles []model.LockHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, append([]model.LockHandle(nil), handles...))
	return nil
}

func (s *recordingStore) Load() ([]model.LockHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return nil, nil
	}
	return s.saves[len(s.saves)-1], nil
}

func (s *recordingStore) Saves() [][]model.LockHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]model.LockHandle(nil), s.saves...)
}

func TestPersist_OlderSnapshotNeverOverwritesNewer(t *testing.T) {
	store := &recordingStore{}
	mgr := NewManager(Config{SessionID: "s-1"}, &mockBackend{}, store, clock.NewFake(start), logger.Discard())

	mgr.mu.Lock()
	older := mgr.snapshotLocked()
	mgr.held["veh-1"] = &heldLock{handle: model.LockHandle{LockID: "L1", ResourceID: "veh-1", Seq: 1}}
	newer := mgr.snapshotLocked()
	mgr.mu.Unlock()

	mgr.persist(newer)
	mgr.persist(older)

	saves := store.Saves()
	if len(saves) != 1 {
		t.Fatalf("expected only the newer snapshot written, got %d writes", len(saves))
	}
	if len(saves[0]) != 1 || saves[0][0].LockID != "L1" {
		t.Errorf("expected L1 on disk, got %+v", saves[0])
	}
}

func TestPersist_ConcurrentMutationsLeaveLatestState(t *testing.T) {
	store := &recordingStore{}
	backend := &mockBackend{}
	clk := clock.NewFake(start)
	mgr := NewManager(Config{SessionID: "s-1"}, backend, store, clk, logger.Discard())
	backend.acquireFunc = func(_ context.Context, resourceID string, req model.LockRequest) (model.LockGrant, error) {
		return model.LockGrant{LockID: "L-" + resourceID, ResourceID: resourceID, DateRange: req.DateRange, ExpiresAt: clk.Now().Add(time.Hour)}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resourceID := "veh-" + string(rune('a'+i))
			if _, err := mgr.Acquire(context.Background(), resourceID, juneRange(1, 3)); err != nil {
				t.Errorf("acquire %s: %v", resourceID, err)
			}
		}(i)
	}
	wg.Wait()

	onDisk, _ := store.Load()
	if len(onDisk) != len(mgr.Handles()) {
		t.Errorf("disk holds %d handles, memory %d", len(onDisk), len(mgr.Handles()))
	}
}
