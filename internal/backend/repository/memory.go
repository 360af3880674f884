package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	backenderrors "rentsync/internal/backend/errors"
	"rentsync/pkg/model"
)

type memoryResourceRepository struct {
	mu        sync.RWMutex
	resources map[string]*model.Resource
}

func NewMemoryResourceRepository() ResourceRepository {
	return &memoryResourceRepository{resources: make(map[string]*model.Resource)}
}

func (r *memoryResourceRepository) Get(_ context.Context, id string) (*model.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[id]
	if !ok {
		return nil, backenderrors.ErrNotFound
	}
	return cloneResource(res), nil
}

func (r *memoryResourceRepository) Upsert(_ context.Context, resource *model.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneResource(resource)
	if existing, ok := r.resources[resource.ID]; ok {
		stored.Version = existing.Version
	}
	r.resources[resource.ID] = stored
	return nil
}

func (r *memoryResourceRepository) BumpVersion(_ context.Context, id string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[id]
	if !ok {
		res = model.NewResource(id)
		r.resources[id] = res
	}
	res.Version++
	res.UpdatedAt = at
	return res.Version, nil
}

func cloneResource(res *model.Resource) *model.Resource {
	out := *res
	out.BookedDates = model.NormalizeDates(res.BookedDates)
	return &out
}

type memoryLockRepository struct {
	mu    sync.Mutex
	locks map[string]*model.RangeLock
}

func NewMemoryLockRepository() LockRepository {
	return &memoryLockRepository{locks: make(map[string]*model.RangeLock)}
}

func (r *memoryLockRepository) Create(_ context.Context, lock *model.RangeLock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkFreeLocked(lock, ""); err != nil {
		return err
	}
	stored := *lock
	r.locks[lock.LockID] = &stored
	return nil
}

func (r *memoryLockRepository) Replace(_ context.Context, oldLockID string, lock *model.RangeLock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkFreeLocked(lock, oldLockID); err != nil {
		return err
	}
	delete(r.locks, oldLockID)
	stored := *lock
	r.locks[lock.LockID] = &stored
	return nil
}

func (r *memoryLockRepository) checkFreeLocked(lock *model.RangeLock, ignoreID string) error {
	for id, existing := range r.locks {
		if id == ignoreID || existing.ResourceID != lock.ResourceID || !existing.ActiveAt(lock.CreatedAt) {
			continue
		}
		if existing.Range.Overlaps(lock.Range) {
			return backenderrors.ErrLockHeld
		}
	}
	return nil
}

func (r *memoryLockRepository) FindActive(_ context.Context, resourceID string, now time.Time) ([]*model.RangeLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.RangeLock
	for _, l := range r.locks {
		if l.ResourceID == resourceID && l.ActiveAt(now) {
			copied := *l
			out = append(out, &copied)
		}
	}
	sortLocks(out)
	return out, nil
}

func (r *memoryLockRepository) FindByID(_ context.Context, lockID string) (*model.RangeLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[lockID]
	if !ok {
		return nil, backenderrors.ErrLockNotFound
	}
	copied := *l
	return &copied, nil
}

func (r *memoryLockRepository) Delete(_ context.Context, lockID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[lockID]; !ok {
		return backenderrors.ErrLockNotFound
	}
	delete(r.locks, lockID)
	return nil
}

func (r *memoryLockRepository) DeleteExpired(_ context.Context, now time.Time) ([]*model.RangeLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*model.RangeLock
	for id, l := range r.locks {
		if !l.ActiveAt(now) {
			expired = append(expired, l)
			delete(r.locks, id)
		}
	}
	sortLocks(expired)
	return expired, nil
}

func sortLocks(locks []*model.RangeLock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].Range.Start.Equal(locks[j].Range.Start) {
			return locks[i].LockID < locks[j].LockID
		}
		return locks[i].Range.Start.Before(locks[j].Range.Start)
	})
}
