package repository

import (
	"context"
	"time"

	"rentsync/pkg/model"
)

const (
	ResourcesCollection = "Resources"
	LocksCollection     = "Range_locks"
	SlotsCollection     = "Lock_slots"
)

type ResourceRepository interface {
	// Get returns ErrNotFound for a resource that was never written.
	Get(ctx context.Context, id string) (*model.Resource, error)
	// Upsert writes status and booked dates. The version is left alone.
	Upsert(ctx context.Context, resource *model.Resource) error
	// BumpVersion increments the resource version, creating the record if
	// needed, and returns the new value.
	BumpVersion(ctx context.Context, id string, at time.Time) (int64, error)
}

type LockRepository interface {
	// Create stores lock, or returns ErrLockHeld when any of its days is
	// covered by a lock still active at lock.CreatedAt.
	Create(ctx context.Context, lock *model.RangeLock) error
	// Replace stores lock and removes oldLockID in one step. Days held by
	// oldLockID do not count as taken. On ErrLockHeld the old lock is kept;
	// an old lock that is already gone is not an error.
	Replace(ctx context.Context, oldLockID string, lock *model.RangeLock) error
	FindActive(ctx context.Context, resourceID string, now time.Time) ([]*model.RangeLock, error)
	FindByID(ctx context.Context, lockID string) (*model.RangeLock, error)
	// Delete returns ErrLockNotFound when the lock is already gone.
	Delete(ctx context.Context, lockID string) error
	// DeleteExpired removes and returns every lock expired at now.
	DeleteExpired(ctx context.Context, now time.Time) ([]*model.RangeLock, error)
}
