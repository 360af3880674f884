package model

import "time"

// LockRequest is the body of an acquire call. ReplacesLockID names a hold of
// the same session that the new grant supersedes; it is freed only when the
// new range is granted.
type LockRequest struct {
	DateRange
	SessionID      string `json:"session_id" validate:"required,max=128"`
	ReplacesLockID string `json:"replaces_lock_id,omitempty" validate:"omitempty,max=64"`
}

// LockGrant is the backend's answer to a successful acquire.
type LockGrant struct {
	LockID     string `json:"lock_id"`
	ResourceID string `json:"resource_id"`
	DateRange
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int64     `json:"ttl_seconds,omitempty"`
}

// LockHandle is the client's record of a granted hold. ExpiresAt is the only
// local authority on validity once the handle exists.
type LockHandle struct {
	LockID     string    `json:"lock_id"`
	ResourceID string    `json:"resource_id"`
	Range      DateRange `json:"range"`
	ExpiresAt  time.Time `json:"expires_at"`
	AcquiredAt time.Time `json:"acquired_at"`

	// Seq is a session-local generation number. Two handles with the same
	// LockID but different Seq are different holds.
	Seq uint64 `json:"seq"`
}

func (h LockHandle) ExpiredAt(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

func (h LockHandle) Remaining(now time.Time) time.Duration {
	if h.ExpiredAt(now) {
		return 0
	}
	return h.ExpiresAt.Sub(now)
}

// RangeLock is the backend's view of a hold. It generalizes an advisory
// booking lock from a single slot to a range of days.
type RangeLock struct {
	LockID     string    `json:"lock_id" bson:"lock_id"`
	ResourceID string    `json:"resource_id" bson:"resource_id"`
	SessionID  string    `json:"session_id" bson:"session_id"`
	Range      DateRange `json:"range" bson:"-"`
	ExpiresAt  time.Time `json:"expires_at" bson:"expires_at"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

func (l RangeLock) ActiveAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// LockEvent is the payload of lock.* push frames.
type LockEvent struct {
	LockID     string `json:"lock_id"`
	ResourceID string `json:"resource_id"`
	DateRange
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}
