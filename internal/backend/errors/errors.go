package errors

import "errors"

var (
	ErrNotFound = errors.New("resource not found")

	ErrLockNotFound = errors.New("lock not found")

	ErrLockHeld = errors.New("range is already held by another lock")

	ErrInvalidRange = errors.New("end date must be after start date")
)
