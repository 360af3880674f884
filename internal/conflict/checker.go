// Package conflict asks the backend whether a date range can be rented. It
// never reads or writes the availability cache.
package conflict

import (
	"context"
	"time"

	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
)

const opCheck = "check range"

type Backend interface {
	CheckRange(ctx context.Context, resourceID string, r model.DateRange) (model.CheckResult, error)
}

type Checker struct {
	backend Backend
	timeout time.Duration
	log     *logger.Logger
}

func NewChecker(backend Backend, timeout time.Duration, log *logger.Logger) *Checker {
	if log == nil {
		log = logger.Discard()
	}
	return &Checker{
		backend: backend,
		timeout: timeout,
		log:     log.Component("conflict"),
	}
}

// Check is fail-closed: when the backend cannot be reached the result is a
// transport error, never an "available" answer.
func (c *Checker) Check(ctx context.Context, resourceID string, r model.DateRange) (model.CheckResult, error) {
	if err := validate(resourceID, r); err != nil {
		return model.CheckResult{}, err
	}

	checkCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	result, err := c.backend.CheckRange(checkCtx, resourceID, r)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.CheckResult{}, ctxErr
	}
	if err != nil {
		if apperrors.IsAppError(err) && !apperrors.IsTransport(err) {
			return model.CheckResult{}, err
		}
		return model.CheckResult{}, asTransport(err)
	}

	result.Conflicts = model.MergeConflicts(r, result.Conflicts)
	if len(result.Conflicts) > 0 {
		result.Available = false
	}
	return result, nil
}

// CheckInformational is the fail-open variant for hints that must not block
// the caller. A failed check reports the range as available and Degraded.
func (c *Checker) CheckInformational(ctx context.Context, resourceID string, r model.DateRange) model.CheckResult {
	result, err := c.Check(ctx, resourceID, r)
	if err != nil {
		c.log.Warn("Informational range check failed, assuming available",
			"resource_id", resourceID,
			"range", r.String(),
			"error", err,
		)
		return model.CheckResult{Available: true, Conflicts: []model.ConflictRange{}, Degraded: true}
	}
	return result
}

// AsError converts an unavailable result into a conflict error carrying the
// conflicting ranges. It returns nil for an available result.
func AsError(resourceID string, result model.CheckResult) error {
	if result.Available && len(result.Conflicts) == 0 {
		return nil
	}
	return apperrors.RangeConflict(resourceID, result.Conflicts)
}

func validate(resourceID string, r model.DateRange) error {
	if resourceID == "" {
		return apperrors.Validation("resource id is required", nil)
	}
	if err := r.Validate(); err != nil {
		return apperrors.Validation(err.Error(), map[string]any{
			"start_date": r.Start.String(),
			"end_date":   r.End.String(),
		})
	}
	return nil
}

func asTransport(err error) error {
	if apperrors.IsTransport(err) {
		return err
	}
	return apperrors.Transport(opCheck, err)
}
