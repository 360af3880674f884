package service

import (
	"context"
	"errors"
	"sort"
	"time"

	backenderrors "rentsync/internal/backend/errors"
	"rentsync/internal/backend/repository"
	"rentsync/internal/backend/validator"
	"rentsync/pkg/clock"
	"rentsync/pkg/config"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/model"
	"rentsync/pkg/sanitizer"

	"github.com/google/uuid"
)

// Publisher delivers push frames to subscribers, locally or through a relay.
type Publisher interface {
	Publish(ctx context.Context, frame model.Frame) error
}

type PublisherFunc func(ctx context.Context, frame model.Frame) error

func (f PublisherFunc) Publish(ctx context.Context, frame model.Frame) error {
	return f(ctx, frame)
}

type AvailabilityService interface {
	Get(ctx context.Context, resourceID string) (*model.AvailabilityState, error)
	Check(ctx context.Context, resourceID, sessionID string, r model.DateRange) (*model.CheckResult, error)
	SetAvailability(ctx context.Context, resourceID string, update *model.ResourceUpdate) (*model.AvailabilityState, error)
	AcquireLock(ctx context.Context, resourceID string, req *model.LockRequest) (*model.LockGrant, error)
	ReleaseLock(ctx context.Context, lockID string) error
	SweepExpired(ctx context.Context) (int, error)
}

type availabilityService struct {
	resources repository.ResourceRepository
	locks     repository.LockRepository
	validator *validator.AvailabilityValidator
	publisher Publisher
	clock     clock.Clock
	cfg       *config.Config
	guard     resourceGuard
}

func NewAvailabilityService(
	resources repository.ResourceRepository,
	locks repository.LockRepository,
	validator *validator.AvailabilityValidator,
	publisher Publisher,
	clk clock.Clock,
	cfg *config.Config,
) AvailabilityService {
	if publisher == nil {
		publisher = PublisherFunc(func(context.Context, model.Frame) error { return nil })
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &availabilityService{
		resources: resources,
		locks:     locks,
		validator: validator,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
	}
}

// Get serves the current state. A resource the backend has never seen is
// reported as active with nothing booked.
func (s *availabilityService) Get(ctx context.Context, resourceID string) (*model.AvailabilityState, error) {
	if err := s.validateResourceID(resourceID); err != nil {
		return nil, err
	}

	res, locks, err := s.load(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return s.stateOf(res, locks), nil
}

// Check reports the parts of r that are booked or held by a session other
// than sessionID.
func (s *availabilityService) Check(ctx context.Context, resourceID, sessionID string, r model.DateRange) (*model.CheckResult, error) {
	if err := s.validateResourceID(resourceID); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateRange(r); err != nil {
		return nil, s.validationError(err)
	}

	res, locks, err := s.load(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	conflicts := model.ConflictsFromDates(r, res.BookedDates, model.ReasonBooked)
	for _, l := range locks {
		if sessionID != "" && l.SessionID == sessionID {
			continue
		}
		if clipped, ok := l.Range.Clip(r); ok {
			conflicts = append(conflicts, model.ConflictRange{
				Start:  clipped.Start,
				End:    clipped.End,
				Reason: model.ReasonLocked,
			})
		}
	}
	conflicts = model.MergeConflicts(r, conflicts)

	s.cfg.Log.Debug("Range checked",
		"resource_id", resourceID,
		"range", r.String(),
		"conflicts", len(conflicts),
	)
	return &model.CheckResult{
		Available: res.Status == model.StatusActive && len(conflicts) == 0,
		Conflicts: conflicts,
	}, nil
}

func (s *availabilityService) SetAvailability(ctx context.Context, resourceID string, update *model.ResourceUpdate) (*model.AvailabilityState, error) {
	if err := s.validateResourceID(resourceID); err != nil {
		return nil, err
	}
	if update == nil {
		return nil, apperrors.InvalidInput("update body is required")
	}
	update.Status = sanitizer.SanitizeStatusPtr(update.Status)
	if err := s.validator.ValidateUpdate(update); err != nil {
		return nil, s.validationError(err)
	}

	unlock := s.guard.lock(resourceID)
	defer unlock()

	res, locks, err := s.load(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	before := s.stateOf(res, locks)

	updated := *res
	if update.Status != nil {
		updated.Status = *update.Status
	}
	if update.BookedDates != nil {
		updated.BookedDates = model.NormalizeDates(*update.BookedDates)
	}
	if len(update.AddBooked) > 0 {
		updated.BookedDates = model.UnionDates(updated.BookedDates, update.AddBooked)
	}
	if len(update.RemoveBooked) > 0 {
		updated.BookedDates = model.SubtractDates(updated.BookedDates, update.RemoveBooked)
	}
	updated.UpdatedAt = s.clock.Now().UTC()

	if err := s.resources.Upsert(ctx, &updated); err != nil {
		s.cfg.Log.Error("Failed to update resource",
			"resource_id", resourceID,
			"error", err,
		)
		return nil, apperrors.Internal("Failed to update availability", err)
	}

	after := s.commit(ctx, before, &updated, locks)
	s.cfg.Log.Info("Availability updated",
		"resource_id", resourceID,
		"status", after.Status,
		"unavailable_dates", len(after.UnavailableDates),
		"version", after.Version,
	)
	return after, nil
}

// AcquireLock grants an exclusive hold on the range for LockTTL. Any day
// already booked or held, by any session, makes the resource unavailable.
// When ReplacesLockID names a live hold of the same session, its days are
// not counted and it is released in the same step the new hold is stored;
// a refused request leaves it untouched.
func (s *availabilityService) AcquireLock(ctx context.Context, resourceID string, req *model.LockRequest) (*model.LockGrant, error) {
	if err := s.validateResourceID(resourceID); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.InvalidInput("lock request is required")
	}
	req.SessionID = sanitizer.SanitizeSessionID(req.SessionID)
	req.ReplacesLockID = sanitizer.SanitizeLockID(req.ReplacesLockID)
	if err := s.validator.ValidateLockRequest(req); err != nil {
		return nil, s.validationError(err)
	}

	unlock := s.guard.lock(resourceID)
	defer unlock()

	res, locks, err := s.load(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	replaced, err := s.replacedLock(req, locks)
	if err != nil {
		return nil, err
	}
	if res.Status != model.StatusActive {
		return nil, apperrors.LockUnavailable(resourceID, res.Status, nil)
	}
	if booked := model.ConflictsFromDates(req.DateRange, res.BookedDates, model.ReasonBooked); len(booked) > 0 {
		return nil, apperrors.LockUnavailable(resourceID, model.ReasonBooked, booked)
	}

	before := s.stateOf(res, locks)
	now := s.clock.Now().UTC()
	lock := &model.RangeLock{
		LockID:     uuid.NewString(),
		ResourceID: resourceID,
		SessionID:  req.SessionID,
		Range:      req.DateRange,
		ExpiresAt:  now.Add(s.cfg.LockTTL),
		CreatedAt:  now,
	}

	if replaced != nil {
		err = s.locks.Replace(ctx, replaced.LockID, lock)
	} else {
		err = s.locks.Create(ctx, lock)
	}
	if err != nil {
		if errors.Is(err, backenderrors.ErrLockHeld) {
			held := s.heldConflicts(ctx, resourceID, req.DateRange, now, req.ReplacesLockID)
			s.cfg.Log.Info("Lock refused, range already held",
				"resource_id", resourceID,
				"session_id", req.SessionID,
				"range", req.DateRange.String(),
			)
			return nil, apperrors.LockUnavailable(resourceID, model.ReasonLocked, held)
		}
		s.cfg.Log.Error("Failed to create lock",
			"resource_id", resourceID,
			"error", err,
		)
		return nil, apperrors.Internal("Failed to acquire lock", err)
	}

	remaining := locks
	if replaced != nil {
		remaining = withoutLock(locks, replaced.LockID)
		s.publish(ctx, model.EventLockReleased, resourceID, lockEvent(replaced))
	}
	s.publish(ctx, model.EventLockAcquired, resourceID, lockEvent(lock))
	s.commit(ctx, before, res, append(remaining, lock))

	s.cfg.Log.Info("Lock acquired",
		"lock_id", lock.LockID,
		"resource_id", resourceID,
		"session_id", req.SessionID,
		"range", req.DateRange.String(),
		"replaces", req.ReplacesLockID,
		"expires_at", lock.ExpiresAt,
	)
	return &model.LockGrant{
		LockID:     lock.LockID,
		ResourceID: resourceID,
		DateRange:  lock.Range,
		ExpiresAt:  lock.ExpiresAt,
		TTLSeconds: int64(s.cfg.LockTTL / time.Second),
	}, nil
}

// replacedLock finds the live hold req supersedes. A hold that already
// expired or was released is nothing to replace; one owned by another
// session or resource is refused.
func (s *availabilityService) replacedLock(req *model.LockRequest, active []*model.RangeLock) (*model.RangeLock, error) {
	if req.ReplacesLockID == "" {
		return nil, nil
	}
	for _, l := range active {
		if l.LockID != req.ReplacesLockID {
			continue
		}
		if l.SessionID != req.SessionID {
			return nil, apperrors.Validation("lock to replace belongs to another session", map[string]any{
				"replaces_lock_id": req.ReplacesLockID,
			})
		}
		return l, nil
	}
	return nil, nil
}

// ReleaseLock frees a hold. An unknown lock is reported as not found, which
// callers treat as already released.
func (s *availabilityService) ReleaseLock(ctx context.Context, lockID string) error {
	if lockID == "" {
		return apperrors.InvalidInput("lock id is required")
	}

	lock, err := s.locks.FindByID(ctx, lockID)
	if err != nil {
		if errors.Is(err, backenderrors.ErrLockNotFound) {
			return apperrors.NotFoundWithID("Lock", lockID)
		}
		return apperrors.Internal("Failed to find lock", err)
	}

	unlock := s.guard.lock(lock.ResourceID)
	defer unlock()

	res, locks, err := s.load(ctx, lock.ResourceID)
	if err != nil {
		return err
	}
	before := s.stateOf(res, locks)

	if err := s.locks.Delete(ctx, lockID); err != nil {
		if errors.Is(err, backenderrors.ErrLockNotFound) {
			return apperrors.NotFoundWithID("Lock", lockID)
		}
		s.cfg.Log.Error("Failed to delete lock",
			"lock_id", lockID,
			"error", err,
		)
		return apperrors.Internal("Failed to release lock", err)
	}

	s.publish(ctx, model.EventLockReleased, lock.ResourceID, lockEvent(lock))
	s.commit(ctx, before, res, withoutLock(locks, lockID))

	s.cfg.Log.Info("Lock released",
		"lock_id", lockID,
		"resource_id", lock.ResourceID,
	)
	return nil
}

// SweepExpired removes every lapsed hold and announces the freed days.
func (s *availabilityService) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.locks.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		s.cfg.Log.Error("Failed to sweep expired locks", "error", err)
		if len(expired) == 0 {
			return 0, apperrors.Internal("Failed to sweep expired locks", err)
		}
	}

	byResource := make(map[string][]*model.RangeLock)
	for _, l := range expired {
		byResource[l.ResourceID] = append(byResource[l.ResourceID], l)
	}
	ids := make([]string, 0, len(byResource))
	for id := range byResource {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, resourceID := range ids {
		s.announceExpired(ctx, resourceID, byResource[resourceID])
	}

	if len(expired) > 0 {
		s.cfg.Log.Info("Expired locks swept",
			"count", len(expired),
			"resources", len(ids),
		)
	}
	return len(expired), err
}

func (s *availabilityService) announceExpired(ctx context.Context, resourceID string, expired []*model.RangeLock) {
	unlock := s.guard.lock(resourceID)
	defer unlock()

	res, locks, err := s.load(ctx, resourceID)
	if err != nil {
		s.cfg.Log.Error("Failed to load resource after sweep",
			"resource_id", resourceID,
			"error", err,
		)
		return
	}

	before := s.stateOf(res, append(append([]*model.RangeLock(nil), locks...), expired...))
	for _, l := range expired {
		s.publish(ctx, model.EventLockExpired, resourceID, lockEvent(l))
	}
	s.commit(ctx, before, res, locks)
}

// --- Helpers ---

func (s *availabilityService) load(ctx context.Context, resourceID string) (*model.Resource, []*model.RangeLock, error) {
	res, err := s.resources.Get(ctx, resourceID)
	if err != nil {
		if !errors.Is(err, backenderrors.ErrNotFound) {
			s.cfg.Log.Error("Failed to load resource",
				"resource_id", resourceID,
				"error", err,
			)
			return nil, nil, apperrors.Internal("Failed to load resource", err)
		}
		res = model.NewResource(resourceID)
	}

	locks, err := s.locks.FindActive(ctx, resourceID, s.clock.Now())
	if err != nil {
		s.cfg.Log.Error("Failed to load locks",
			"resource_id", resourceID,
			"error", err,
		)
		return nil, nil, apperrors.Internal("Failed to load locks", err)
	}
	return res, locks, nil
}

// stateOf folds booked days and every active hold into the served state.
func (s *availabilityService) stateOf(res *model.Resource, locks []*model.RangeLock) *model.AvailabilityState {
	unavailable := model.NormalizeDates(res.BookedDates)
	for _, l := range locks {
		unavailable = model.UnionDates(unavailable, l.Range.Dates())
	}

	state := &model.AvailabilityState{
		ResourceID:       res.ID,
		IsAvailable:      res.Status == model.StatusActive,
		Status:           res.Status,
		UnavailableDates: unavailable,
		Version:          res.Version,
		UpdatedAt:        res.UpdatedAt,
	}
	if state.IsAvailable {
		state.NextAvailableDate = nextAvailable(model.DateOf(s.clock.Now().UTC()), unavailable)
	}
	return state
}

// commit bumps the resource version and publishes the difference between
// before and the state built from res and locks.
func (s *availabilityService) commit(ctx context.Context, before *model.AvailabilityState, res *model.Resource, locks []*model.RangeLock) *model.AvailabilityState {
	now := s.clock.Now().UTC()
	version, err := s.resources.BumpVersion(ctx, res.ID, now)
	if err != nil {
		s.cfg.Log.Error("Failed to bump resource version, publishing unversioned patch",
			"resource_id", res.ID,
			"error", err,
		)
		version = 0
	}

	next := *res
	next.Version = version
	next.UpdatedAt = now
	after := s.stateOf(&next, locks)

	s.publish(ctx, model.EventAvailabilityUpdated, res.ID, diffStates(before, after))
	return after
}

func (s *availabilityService) publish(ctx context.Context, eventType, resourceID string, data any) {
	frame, err := model.NewFrame(eventType, resourceID, data)
	if err != nil {
		s.cfg.Log.Error("Failed to build push frame",
			"type", eventType,
			"resource_id", resourceID,
			"error", err,
		)
		return
	}
	if err := s.publisher.Publish(ctx, frame); err != nil {
		s.cfg.Log.Warn("Failed to publish push frame",
			"type", eventType,
			"resource_id", resourceID,
			"event_id", frame.EventID,
			"error", err,
		)
	}
}

func (s *availabilityService) heldConflicts(ctx context.Context, resourceID string, r model.DateRange, now time.Time, ignoreID string) []model.ConflictRange {
	locks, err := s.locks.FindActive(ctx, resourceID, now)
	if err != nil {
		s.cfg.Log.Warn("Failed to list holds for conflict details",
			"resource_id", resourceID,
			"error", err,
		)
		return nil
	}
	var conflicts []model.ConflictRange
	for _, l := range locks {
		if l.LockID == ignoreID {
			continue
		}
		if clipped, ok := l.Range.Clip(r); ok {
			conflicts = append(conflicts, model.ConflictRange{
				Start:  clipped.Start,
				End:    clipped.End,
				Reason: model.ReasonLocked,
			})
		}
	}
	return model.MergeConflicts(r, conflicts)
}

func (s *availabilityService) validateResourceID(resourceID string) error {
	if err := s.validator.ValidateResourceID(resourceID); err != nil {
		return s.validationError(err)
	}
	return nil
}

func (s *availabilityService) validationError(err error) error {
	s.cfg.Log.Warn("Request validation failed", "error", err)
	details := map[string]any{"error": err.Error()}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details["errors"] = []validator.ValidationError(verrs)
	}
	return apperrors.Validation("Request validation failed", details)
}

func diffStates(before, after *model.AvailabilityState) model.AvailabilityPatch {
	patch := model.AvailabilityPatch{
		ResourceID:   after.ResourceID,
		AddedDates:   model.SubtractDates(after.UnavailableDates, before.UnavailableDates),
		RemovedDates: model.SubtractDates(before.UnavailableDates, after.UnavailableDates),
		Version:      after.Version,
		UpdatedAt:    after.UpdatedAt,
	}
	if before.Status != after.Status {
		status := after.Status
		patch.Status = &status
	}
	if before.IsAvailable != after.IsAvailable {
		available := after.IsAvailable
		patch.IsAvailable = &available
	}
	if after.NextAvailableDate != nil && (before.NextAvailableDate == nil || !before.NextAvailableDate.Equal(*after.NextAvailableDate)) {
		next := *after.NextAvailableDate
		patch.NextAvailableDate = &next
	}
	return patch
}

func nextAvailable(from model.Date, unavailable []model.Date) *model.Date {
	for i := 0; i <= validator.MaxRangeDays; i++ {
		d := from.AddDays(i)
		if !model.ContainsDate(unavailable, d) {
			return &d
		}
	}
	return nil
}

func lockEvent(l *model.RangeLock) model.LockEvent {
	return model.LockEvent{
		LockID:     l.LockID,
		ResourceID: l.ResourceID,
		DateRange:  l.Range,
		ExpiresAt:  l.ExpiresAt,
	}
}

func withoutLock(locks []*model.RangeLock, lockID string) []*model.RangeLock {
	out := make([]*model.RangeLock, 0, len(locks))
	for _, l := range locks {
		if l.LockID != lockID {
			out = append(out, l)
		}
	}
	return out
}
