package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rentsync/internal/backend/repository"
	"rentsync/internal/backend/validator"
	"rentsync/pkg/clock"
	"rentsync/pkg/config"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
)

// ────────────────────────────────────────────────
// Test helpers
// ────────────────────────────────────────────────

type recordingPublisher struct {
	mu     sync.Mutex
	frames []model.Frame
}

func (p *recordingPublisher) Publish(_ context.Context, frame model.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *recordingPublisher) ofType(frameType string) []model.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Frame
	for _, f := range p.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (p *recordingPublisher) lastPatch(t *testing.T) model.AvailabilityPatch {
	t.Helper()
	frames := p.ofType(model.EventAvailabilityUpdated)
	if len(frames) == 0 {
		t.Fatal("no availability.updated frame published")
	}
	var patch model.AvailabilityPatch
	if err := frames[len(frames)-1].DecodeData(&patch); err != nil {
		t.Fatalf("failed to decode patch: %v", err)
	}
	return patch
}

type mockResourceRepository struct {
	repository.ResourceRepository
	getFunc func(ctx context.Context, id string) (*model.Resource, error)
}

func (m *mockResourceRepository) Get(ctx context.Context, id string) (*model.Resource, error) {
	return m.getFunc(ctx, id)
}

type fixture struct {
	svc   AvailabilityService
	clock *clock.Fake
	pub   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Discard()
	cfg := &config.Config{
		Log:     log,
		LockTTL: 10 * time.Minute,
	}
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	svc := NewAvailabilityService(
		repository.NewMemoryResourceRepository(),
		repository.NewMemoryLockRepository(),
		validator.NewAvailabilityValidator(log),
		pub,
		clk,
		cfg,
	)
	return &fixture{svc: svc, clock: clk, pub: pub}
}

func d(s string) model.Date { return model.MustParseDate(s) }

func rng(start, end string) model.DateRange {
	return model.DateRange{Start: d(start), End: d(end)}
}

func dates(values ...string) []model.Date {
	out := make([]model.Date, len(values))
	for i, v := range values {
		out[i] = d(v)
	}
	return out
}

func sameDates(got []model.Date, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].String() != want[i] {
			return false
		}
	}
	return true
}

// ────────────────────────────────────────────────
// Get / SetAvailability
// ────────────────────────────────────────────────

func TestGet_UnknownResourceIsImplicitlyActive(t *testing.T) {
	f := newFixture(t)

	state, err := f.svc.Get(context.Background(), "veh-404")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.IsAvailable || state.Status != model.StatusActive {
		t.Errorf("expected active state, got %+v", state)
	}
	if len(state.UnavailableDates) != 0 || state.Version != 0 {
		t.Errorf("expected empty version-0 state, got %+v", state)
	}
	if state.NextAvailableDate == nil || state.NextAvailableDate.String() != "2025-06-01" {
		t.Errorf("expected next available today, got %v", state.NextAvailableDate)
	}
}

func TestGet_InvalidResourceID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Get(context.Background(), "bad id!")
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGet_RepositoryFailure(t *testing.T) {
	log := logger.Discard()
	resources := &mockResourceRepository{getFunc: func(context.Context, string) (*model.Resource, error) {
		return nil, errors.New("connection reset")
	}}
	svc := NewAvailabilityService(resources, repository.NewMemoryLockRepository(),
		validator.NewAvailabilityValidator(log), nil, nil, &config.Config{Log: log, LockTTL: time.Minute})

	_, err := svc.Get(context.Background(), "veh-1")
	if !apperrors.HasCode(err, apperrors.CodeInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestSetAvailability_PublishesDeltaAndBumpsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booked := dates("2025-07-10", "2025-07-11")
	state, err := f.svc.SetAvailability(ctx, "veh-1", &model.ResourceUpdate{BookedDates: &booked})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Version != 1 || !sameDates(state.UnavailableDates, "2025-07-10", "2025-07-11") {
		t.Fatalf("unexpected state %+v", state)
	}

	state, err = f.svc.SetAvailability(ctx, "veh-1", &model.ResourceUpdate{
		AddBooked:    dates("2025-07-12"),
		RemoveBooked: dates("2025-07-10"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Version != 2 {
		t.Errorf("expected version 2, got %d", state.Version)
	}

	patch := f.pub.lastPatch(t)
	if patch.Version != 2 {
		t.Errorf("expected patch version 2, got %d", patch.Version)
	}
	if !sameDates(patch.AddedDates, "2025-07-12") || !sameDates(patch.RemovedDates, "2025-07-10") {
		t.Errorf("unexpected delta added=%v removed=%v", model.FormatDates(patch.AddedDates), model.FormatDates(patch.RemovedDates))
	}
	if patch.Status != nil || patch.IsAvailable != nil {
		t.Errorf("unchanged fields must be absent from the patch")
	}
}

func TestSetAvailability_StatusChange(t *testing.T) {
	f := newFixture(t)

	maintenance := model.StatusMaintenance
	state, err := f.svc.SetAvailability(context.Background(), "veh-1", &model.ResourceUpdate{Status: &maintenance})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.IsAvailable || state.NextAvailableDate != nil {
		t.Errorf("maintenance resource must not be available, got %+v", state)
	}

	patch := f.pub.lastPatch(t)
	if patch.Status == nil || *patch.Status != model.StatusMaintenance {
		t.Errorf("expected status in patch, got %v", patch.Status)
	}
	if patch.IsAvailable == nil || *patch.IsAvailable {
		t.Errorf("expected is_available=false in patch")
	}
}

func TestSetAvailability_StatusIsSanitized(t *testing.T) {
	f := newFixture(t)

	raw := "  Maintenance "
	state, err := f.svc.SetAvailability(context.Background(), "veh-1", &model.ResourceUpdate{Status: &raw})
	if err != nil {
		t.Fatalf("padded status should be accepted, got %v", err)
	}
	if state.Status != model.StatusMaintenance {
		t.Errorf("expected %q, got %q", model.StatusMaintenance, state.Status)
	}
}

func TestSetAvailability_Validation(t *testing.T) {
	tests := []struct {
		name   string
		update *model.ResourceUpdate
	}{
		{name: "empty update", update: &model.ResourceUpdate{}},
		{name: "unknown status", update: func() *model.ResourceUpdate {
			s := "parked"
			return &model.ResourceUpdate{Status: &s}
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.SetAvailability(context.Background(), "veh-1", tt.update)
			if !apperrors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

// ────────────────────────────────────────────────
// Check
// ────────────────────────────────────────────────

func TestCheck_BookedAndLockedConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	booked := dates("2025-06-03", "2025-06-04")
	if _, err := f.svc.SetAvailability(ctx, "veh-1", &model.ResourceUpdate{BookedDates: &booked}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{DateRange: rng("2025-06-08", "2025-06-12"), SessionID: "other"}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	result, err := f.svc.Check(ctx, "veh-1", "mine", rng("2025-06-01", "2025-06-10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Available || len(result.Conflicts) != 2 {
		t.Fatalf("expected two conflicts, got %+v", result)
	}
	if c := result.Conflicts[0]; c.Reason != model.ReasonBooked || c.Start.String() != "2025-06-03" || c.End.String() != "2025-06-04" {
		t.Errorf("unexpected booked conflict %+v", c)
	}
	if c := result.Conflicts[1]; c.Reason != model.ReasonLocked || c.Start.String() != "2025-06-08" || c.End.String() != "2025-06-10" {
		t.Errorf("expected locked conflict clipped to request, got %+v", c)
	}
}

func TestCheck_OwnHoldIsNotAConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{DateRange: rng("2025-06-08", "2025-06-12"), SessionID: "mine"}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	result, err := f.svc.Check(ctx, "veh-1", "mine", rng("2025-06-08", "2025-06-12"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Available || len(result.Conflicts) != 0 {
		t.Errorf("own hold must not conflict, got %+v", result)
	}
}

func TestCheck_InvalidRange(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Check(context.Background(), "veh-1", "", rng("2025-06-05", "2025-06-05"))
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// ────────────────────────────────────────────────
// AcquireLock / ReleaseLock
// ────────────────────────────────────────────────

func TestAcquireLock_GrantAndPatch(t *testing.T) {
	f := newFixture(t)

	grant, err := f.svc.AcquireLock(context.Background(), "veh-1", &model.LockRequest{
		DateRange: rng("2025-06-01", "2025-06-03"),
		SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if grant.LockID == "" || grant.TTLSeconds != 600 {
		t.Errorf("unexpected grant %+v", grant)
	}
	if !grant.ExpiresAt.Equal(f.clock.Now().Add(10 * time.Minute)) {
		t.Errorf("expected expiry one TTL from now, got %s", grant.ExpiresAt)
	}

	if len(f.pub.ofType(model.EventLockAcquired)) != 1 {
		t.Errorf("expected one lock.acquired frame")
	}
	patch := f.pub.lastPatch(t)
	if !sameDates(patch.AddedDates, "2025-06-01", "2025-06-02", "2025-06-03") {
		t.Errorf("held days must be added, got %v", model.FormatDates(patch.AddedDates))
	}
	if patch.NextAvailableDate == nil || patch.NextAvailableDate.String() != "2025-06-04" {
		t.Errorf("expected next available 2025-06-04, got %v", patch.NextAvailableDate)
	}
}

func TestAcquireLock_Refusals(t *testing.T) {
	tests := []struct {
		name       string
		seed       func(f *fixture)
		request    model.DateRange
		wantReason string
	}{
		{
			name: "booked day",
			seed: func(f *fixture) {
				booked := dates("2025-06-04")
				_, _ = f.svc.SetAvailability(context.Background(), "veh-1", &model.ResourceUpdate{BookedDates: &booked})
			},
			request:    rng("2025-06-01", "2025-06-05"),
			wantReason: model.ReasonBooked,
		},
		{
			name: "held by another session",
			seed: func(f *fixture) {
				_, _ = f.svc.AcquireLock(context.Background(), "veh-1", &model.LockRequest{DateRange: rng("2025-06-05", "2025-06-07"), SessionID: "other"})
			},
			request:    rng("2025-06-01", "2025-06-05"),
			wantReason: model.ReasonLocked,
		},
		{
			name: "maintenance",
			seed: func(f *fixture) {
				s := model.StatusMaintenance
				_, _ = f.svc.SetAvailability(context.Background(), "veh-1", &model.ResourceUpdate{Status: &s})
			},
			request:    rng("2025-06-01", "2025-06-05"),
			wantReason: model.StatusMaintenance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.seed(f)

			_, err := f.svc.AcquireLock(context.Background(), "veh-1", &model.LockRequest{DateRange: tt.request, SessionID: "mine"})
			if !apperrors.IsLockUnavailable(err) {
				t.Fatalf("expected lock unavailable, got %v", err)
			}
			if reason := apperrors.AsAppError(err).Details[apperrors.DetailReason]; reason != tt.wantReason {
				t.Errorf("expected reason %q, got %v", tt.wantReason, reason)
			}
			if tt.wantReason != model.StatusMaintenance && len(apperrors.ConflictsOf(err)) == 0 {
				t.Errorf("expected conflicting ranges in details")
			}
		})
	}
}

func TestAcquireLock_NoDoubleLockUnderConcurrency(t *testing.T) {
	f := newFixture(t)

	const sessions = 16
	var granted atomic.Int32
	var refused atomic.Int32
	var wg sync.WaitGroup
	wg.Add(sessions)

	for i := 0; i < sessions; i++ {
		go func(i int) {
			defer wg.Done()
			start := d("2025-06-01").AddDays(i % 3)
			_, err := f.svc.AcquireLock(context.Background(), "veh-1", &model.LockRequest{
				DateRange: model.DateRange{Start: start, End: start.AddDays(4)},
				SessionID: fmt.Sprintf("session-%d", i),
			})
			switch {
			case err == nil:
				granted.Add(1)
			case apperrors.IsLockUnavailable(err):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if granted.Load() != 1 {
		t.Errorf("expected exactly one grant for overlapping ranges, got %d", granted.Load())
	}
	if refused.Load() != sessions-1 {
		t.Errorf("expected %d refusals, got %d", sessions-1, refused.Load())
	}
}

func TestReleaseLock_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{DateRange: rng("2025-06-01", "2025-06-02"), SessionID: "s1"})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := f.svc.ReleaseLock(ctx, grant.LockID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	patch := f.pub.lastPatch(t)
	if !sameDates(patch.RemovedDates, "2025-06-01", "2025-06-02") {
		t.Errorf("released days must be removed, got %v", model.FormatDates(patch.RemovedDates))
	}

	err = f.svc.ReleaseLock(ctx, grant.LockID)
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Errorf("second release should report not found, got %v", err)
	}
	if len(f.pub.ofType(model.EventLockReleased)) != 1 {
		t.Errorf("expected a single lock.released frame")
	}

	if _, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{DateRange: rng("2025-06-01", "2025-06-02"), SessionID: "s2"}); err != nil {
		t.Errorf("released range should be free again: %v", err)
	}
}

func TestAcquireLock_ReplacesOwnHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{DateRange: rng("2025-06-01", "2025-06-05"), SessionID: "mine"})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	second, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{
		DateRange:      rng("2025-06-01", "2025-06-08"),
		SessionID:      "mine",
		ReplacesLockID: first.LockID,
	})
	if err != nil {
		t.Fatalf("replacement should be granted over the own hold, got %v", err)
	}
	if second.LockID == first.LockID {
		t.Fatalf("expected a new lock id")
	}

	if err := f.svc.ReleaseLock(ctx, first.LockID); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Errorf("replaced lock should be gone, got %v", err)
	}
	state, err := f.svc.Get(ctx, "veh-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sameDates(state.UnavailableDates, "2025-06-01", "2025-06-02", "2025-06-03", "2025-06-04", "2025-06-05", "2025-06-06", "2025-06-07", "2025-06-08") {
		t.Errorf("unexpected unavailable days %v", model.FormatDates(state.UnavailableDates))
	}
	if len(f.pub.ofType(model.EventLockReleased)) != 1 {
		t.Errorf("expected the replaced lock announced as released")
	}
	patch := f.pub.lastPatch(t)
	if !sameDates(patch.AddedDates, "2025-06-06", "2025-06-07", "2025-06-08") || len(patch.RemovedDates) != 0 {
		t.Errorf("expected only the extension added, got %+v", patch)
	}
}

func TestAcquireLock_RefusedReplacementKeepsOwnHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{DateRange: rng("2025-06-07", "2025-06-09"), SessionID: "other"}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	mine, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{DateRange: rng("2025-06-01", "2025-06-05"), SessionID: "mine"})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	_, err = f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{
		DateRange:      rng("2025-06-01", "2025-06-08"),
		SessionID:      "mine",
		ReplacesLockID: mine.LockID,
	})
	if !apperrors.IsLockUnavailable(err) {
		t.Fatalf("expected lock unavailable, got %v", err)
	}
	for _, c := range apperrors.ConflictsOf(err) {
		if c.Start.Before(d("2025-06-07")) {
			t.Errorf("own replaced hold must not be reported as a conflict, got %+v", c)
		}
	}

	result, err := f.svc.Check(ctx, "veh-1", "third", rng("2025-06-01", "2025-06-05"))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.Available {
		t.Error("the original hold must survive a refused replacement")
	}
	if err := f.svc.ReleaseLock(ctx, mine.LockID); err != nil {
		t.Errorf("original lock should still exist, got %v", err)
	}
}

func TestAcquireLock_CannotReplaceAnotherSessionsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	theirs, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{DateRange: rng("2025-06-01", "2025-06-05"), SessionID: "other"})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	_, err = f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{
		DateRange:      rng("2025-06-01", "2025-06-05"),
		SessionID:      "mine",
		ReplacesLockID: theirs.LockID,
	})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAcquireLock_ReplacingVanishedHoldIsPlainAcquire(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AcquireLock(context.Background(), "veh-1", &model.LockRequest{
		DateRange:      rng("2025-06-01", "2025-06-05"),
		SessionID:      "mine",
		ReplacesLockID: "expired-long-ago",
	})
	if err != nil {
		t.Fatalf("expected a grant, got %v", err)
	}
}

// ────────────────────────────────────────────────
// SweepExpired
// ────────────────────────────────────────────────

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AcquireLock(ctx, "veh-1", &model.LockRequest{DateRange: rng("2025-06-01", "2025-06-02"), SessionID: "s1"}); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if n, err := f.svc.SweepExpired(ctx); err != nil || n != 0 {
		t.Fatalf("nothing should expire yet, got %d %v", n, err)
	}

	f.clock.Advance(10 * time.Minute)

	state, err := f.svc.Get(ctx, "veh-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(state.UnavailableDates) != 0 {
		t.Errorf("expired hold must not be served, got %v", model.FormatDates(state.UnavailableDates))
	}

	n, err := f.svc.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired lock, got %d %v", n, err)
	}
	if len(f.pub.ofType(model.EventLockExpired)) != 1 {
		t.Errorf("expected a lock.expired frame")
	}
	patch := f.pub.lastPatch(t)
	if !sameDates(patch.RemovedDates, "2025-06-01", "2025-06-02") {
		t.Errorf("expired days must be removed, got %v", model.FormatDates(patch.RemovedDates))
	}
	if patch.Version != 2 {
		t.Errorf("expected version 2 after sweep, got %d", patch.Version)
	}
}
