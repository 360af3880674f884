// Package selector turns two successive date picks into a validated,
// conflict-free rental range.
package selector

import (
	"context"
	"errors"
	"sync"

	"rentsync/internal/conflict"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/event"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
)

const selectedTopic = "selected"

// ErrSuperseded is returned to a pick whose check finished after a newer
// pick or a Reset.
var ErrSuperseded = errors.New("selection superseded by a newer pick")

type Checker interface {
	Check(ctx context.Context, resourceID string, r model.DateRange) (model.CheckResult, error)
}

type CacheReader interface {
	Get(resourceID string) (model.AvailabilityState, bool)
}

type Config struct {
	MinDays int
	MaxDays int
}

// Outcome describes the selection after a pick. Range is set only once the
// selection is complete.
type Outcome struct {
	Start     model.Date
	Range     *model.DateRange
	Days      int
	Restarted bool
}

func (o Outcome) Complete() bool {
	return o.Range != nil
}

type Selector struct {
	resourceID string
	cfg        Config
	checker    Checker
	validator  *RangeValidator
	log        *logger.Logger

	mu        sync.Mutex
	start     model.Date
	end       model.Date
	gen       uint64
	conflicts []model.ConflictRange

	selected *event.Bus[model.DateRange]
}

func New(resourceID string, cfg Config, checker Checker, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.Discard()
	}
	log = log.Component("selector").With("resource_id", resourceID)

	return &Selector{
		resourceID: resourceID,
		cfg:        cfg,
		checker:    checker,
		validator:  NewRangeValidator(log),
		log:        log,
		selected:   event.NewBus[model.DateRange](log),
	}
}

// Pick feeds one tapped date into the selection. The first pick sets the
// start. A pick before the start restarts from it. Any later pick is the
// candidate end: the range is validated locally, then checked against the
// backend.
func (s *Selector) Pick(ctx context.Context, d model.Date) (Outcome, error) {
	if d.IsZero() {
		return Outcome{}, apperrors.Validation("date is required", nil)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen

	if s.start.IsZero() || !s.end.IsZero() {
		s.start = d
		s.end = model.Date{}
		s.conflicts = nil
		s.mu.Unlock()
		return Outcome{Start: d}, nil
	}
	if d.Before(s.start) {
		s.start = d
		s.conflicts = nil
		s.mu.Unlock()
		s.log.Debug("Selection restarted", "start", d.String())
		return Outcome{Start: d, Restarted: true}, nil
	}
	start := s.start
	s.mu.Unlock()

	r := model.DateRange{Start: start, End: d}
	if err := s.validator.Validate(r, s.cfg.MinDays, s.cfg.MaxDays); err != nil {
		return Outcome{Start: start}, s.validationError(r, err)
	}

	result, err := s.checker.Check(ctx, s.resourceID, r)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return Outcome{}, ErrSuperseded
	}
	if err != nil {
		s.mu.Unlock()
		return Outcome{Start: start}, err
	}
	if !result.Available || len(result.Conflicts) > 0 {
		s.start = model.Date{}
		s.end = model.Date{}
		s.conflicts = append([]model.ConflictRange(nil), result.Conflicts...)
		s.mu.Unlock()
		s.log.Info("Selection conflicts with existing holds or bookings",
			"range", r.String(),
			"conflicts", len(result.Conflicts),
		)
		return Outcome{}, conflict.AsError(s.resourceID, result)
	}
	s.end = d
	s.conflicts = nil
	s.mu.Unlock()

	s.selected.Publish(selectedTopic, r)
	return Outcome{Start: start, Range: &r, Days: r.Days()}, nil
}

func (s *Selector) validationError(r model.DateRange, err error) error {
	details := map[string]any{
		"start_date": r.Start.String(),
		"end_date":   r.End.String(),
		"days":       r.Days(),
		"min_days":   s.cfg.MinDays,
		"max_days":   s.cfg.MaxDays,
	}
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		details["errors"] = []ValidationError(verrs)
	}
	return apperrors.Validation(err.Error(), details)
}

// Reset clears the selection and invalidates any check still in flight.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.start = model.Date{}
	s.end = model.Date{}
	s.conflicts = nil
}

// Selection returns the current start and end. Either may be zero.
func (s *Selector) Selection() (model.Date, model.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start, s.end
}

// Conflicts returns the ranges reported by the last rejected selection.
func (s *Selector) Conflicts() []model.ConflictRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ConflictRange(nil), s.conflicts...)
}

// MarkedDates is every date a calendar should grey out: the cached
// unavailable days plus the days of the last reported conflicts.
func (s *Selector) MarkedDates(cache CacheReader) []model.Date {
	var cached []model.Date
	if cache != nil {
		if state, ok := cache.Get(s.resourceID); ok {
			cached = state.UnavailableDates
		}
	}
	return model.UnionDates(cached, model.ConflictDates(s.Conflicts()))
}

func (s *Selector) OnSelected(handler func(model.DateRange)) *event.Subscription {
	return s.selected.Subscribe(selectedTopic, handler)
}
