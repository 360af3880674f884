package model

import "sort"

const (
	ReasonBooked = "booked"
	ReasonLocked = "locked"
)

// DateRange is an inclusive span of rental days. Start is always before End.
type DateRange struct {
	Start Date `json:"start_date"`
	End   Date `json:"end_date"`
}

func NewDateRange(start, end Date) (DateRange, error) {
	r := DateRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return ErrMissingDate
	}
	if !r.End.After(r.Start) {
		return ErrInvalidRange
	}
	return nil
}

// Days is the inclusive day count: 2025-06-01..2025-06-05 is 5 days.
func (r DateRange) Days() int {
	return r.Start.DaysUntil(r.End) + 1
}

func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

func (r DateRange) Overlaps(o DateRange) bool {
	return !r.Start.After(o.End) && !o.Start.After(r.End)
}

func (r DateRange) Equal(o DateRange) bool {
	return r.Start.Equal(o.Start) && r.End.Equal(o.End)
}

// Clip returns the part of r inside bounds, and false when they do not overlap.
func (r DateRange) Clip(bounds DateRange) (DateRange, bool) {
	if !r.Overlaps(bounds) {
		return DateRange{}, false
	}
	out := r
	if out.Start.Before(bounds.Start) {
		out.Start = bounds.Start
	}
	if out.End.After(bounds.End) {
		out.End = bounds.End
	}
	return out, true
}

func (r DateRange) Dates() []Date {
	if r.Start.IsZero() || r.End.Before(r.Start) {
		return nil
	}
	out := make([]Date, 0, r.Days())
	for d := r.Start; !d.After(r.End); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

func (r DateRange) String() string {
	return r.Start.String() + ".." + r.End.String()
}

// ConflictRange is the part of a requested range that overlaps a booking or
// another session's hold. Start may equal End for a single blocked day.
type ConflictRange struct {
	Start  Date   `json:"start_date"`
	End    Date   `json:"end_date"`
	Reason string `json:"reason"`
}

func (c ConflictRange) Dates() []Date {
	return DateRange{Start: c.Start, End: c.End}.Dates()
}

// ConflictsFromDates groups blocked days inside requested into contiguous
// conflict ranges.
func ConflictsFromDates(requested DateRange, blocked []Date, reason string) []ConflictRange {
	var out []ConflictRange
	for _, d := range NormalizeDates(blocked) {
		if !requested.Contains(d) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End.AddDays(1).Equal(d) {
			out[n-1].End = d
			continue
		}
		out = append(out, ConflictRange{Start: d, End: d, Reason: reason})
	}
	return out
}

// MergeConflicts clips every conflict to requested, drops the ones outside it,
// sorts them and coalesces touching ranges that share a reason.
func MergeConflicts(requested DateRange, conflicts []ConflictRange) []ConflictRange {
	clipped := make([]ConflictRange, 0, len(conflicts))
	for _, c := range conflicts {
		if c.End.Before(c.Start) {
			continue
		}
		if c.End.Before(requested.Start) || c.Start.After(requested.End) {
			continue
		}
		if c.Start.Before(requested.Start) {
			c.Start = requested.Start
		}
		if c.End.After(requested.End) {
			c.End = requested.End
		}
		clipped = append(clipped, c)
	}

	sort.SliceStable(clipped, func(i, j int) bool {
		if clipped[i].Start.Equal(clipped[j].Start) {
			return clipped[i].Reason < clipped[j].Reason
		}
		return clipped[i].Start.Before(clipped[j].Start)
	})

	merged := make([]ConflictRange, 0, len(clipped))
	for _, c := range clipped {
		n := len(merged)
		if n > 0 && merged[n-1].Reason == c.Reason && !c.Start.After(merged[n-1].End.AddDays(1)) {
			if c.End.After(merged[n-1].End) {
				merged[n-1].End = c.End
			}
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

// ConflictDates flattens conflict ranges into a canonical date set.
func ConflictDates(conflicts []ConflictRange) []Date {
	var out []Date
	for _, c := range conflicts {
		out = append(out, c.Dates()...)
	}
	return NormalizeDates(out)
}
