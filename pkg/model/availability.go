package model

import "time"

const (
	StatusActive      = "active"
	StatusMaintenance = "maintenance"
	StatusRetired     = "retired"
)

// AvailabilityState is the best-known availability of one resource.
// UnavailableDates is always a canonical set.
type AvailabilityState struct {
	ResourceID        string    `json:"resource_id"`
	IsAvailable       bool      `json:"is_available"`
	Status            string    `json:"status"`
	UnavailableDates  []Date    `json:"unavailable_dates"`
	NextAvailableDate *Date     `json:"next_available_date,omitempty"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`

	// Stale is set client-side when the state may lag the backend.
	Stale bool `json:"stale,omitempty"`
}

func (s AvailabilityState) Clone() AvailabilityState {
	out := s
	out.UnavailableDates = append([]Date(nil), s.UnavailableDates...)
	if out.UnavailableDates == nil {
		out.UnavailableDates = []Date{}
	}
	if s.NextAvailableDate != nil {
		next := *s.NextAvailableDate
		out.NextAvailableDate = &next
	}
	return out
}

func (s AvailabilityState) IsDateUnavailable(d Date) bool {
	return ContainsDate(s.UnavailableDates, d)
}

// AvailabilityPatch is a partial, field-level update. Nil pointer fields are
// absent. UnavailableDates replaces the whole set; AddedDates and RemovedDates
// are applied on top of it as deltas.
type AvailabilityPatch struct {
	ResourceID        string    `json:"resource_id"`
	IsAvailable       *bool     `json:"is_available,omitempty"`
	Status            *string   `json:"status,omitempty"`
	UnavailableDates  *[]Date   `json:"unavailable_dates,omitempty"`
	AddedDates        []Date    `json:"added_dates,omitempty"`
	RemovedDates      []Date    `json:"removed_dates,omitempty"`
	NextAvailableDate *Date     `json:"next_available_date,omitempty"`
	Version           int64     `json:"version,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

func (p AvailabilityPatch) IsEmpty() bool {
	return p.IsAvailable == nil && p.Status == nil && p.UnavailableDates == nil &&
		len(p.AddedDates) == 0 && len(p.RemovedDates) == 0 && p.NextAvailableDate == nil
}

// Merge applies p onto s, last writer wins per field.
func (s *AvailabilityState) Merge(p AvailabilityPatch) {
	if p.IsAvailable != nil {
		s.IsAvailable = *p.IsAvailable
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.UnavailableDates != nil {
		s.UnavailableDates = NormalizeDates(*p.UnavailableDates)
	}
	if len(p.AddedDates) > 0 {
		s.UnavailableDates = UnionDates(s.UnavailableDates, p.AddedDates)
	}
	if len(p.RemovedDates) > 0 {
		s.UnavailableDates = SubtractDates(s.UnavailableDates, p.RemovedDates)
	}
	if p.NextAvailableDate != nil {
		next := *p.NextAvailableDate
		s.NextAvailableDate = &next
	}
	if p.Version > s.Version {
		s.Version = p.Version
	}
	if !p.UpdatedAt.IsZero() {
		s.UpdatedAt = p.UpdatedAt
	}
}

type CheckResult struct {
	Available bool            `json:"available"`
	Conflicts []ConflictRange `json:"conflicts"`

	// Degraded marks a fail-open result produced without reaching the backend.
	Degraded bool `json:"-"`
}

// ResourceUpdate is the admin payload that seeds a resource on the reference backend.
type ResourceUpdate struct {
	Status       *string `json:"status,omitempty" validate:"omitempty,oneof=active maintenance retired"`
	BookedDates  *[]Date `json:"booked_dates,omitempty"`
	AddBooked    []Date  `json:"add_booked,omitempty"`
	RemoveBooked []Date  `json:"remove_booked,omitempty"`
}
