package model

import "time"

// SessionHeader carries the caller's session id on range checks so the
// backend can leave the caller's own holds out of the conflicts.
const SessionHeader = "X-Session-ID"

// Resource is the backend record behind an AvailabilityState. Active holds
// are kept separately and folded into the served state.
type Resource struct {
	ID          string    `json:"resource_id"`
	Status      string    `json:"status"`
	BookedDates []Date    `json:"booked_dates"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewResource is the implicit record of a resource the backend has never
// seen: active, nothing booked, version zero.
func NewResource(id string) *Resource {
	return &Resource{
		ID:          id,
		Status:      StatusActive,
		BookedDates: []Date{},
	}
}
