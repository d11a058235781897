package models

import (
	"time"

	"github.com/google/uuid"
)

// HoldState represents the state of a time slot hold
// Matches PostgreSQL ENUM: slot_hold_state
type HoldState string

const (
	HoldStateHeld      HoldState = "held"
	HoldStateConfirmed HoldState = "confirmed"
	HoldStateReleased  HoldState = "released"
)

// TimeSlotHold is an exclusive claim on one facility component for one interval.
// For a given facility and date no two holds in held or confirmed state overlap.
type TimeSlotHold struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	FacilityID uuid.UUID  `json:"facility_id" db:"facility_id"`
	SlotDate   time.Time  `json:"slot_date" db:"slot_date"`
	StartsAt   time.Time  `json:"starts_at" db:"starts_at"`
	EndsAt     time.Time  `json:"ends_at" db:"ends_at"`
	BookingID  uuid.UUID  `json:"booking_id" db:"booking_id"`
	State      HoldState  `json:"state" db:"state"`
	AcquiredAt time.Time  `json:"acquired_at" db:"acquired_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty" db:"released_at"`
}

// IsExpired reports whether a held hold has passed its expiry
func (h *TimeSlotHold) IsExpired(now time.Time) bool {
	return h.State == HoldStateHeld && !now.Before(h.ExpiresAt)
}

// Overlaps reports whether [start,end) intersects the hold interval
func (h *TimeSlotHold) Overlaps(start, end time.Time) bool {
	return h.StartsAt.Before(end) && start.Before(h.EndsAt)
}

// HoldRequest describes one acquire call against the slot ledger
type HoldRequest struct {
	FacilityID   uuid.UUID
	StartsAt     time.Time
	EndsAt       time.Time
	BookingID    uuid.UUID
	HoldDuration time.Duration
}

// SlotDate returns the calendar date of the requested interval
func (r HoldRequest) SlotDate() time.Time {
	y, m, d := r.StartsAt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
