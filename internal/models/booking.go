package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// BOOKING STATUS (matches DB ENUM: booking_status)
// ============================================================================

// BookingStatus represents the lifecycle state of a booking
type BookingStatus string

const (
	BookingStatusDraft          BookingStatus = "draft"           // Selection made, no hold yet
	BookingStatusPendingPayment BookingStatus = "pending_payment" // Holds acquired, waiting for payment
	BookingStatusConfirmed      BookingStatus = "confirmed"       // Paid, holds confirmed
	BookingStatusCompleted      BookingStatus = "completed"       // Booked interval elapsed
	BookingStatusCancelled      BookingStatus = "cancelled"
	BookingStatusExpired        BookingStatus = "expired" // Payment never resolved before hold expiry
)

// Cancellation reasons recorded on the booking
const (
	CancelReasonUser          = "cancelled_by_user"
	CancelReasonOwnerRejected = "rejected_by_owner"
	CancelReasonOwner         = "cancelled_by_owner"
	CancelReasonPaymentFailed = "payment_failed"
	CancelReasonHoldExpired   = "hold_expired"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusDraft:          {BookingStatusPendingPayment},
	BookingStatusPendingPayment: {BookingStatusConfirmed, BookingStatusCancelled, BookingStatusExpired},
	BookingStatusConfirmed:      {BookingStatusCompleted, BookingStatusCancelled},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave this status
func (s BookingStatus) IsTerminal() bool {
	return s == BookingStatusCompleted || s == BookingStatusCancelled || s == BookingStatusExpired
}

// ============================================================================
// JSONB PAYLOAD TYPES
// ============================================================================

// BookingComponent is one selected facility component with its price at booking time
type BookingComponent struct {
	ComponentID  uuid.UUID `json:"component_id"`
	Name         string    `json:"name"`
	PricePerHour int64     `json:"price_per_hour"` // minor units
}

// BookingComponents stores the selection snapshot in JSONB
type BookingComponents []BookingComponent

func (c BookingComponents) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *BookingComponents) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for BookingComponents")
	}
	return json.Unmarshal(bytes, c)
}

// IDs returns the component ids in selection order
func (c BookingComponents) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(c))
	for i, comp := range c {
		ids[i] = comp.ComponentID
	}
	return ids
}

// ============================================================================
// BOOKING MODEL (bookings table)
// ============================================================================

// Booking is the user-facing reservation record
type Booking struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	UserID     uuid.UUID         `json:"user_id" db:"user_id"`
	VenueID    uuid.UUID         `json:"venue_id" db:"venue_id"`
	Sport      string            `json:"sport" db:"sport"`
	Components BookingComponents `json:"components" db:"components"`

	// Interval, venue wall-clock stored as UTC
	StartsAt        time.Time `json:"starts_at" db:"starts_at"`
	EndsAt          time.Time `json:"ends_at" db:"ends_at"`
	DurationMinutes int       `json:"duration_minutes" db:"duration_minutes"`

	TotalAmount int64         `json:"total_amount" db:"total_amount"`
	Currency    string        `json:"currency" db:"currency"`
	Status      BookingStatus `json:"status" db:"status"`

	// Payment tracking
	PaymentIntentID  *uuid.UUID `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	PaymentReference *string    `json:"payment_reference,omitempty" db:"payment_reference"` // processor intent id
	IdempotencyKey   *string    `json:"-" db:"idempotency_key"`
	Attempt          int        `json:"attempt" db:"attempt"`

	// Cancellation
	CancelReason *string    `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CancelledBy  *uuid.UUID `json:"cancelled_by,omitempty" db:"cancelled_by"`

	OwnerAcceptedAt *time.Time `json:"owner_accepted_at,omitempty" db:"owner_accepted_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	ExpiredAt       *time.Time `json:"expired_at,omitempty" db:"expired_at"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Date returns the calendar date of the booking as YYYY-MM-DD
func (b *Booking) Date() string {
	return b.StartsAt.Format(DateLayout)
}

// HasElapsed reports whether the booked interval is fully in the past
func (b *Booking) HasElapsed(now time.Time) bool {
	return !now.Before(b.EndsAt)
}

// ============================================================================
// REQUEST / RESPONSE DTOs
// ============================================================================

// DateLayout and ClockLayout are the wire formats for booking dates and times
const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// CreateBookingRequest is the body of POST /bookings
type CreateBookingRequest struct {
	VenueID      string   `json:"venue_id" binding:"required"`
	Sport        string   `json:"sport" binding:"required"`
	Date         string   `json:"date" binding:"required"`       // "2026-10-20"
	StartTime    string   `json:"start_time" binding:"required"` // "18:00"
	EndTime      string   `json:"end_time" binding:"required"`   // "19:00"
	ComponentIDs []string `json:"component_ids" binding:"required"`
}

// BookingSelection is a validated CreateBookingRequest
type BookingSelection struct {
	VenueID      uuid.UUID
	Sport        string
	StartsAt     time.Time
	EndsAt       time.Time
	ComponentIDs []uuid.UUID
}

// Validate checks the request shape and returns the parsed selection.
// Venue membership and sport support are checked against the venue catalog later.
func (r *CreateBookingRequest) Validate(maxDuration time.Duration) (*BookingSelection, error) {
	venueID, err := uuid.Parse(r.VenueID)
	if err != nil {
		return nil, NewSelectionError("venue_id", "must be a valid UUID")
	}
	if r.Sport == "" {
		return nil, NewSelectionError("sport", "is required")
	}

	day, err := time.Parse(DateLayout, r.Date)
	if err != nil {
		return nil, NewSelectionError("date", "must be formatted as YYYY-MM-DD")
	}
	start, err := parseClock(day, r.StartTime)
	if err != nil {
		return nil, NewSelectionError("start_time", "must be formatted as HH:MM")
	}
	end, err := parseClock(day, r.EndTime)
	if err != nil {
		return nil, NewSelectionError("end_time", "must be formatted as HH:MM")
	}
	if !end.After(start) {
		return nil, NewSelectionError("end_time", "must be after start_time")
	}
	if maxDuration > 0 && end.Sub(start) > maxDuration {
		return nil, NewSelectionError("end_time", "booking exceeds the maximum duration")
	}

	if len(r.ComponentIDs) == 0 {
		return nil, NewSelectionError("component_ids", "at least one component is required")
	}
	seen := make(map[uuid.UUID]bool, len(r.ComponentIDs))
	ids := make([]uuid.UUID, 0, len(r.ComponentIDs))
	for _, raw := range r.ComponentIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, NewSelectionError("component_ids", "contains an invalid UUID: "+raw)
		}
		if seen[id] {
			return nil, NewSelectionError("component_ids", "contains a duplicate component: "+raw)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	return &BookingSelection{
		VenueID:      venueID,
		Sport:        r.Sport,
		StartsAt:     start,
		EndsAt:       end,
		ComponentIDs: ids,
	}, nil
}

func parseClock(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse(ClockLayout, clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC), nil
}

// ConfirmPaymentRequest is the body of POST /bookings/:id/confirm-payment
type ConfirmPaymentRequest struct {
	IntentID          string `json:"intent_id" binding:"required"`
	ConfirmationProof string `json:"confirmation_proof"` // processor payment method or empty when client-confirmed
}

// UpdateBookingStatusRequest is the body of PUT /bookings/:id/status
type UpdateBookingStatusRequest struct {
	Status BookingStatus `json:"status" binding:"required"`
	Reason string        `json:"reason,omitempty"`
}

// PaymentHandle is returned to the client to complete payment out-of-band
type PaymentHandle struct {
	IntentID     uuid.UUID `json:"intent_id"`
	Reference    *string   `json:"reference,omitempty"`
	ClientSecret *string   `json:"client_secret,omitempty"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	State        string    `json:"state"`
}

// BookingResponse is the API view of a booking
type BookingResponse struct {
	ID              uuid.UUID          `json:"id"`
	UserID          uuid.UUID          `json:"user_id"`
	VenueID         uuid.UUID          `json:"venue_id"`
	Sport           string             `json:"sport"`
	Date            string             `json:"date"`
	StartTime       string             `json:"start_time"`
	EndTime         string             `json:"end_time"`
	DurationMinutes int                `json:"duration_minutes"`
	Components      []BookingComponent `json:"components"`
	TotalAmount     int64              `json:"total_amount"`
	Currency        string             `json:"currency"`
	Status          BookingStatus      `json:"status"`
	DisplayStatus   string             `json:"display_status"`
	CancelReason    *string            `json:"cancel_reason,omitempty"`
	Payment         *PaymentHandle     `json:"payment,omitempty"`
	OwnerAcceptedAt *time.Time         `json:"owner_accepted_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// NewBookingResponse builds the API view of b. A pending booking older than
// processingAfter is displayed as "processing" until the sweeper resolves it.
func NewBookingResponse(b *Booking, payment *PaymentHandle, now time.Time, processingAfter time.Duration) *BookingResponse {
	display := string(b.Status)
	if b.Status == BookingStatusPendingPayment && now.Sub(b.CreatedAt) > processingAfter {
		display = "processing"
	}
	return &BookingResponse{
		ID:              b.ID,
		UserID:          b.UserID,
		VenueID:         b.VenueID,
		Sport:           b.Sport,
		Date:            b.Date(),
		StartTime:       b.StartsAt.Format(ClockLayout),
		EndTime:         b.EndsAt.Format(ClockLayout),
		DurationMinutes: b.DurationMinutes,
		Components:      b.Components,
		TotalAmount:     b.TotalAmount,
		Currency:        b.Currency,
		Status:          b.Status,
		DisplayStatus:   display,
		CancelReason:    b.CancelReason,
		Payment:         payment,
		OwnerAcceptedAt: b.OwnerAcceptedAt,
		CreatedAt:       b.CreatedAt,
	}
}
