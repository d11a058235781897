package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ============================================================================
// ERROR TAXONOMY
// ============================================================================

var (
	ErrSlotConflict      = errors.New("slot already held or confirmed")
	ErrSelectionInvalid  = errors.New("invalid booking selection")
	ErrHoldExpired       = errors.New("hold expired before confirmation")
	ErrPaymentFailed     = errors.New("payment failed")
	ErrPaymentAmbiguous  = errors.New("payment status unknown")
	ErrUnauthorized      = errors.New("actor is not allowed to act on this booking")
	ErrBookingNotFound   = errors.New("booking not found")
	ErrIntentNotFound    = errors.New("payment intent not found")
	ErrVenueNotFound     = errors.New("venue not found")
	ErrHoldNotFound      = errors.New("hold not found")
	ErrIntentMismatch    = errors.New("payment intent does not belong to booking")
	ErrInvalidTransition = errors.New("booking status transition not allowed")

	ErrConcurrentModification   = errors.New("booking was modified concurrently")
	ErrCancellationWindowClosed = errors.New("cancellation window has closed")
	ErrNotElapsed               = errors.New("booked interval has not elapsed yet")
)

// UnavailableComponent describes one component that could not be held
type UnavailableComponent struct {
	ComponentID uuid.UUID `json:"component_id"`
	Name        string    `json:"name,omitempty"`
	Date        string    `json:"date"`
	StartTime   string    `json:"start_time"`
	EndTime     string    `json:"end_time"`
}

// SlotConflictError lists every component of the selection that is unavailable
type SlotConflictError struct {
	Unavailable []UnavailableComponent `json:"unavailable"`
}

func (e *SlotConflictError) Error() string {
	names := make([]string, len(e.Unavailable))
	for i, u := range e.Unavailable {
		if u.Name != "" {
			names[i] = u.Name
		} else {
			names[i] = u.ComponentID.String()
		}
	}
	return fmt.Sprintf("%d component(s) unavailable: %s", len(e.Unavailable), strings.Join(names, ", "))
}

func (e *SlotConflictError) Unwrap() error {
	return ErrSlotConflict
}

// SelectionError reports which part of a selection is invalid
type SelectionError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// NewSelectionError creates a SelectionError for field
func NewSelectionError(field, reason string) *SelectionError {
	return &SelectionError{Field: field, Reason: reason}
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *SelectionError) Unwrap() error {
	return ErrSelectionInvalid
}

// TransitionError reports a status change the lifecycle does not allow
type TransitionError struct {
	From BookingStatus
	To   BookingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move booking from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
