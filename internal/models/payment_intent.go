package models

import (
	"time"

	"github.com/google/uuid"
)

// IntentState represents the state of a payment intent
// Matches PostgreSQL ENUM: payment_intent_state
type IntentState string

const (
	IntentStateCreated   IntentState = "created"
	IntentStateSucceeded IntentState = "succeeded"
	IntentStateFailed    IntentState = "failed"
	IntentStateExpired   IntentState = "expired"
)

// IsFinal reports whether the processor can no longer change the outcome
func (s IntentState) IsFinal() bool {
	return s == IntentStateSucceeded || s == IntentStateFailed || s == IntentStateExpired
}

// PaymentIntent is the local record of a processor charge handle (1:1 with a booking attempt)
type PaymentIntent struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	BookingID         uuid.UUID   `json:"booking_id" db:"booking_id"`
	ProcessorIntentID *string     `json:"processor_intent_id,omitempty" db:"processor_intent_id"`
	ClientSecret      *string     `json:"-" db:"client_secret"`
	Amount            int64       `json:"amount" db:"amount"`
	Currency          string      `json:"currency" db:"currency"`
	State             IntentState `json:"state" db:"state"`
	IdempotencyKey    string      `json:"idempotency_key" db:"idempotency_key"`
	Attempts          int         `json:"attempts" db:"attempts"`
	LastError         *string     `json:"last_error,omitempty" db:"last_error"`
	RefundID          *string     `json:"refund_id,omitempty" db:"refund_id"`
	VoidedAt          *time.Time  `json:"voided_at,omitempty" db:"voided_at"` // processor confirmed the charge can no longer settle
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// Handle returns the client-facing view of the intent
func (p *PaymentIntent) Handle() *PaymentHandle {
	return &PaymentHandle{
		IntentID:     p.ID,
		Reference:    p.ProcessorIntentID,
		ClientSecret: p.ClientSecret,
		Amount:       p.Amount,
		Currency:     p.Currency,
		State:        string(p.State),
	}
}
