package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const paymentIntentColumns = `
	id, booking_id, processor_intent_id, client_secret, amount, currency, state,
	idempotency_key, attempts, last_error, refund_id, voided_at, created_at, updated_at`

// PaymentIntentRepository handles payment intent database operations
type PaymentIntentRepository struct {
	db *sqlx.DB
}

// NewPaymentIntentRepository creates a new PaymentIntentRepository
func NewPaymentIntentRepository(db *sqlx.DB) *PaymentIntentRepository {
	return &PaymentIntentRepository{db: db}
}

// CreateOrGet inserts intent unless one already exists for its idempotency key,
// and returns whichever row is stored.
func (r *PaymentIntentRepository) CreateOrGet(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error) {
	now := time.Now().UTC()
	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}
	intent.CreatedAt = now
	intent.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_intents (
			id, booking_id, amount, currency, state, idempotency_key, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		intent.ID, intent.BookingID, intent.Amount, intent.Currency, intent.State,
		intent.IdempotencyKey, intent.Attempts, intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	return r.GetByIdempotencyKey(ctx, intent.IdempotencyKey)
}

// GetByID retrieves a payment intent by ID
func (r *PaymentIntentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	return r.getOne(ctx, `SELECT `+paymentIntentColumns+` FROM payment_intents WHERE id = $1`, id)
}

// GetByIdempotencyKey retrieves a payment intent by idempotency key
func (r *PaymentIntentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	return r.getOne(ctx, `SELECT `+paymentIntentColumns+` FROM payment_intents WHERE idempotency_key = $1`, key)
}

// GetByProcessorID retrieves a payment intent by the processor's intent id
func (r *PaymentIntentRepository) GetByProcessorID(ctx context.Context, processorID string) (*models.PaymentIntent, error) {
	return r.getOne(ctx, `SELECT `+paymentIntentColumns+` FROM payment_intents WHERE processor_intent_id = $1`, processorID)
}

func (r *PaymentIntentRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := r.db.GetContext(ctx, &intent, query, arg)
	if err == sql.ErrNoRows {
		return nil, models.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return &intent, nil
}

// Update writes processor state back to the intent row
func (r *PaymentIntentRepository) Update(ctx context.Context, intent *models.PaymentIntent) error {
	intent.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET processor_intent_id = $2,
		    client_secret = $3,
		    state = $4,
		    attempts = $5,
		    last_error = $6,
		    refund_id = $7,
		    voided_at = $8,
		    updated_at = $9
		WHERE id = $1
	`,
		intent.ID, intent.ProcessorIntentID, intent.ClientSecret, intent.State,
		intent.Attempts, intent.LastError, intent.RefundID, intent.VoidedAt, intent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment intent: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return models.ErrIntentNotFound
	}
	return nil
}

// ListUnsettledForClosedBookings returns intents of cancelled or expired
// bookings whose processor charge was neither voided nor refunded
func (r *PaymentIntentRepository) ListUnsettledForClosedBookings(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	var intents []*models.PaymentIntent
	err := r.db.SelectContext(ctx, &intents, `
		SELECT `+paymentIntentColumns+`
		FROM payment_intents
		WHERE processor_intent_id IS NOT NULL
		  AND voided_at IS NULL
		  AND refund_id IS NULL
		  AND updated_at < $1
		  AND EXISTS (
		      SELECT 1 FROM bookings b
		      WHERE b.id = payment_intents.booking_id AND b.status IN ('cancelled', 'expired')
		  )
		ORDER BY updated_at
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled payment intents: %w", err)
	}
	return intents, nil
}
