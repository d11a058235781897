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

const bookingColumns = `
	id, user_id, venue_id, sport, components, starts_at, ends_at, duration_minutes,
	total_amount, currency, status, payment_intent_id, payment_reference, idempotency_key,
	attempt, cancel_reason, cancelled_by, owner_accepted_at, confirmed_at, completed_at,
	cancelled_at, expired_at, version, created_at, updated_at`

// BookingRepository handles booking database operations
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// ============================================================================
// BOOKING CRUD OPERATIONS
// ============================================================================

// Create inserts a new booking at version 1
func (r *BookingRepository) Create(ctx context.Context, booking *models.Booking) error {
	now := time.Now().UTC()
	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bookings (
			id, user_id, venue_id, sport, components, starts_at, ends_at, duration_minutes,
			total_amount, currency, status, idempotency_key, attempt, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		booking.ID, booking.UserID, booking.VenueID, booking.Sport, booking.Components,
		booking.StartsAt, booking.EndsAt, booking.DurationMinutes, booking.TotalAmount,
		booking.Currency, booking.Status, booking.IdempotencyKey, booking.Attempt,
		booking.Version, booking.CreatedAt, booking.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// GetByID retrieves a booking by ID
func (r *BookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.GetContext(ctx, &booking, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, models.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &booking, nil
}

// GetByIdempotencyKey retrieves the booking a user created with key
func (r *BookingRepository) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.GetContext(ctx, &booking,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key)
	if err == sql.ErrNoRows {
		return nil, models.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking by idempotency key: %w", err)
	}
	return &booking, nil
}

// Update writes the mutable fields of booking if its version still matches.
// On success booking.Version is advanced.
func (r *BookingRepository) Update(ctx context.Context, booking *models.Booking) error {
	now := time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET status = $3,
		    payment_intent_id = $4,
		    payment_reference = $5,
		    cancel_reason = $6,
		    cancelled_by = $7,
		    owner_accepted_at = $8,
		    confirmed_at = $9,
		    completed_at = $10,
		    cancelled_at = $11,
		    expired_at = $12,
		    version = version + 1,
		    updated_at = $13
		WHERE id = $1 AND version = $2
	`,
		booking.ID, booking.Version, booking.Status, booking.PaymentIntentID,
		booking.PaymentReference, booking.CancelReason, booking.CancelledBy,
		booking.OwnerAcceptedAt, booking.ConfirmedAt, booking.CompletedAt,
		booking.CancelledAt, booking.ExpiredAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return models.ErrConcurrentModification
	}

	booking.Version++
	booking.UpdatedAt = now
	return nil
}

// ============================================================================
// LISTING
// ============================================================================

// ListByUser returns a user's bookings, newest first
func (r *BookingRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Booking, error) {
	var bookings []*models.Booking
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list user bookings: %w", err)
	}
	return bookings, nil
}

// ListByVenue returns a venue's bookings ordered by start time
func (r *BookingRepository) ListByVenue(ctx context.Context, venueID uuid.UUID, limit, offset int) ([]*models.Booking, error) {
	var bookings []*models.Booking
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE venue_id = $1
		ORDER BY starts_at DESC
		LIMIT $2 OFFSET $3
	`, venueID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list venue bookings: %w", err)
	}
	return bookings, nil
}

// ListPendingPaymentCreatedBefore returns pending bookings older than cutoff
func (r *BookingRepository) ListPendingPaymentCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Booking, error) {
	var bookings []*models.Booking
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'pending_payment' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending bookings: %w", err)
	}
	return bookings, nil
}

// ListConfirmedEndedBefore returns confirmed bookings whose interval ended before cutoff
func (r *BookingRepository) ListConfirmedEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Booking, error) {
	var bookings []*models.Booking
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'confirmed' AND ends_at <= $1
		ORDER BY ends_at
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list elapsed bookings: %w", err)
	}
	return bookings, nil
}
