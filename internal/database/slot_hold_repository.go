package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Postgres error codes the ledger maps to a slot conflict
const (
	pqExclusionViolation = "23P01"
	pqUniqueViolation    = "23505"
)

// SlotHoldRepository is the Postgres slot ledger.
// Overlap protection lives in the time_slot_holds_no_overlap exclusion constraint,
// so acquire is a single conditional insert and concurrent callers are ordered by Postgres.
type SlotHoldRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSlotHoldRepository creates a new SlotHoldRepository
func NewSlotHoldRepository(db *sqlx.DB) *SlotHoldRepository {
	return &SlotHoldRepository{db: db, now: time.Now}
}

// ============================================================================
// ACQUIRE / CONFIRM / RELEASE
// ============================================================================

// Acquire inserts a held hold for req or returns models.ErrSlotConflict.
// Expired held holds overlapping the interval are released in the same transaction
// so they no longer block the exclusion constraint.
func (r *SlotHoldRepository) Acquire(ctx context.Context, req models.HoldRequest) (*models.TimeSlotHold, error) {
	now := r.now().UTC()

	hold := &models.TimeSlotHold{
		ID:         uuid.New(),
		FacilityID: req.FacilityID,
		SlotDate:   req.SlotDate(),
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
		BookingID:  req.BookingID,
		State:      models.HoldStateHeld,
		AcquiredAt: now,
		ExpiresAt:  now.Add(req.HoldDuration),
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin acquire transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE time_slot_holds
		SET state = 'released', released_at = $4
		WHERE facility_id = $1
		  AND state = 'held'
		  AND expires_at <= $4
		  AND tsrange(starts_at, ends_at) && tsrange($2, $3)
	`, hold.FacilityID, hold.StartsAt, hold.EndsAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to release expired holds: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO time_slot_holds (
			id, facility_id, slot_date, starts_at, ends_at, booking_id, state, acquired_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, hold.ID, hold.FacilityID, hold.SlotDate, hold.StartsAt, hold.EndsAt,
		hold.BookingID, hold.State, hold.AcquiredAt, hold.ExpiresAt)
	if err != nil {
		if isConflict(err) {
			return nil, models.ErrSlotConflict
		}
		return nil, fmt.Errorf("failed to insert hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return nil, models.ErrSlotConflict
		}
		return nil, fmt.Errorf("failed to commit hold: %w", err)
	}

	return hold, nil
}

// Release marks a hold released regardless of its current state
func (r *SlotHoldRepository) Release(ctx context.Context, holdID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE time_slot_holds
		SET state = 'released', released_at = $2
		WHERE id = $1 AND state <> 'released'
	`, holdID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}
	return nil
}

// ============================================================================
// BOOKING-LEVEL OPERATIONS (all holds of a booking move together)
// ============================================================================

// ConfirmForBooking confirms every hold of a booking or none of them.
// It returns models.ErrHoldExpired when fewer than expected holds end up confirmed.
func (r *SlotHoldRepository) ConfirmForBooking(ctx context.Context, bookingID uuid.UUID, expected int) error {
	now := r.now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin confirm transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE time_slot_holds
		SET state = 'confirmed'
		WHERE booking_id = $1 AND state = 'held' AND expires_at > $2
	`, bookingID, now)
	if err != nil {
		return fmt.Errorf("failed to confirm holds: %w", err)
	}

	var confirmed int
	err = tx.GetContext(ctx, &confirmed, `
		SELECT COUNT(*) FROM time_slot_holds
		WHERE booking_id = $1 AND state = 'confirmed'
	`, bookingID)
	if err != nil {
		return fmt.Errorf("failed to count confirmed holds: %w", err)
	}

	if confirmed != expected {
		return models.ErrHoldExpired
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hold confirmation: %w", err)
	}
	return nil
}

// ReleaseForBooking releases every non-released hold of a booking
func (r *SlotHoldRepository) ReleaseForBooking(ctx context.Context, bookingID uuid.UUID) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE time_slot_holds
		SET state = 'released', released_at = $2
		WHERE booking_id = $1 AND state <> 'released'
	`, bookingID, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release booking holds: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// ListForBooking returns all holds of a booking
func (r *SlotHoldRepository) ListForBooking(ctx context.Context, bookingID uuid.UUID) ([]models.TimeSlotHold, error) {
	var holds []models.TimeSlotHold
	err := r.db.SelectContext(ctx, &holds, `
		SELECT id, facility_id, slot_date, starts_at, ends_at, booking_id, state,
		       acquired_at, expires_at, released_at
		FROM time_slot_holds
		WHERE booking_id = $1
		ORDER BY acquired_at
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	return holds, nil
}

// ============================================================================
// CLEANUP (used by the reconciliation sweeper)
// ============================================================================

// ReleaseOrphanHolds releases holds whose booking was never persisted
// (acquired before olderThan) or has already reached a terminal release state.
func (r *SlotHoldRepository) ReleaseOrphanHolds(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE time_slot_holds h
		SET state = 'released', released_at = $2
		WHERE h.state <> 'released'
		  AND (
		    (h.acquired_at < $1 AND NOT EXISTS (SELECT 1 FROM bookings b WHERE b.id = h.booking_id))
		    OR EXISTS (
		      SELECT 1 FROM bookings b
		      WHERE b.id = h.booking_id AND b.status IN ('cancelled', 'expired')
		    )
		  )
	`, olderThan.UTC(), r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release orphan holds: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func isConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqExclusionViolation || pqErr.Code == pqUniqueViolation
	}
	return false
}
