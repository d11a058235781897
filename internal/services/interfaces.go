package services

import (
	"context"
	"time"

	"github.com/courtline/booking-engine/internal/events"
	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
)

// SlotLedger is the authoritative record of held and confirmed intervals.
// Each method is individually atomic. Holds are confirmed per booking so a
// multi-component booking never ends up partially confirmed.
type SlotLedger interface {
	Acquire(ctx context.Context, req models.HoldRequest) (*models.TimeSlotHold, error)
	Release(ctx context.Context, holdID uuid.UUID) error
	ConfirmForBooking(ctx context.Context, bookingID uuid.UUID, expected int) error
	ReleaseForBooking(ctx context.Context, bookingID uuid.UUID) (int, error)
	ListForBooking(ctx context.Context, bookingID uuid.UUID) ([]models.TimeSlotHold, error)
	ReleaseOrphanHolds(ctx context.Context, olderThan time.Time) (int, error)
}

// BookingStore persists bookings with optimistic versioning
type BookingStore interface {
	Create(ctx context.Context, booking *models.Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Booking, error)
	Update(ctx context.Context, booking *models.Booking) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Booking, error)
	ListByVenue(ctx context.Context, venueID uuid.UUID, limit, offset int) ([]*models.Booking, error)
	ListPendingPaymentCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Booking, error)
	ListConfirmedEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Booking, error)
}

// PaymentIntentStore persists the broker's intent records
type PaymentIntentStore interface {
	CreateOrGet(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error)
	GetByProcessorID(ctx context.Context, processorID string) (*models.PaymentIntent, error)
	Update(ctx context.Context, intent *models.PaymentIntent) error
	ListUnsettledForClosedBookings(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error)
}

// VenueCatalog is the read-through view of venues used to validate selections
type VenueCatalog interface {
	GetVenue(ctx context.Context, id uuid.UUID) (*models.Venue, error)
}

// EventPublisher emits domain events to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, event *events.BookingEvent) error
}
