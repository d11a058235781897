package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OwnerActionGateway authorizes venue owners and delegates to the lifecycle.
// It holds no booking rules of its own.
type OwnerActionGateway struct {
	lifecycle *BookingLifecycleService
	bookings  BookingStore
	catalog   VenueCatalog
	logger    *logrus.Logger
}

// NewOwnerActionGateway creates a new OwnerActionGateway
func NewOwnerActionGateway(
	lifecycle *BookingLifecycleService,
	bookings BookingStore,
	catalog VenueCatalog,
	logger *logrus.Logger,
) *OwnerActionGateway {
	return &OwnerActionGateway{
		lifecycle: lifecycle,
		bookings:  bookings,
		catalog:   catalog,
		logger:    logger,
	}
}

// Authorize returns the owner actor for ownerID if ownerID controls venueID
func (g *OwnerActionGateway) Authorize(ctx context.Context, ownerID, venueID uuid.UUID) (models.Actor, error) {
	venue, err := g.catalog.GetVenue(ctx, venueID)
	if errors.Is(err, models.ErrVenueNotFound) {
		return models.Actor{}, models.ErrUnauthorized
	}
	if err != nil {
		return models.Actor{}, fmt.Errorf("failed to load venue: %w", err)
	}
	if venue.OwnerID != ownerID {
		g.logger.WithFields(logrus.Fields{
			"owner_id": ownerID,
			"venue_id": venueID,
		}).Warn("Owner action on a venue the caller does not control")
		return models.Actor{}, models.ErrUnauthorized
	}
	return models.OwnerActor(ownerID), nil
}

func (g *OwnerActionGateway) authorizeBooking(ctx context.Context, ownerID, bookingID uuid.UUID) (*models.Booking, models.Actor, error) {
	b, err := g.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, models.Actor{}, err
	}
	actor, err := g.Authorize(ctx, ownerID, b.VenueID)
	if err != nil {
		return nil, models.Actor{}, err
	}
	return b, actor, nil
}

// UpdateStatus applies PUT /bookings/:id/status. "confirmed" records the
// owner's acceptance; "cancelled" goes through Cancel.
func (g *OwnerActionGateway) UpdateStatus(ctx context.Context, ownerID, bookingID uuid.UUID, req *models.UpdateBookingStatusRequest) (*models.Booking, error) {
	switch req.Status {
	case models.BookingStatusConfirmed:
		return g.Accept(ctx, ownerID, bookingID)
	case models.BookingStatusCancelled:
		return g.Cancel(ctx, ownerID, bookingID, req.Reason)
	default:
		return nil, models.NewSelectionError("status", "must be confirmed or cancelled")
	}
}

// Accept records the owner's acceptance of a booking
func (g *OwnerActionGateway) Accept(ctx context.Context, ownerID, bookingID uuid.UUID) (*models.Booking, error) {
	_, actor, err := g.authorizeBooking(ctx, ownerID, bookingID)
	if err != nil {
		return nil, err
	}
	return g.lifecycle.Accept(ctx, bookingID, actor)
}

// Cancel cancels a booking as the venue owner. A pending booking is rejected,
// a confirmed one is cancelled and refunded.
func (g *OwnerActionGateway) Cancel(ctx context.Context, ownerID, bookingID uuid.UUID, reason string) (*models.Booking, error) {
	b, actor, err := g.authorizeBooking(ctx, ownerID, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == models.BookingStatusPendingPayment {
		return g.lifecycle.Reject(ctx, bookingID, actor, reason)
	}
	return g.lifecycle.Cancel(ctx, bookingID, actor, reason)
}

// ListVenueBookings lists a venue's bookings for its owner
func (g *OwnerActionGateway) ListVenueBookings(ctx context.Context, ownerID, venueID uuid.UUID, limit, offset int) ([]*models.Booking, error) {
	if _, err := g.Authorize(ctx, ownerID, venueID); err != nil {
		return nil, err
	}
	return g.bookings.ListByVenue(ctx, venueID, limit, offset)
}

// CanView reports whether userID may read b: the booking user or the venue owner
func (g *OwnerActionGateway) CanView(ctx context.Context, userID uuid.UUID, b *models.Booking) bool {
	if b.UserID == userID {
		return true
	}
	_, err := g.Authorize(ctx, userID, b.VenueID)
	return err == nil
}
