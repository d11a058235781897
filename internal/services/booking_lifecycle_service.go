package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courtline/booking-engine/internal/events"
	"github.com/courtline/booking-engine/internal/metrics"
	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxMutateAttempts bounds reload-and-retry on optimistic version conflicts
const maxMutateAttempts = 5

// errNoChange tells mutate the booking is already in the requested state
var errNoChange = errors.New("no change")

// BookingLifecycleConfig holds configuration for the lifecycle manager
type BookingLifecycleConfig struct {
	HoldDuration       time.Duration // How long holds stay valid while payment runs
	CancellationWindow time.Duration // Users cannot cancel a confirmed booking closer than this to start
	MaxDuration        time.Duration // Longest bookable interval
	Currency           string
}

// DefaultLifecycleConfig returns default configuration
func DefaultLifecycleConfig() BookingLifecycleConfig {
	return BookingLifecycleConfig{
		HoldDuration:       10 * time.Minute,
		CancellationWindow: 24 * time.Hour,
		MaxDuration:        12 * time.Hour,
		Currency:           "usd",
	}
}

// BookingLifecycleService owns the booking state machine. It is the only
// writer of booking status.
type BookingLifecycleService struct {
	bookings BookingStore
	ledger   SlotLedger
	catalog  VenueCatalog
	broker   PaymentBroker
	events   EventPublisher
	config   BookingLifecycleConfig
	logger   *logrus.Logger
	now      func() time.Time
}

// NewBookingLifecycleService creates a new lifecycle service
func NewBookingLifecycleService(
	bookings BookingStore,
	ledger SlotLedger,
	catalog VenueCatalog,
	broker PaymentBroker,
	publisher EventPublisher,
	config BookingLifecycleConfig,
	logger *logrus.Logger,
) *BookingLifecycleService {
	return &BookingLifecycleService{
		bookings: bookings,
		ledger:   ledger,
		catalog:  catalog,
		broker:   broker,
		events:   publisher,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// ============================================================================
// CREATE
// ============================================================================

// CreateBooking validates the selection, holds every selected component and
// requests a payment intent. On a conflict no hold survives and the returned
// *models.SlotConflictError lists every unavailable component.
// A models.ErrPaymentAmbiguous error comes with a usable pending booking.
func (s *BookingLifecycleService) CreateBooking(
	ctx context.Context,
	userID uuid.UUID,
	req *models.CreateBookingRequest,
	idempotencyKey string,
) (*models.Booking, *models.PaymentIntent, error) {
	// 1. Replay of an earlier attempt
	if idempotencyKey != "" {
		existing, err := s.bookings.GetByIdempotencyKey(ctx, userID, idempotencyKey)
		if err == nil {
			return existing, s.intentFor(ctx, existing), nil
		}
		if !errors.Is(err, models.ErrBookingNotFound) {
			return nil, nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
	}

	// 2. Validate shape, then against the venue catalog
	sel, err := req.Validate(s.config.MaxDuration)
	if err != nil {
		return nil, nil, err
	}
	now := s.now().UTC()
	if !sel.StartsAt.After(now) {
		return nil, nil, models.NewSelectionError("start_time", "must be in the future")
	}
	components, err := s.resolveComponents(ctx, sel)
	if err != nil {
		return nil, nil, err
	}

	minutes := int(sel.EndsAt.Sub(sel.StartsAt) / time.Minute)
	booking := &models.Booking{
		ID:              uuid.New(),
		UserID:          userID,
		VenueID:         sel.VenueID,
		Sport:           sel.Sport,
		Components:      components,
		StartsAt:        sel.StartsAt,
		EndsAt:          sel.EndsAt,
		DurationMinutes: minutes,
		TotalAmount:     TotalAmount(components, minutes),
		Currency:        s.config.Currency,
		Status:          models.BookingStatusDraft,
		Attempt:         1,
	}
	if idempotencyKey != "" {
		booking.IdempotencyKey = &idempotencyKey
	}

	// 3. All-or-nothing holds
	if err := s.acquireAll(ctx, booking); err != nil {
		return nil, nil, err
	}

	// 4. Persist as pending
	if err := applyStatus(booking, models.BookingStatusPendingPayment, now); err != nil {
		s.releaseHolds(ctx, booking.ID)
		return nil, nil, err
	}
	if err := s.bookings.Create(ctx, booking); err != nil {
		s.releaseHolds(ctx, booking.ID)
		return nil, nil, fmt.Errorf("failed to create booking: %w", err)
	}
	metrics.IncTransition(string(booking.Status))

	s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"user_id":    userID,
		"venue_id":   booking.VenueID,
		"components": len(components),
		"amount":     booking.TotalAmount,
	}).Info("Booking pending payment")

	// 5. Payment intent
	intent, err := s.broker.CreateIntent(ctx, booking)
	if intent != nil {
		if updated, aerr := s.attachIntent(ctx, booking.ID, intent); aerr == nil {
			booking = updated
		} else {
			s.logger.WithError(aerr).WithField("booking_id", booking.ID).Error("Failed to attach payment intent")
		}
	}

	switch {
	case err == nil:
		return booking, intent, nil
	case errors.Is(err, models.ErrPaymentFailed):
		if failed, ferr := s.OnPaymentFailed(ctx, booking.ID); ferr == nil {
			booking = failed
		}
		return booking, intent, err
	default:
		// ambiguous or a local error: the booking stays pending for the sweeper
		return booking, intent, err
	}
}

// TotalAmount prices components over minutes, rounding to the nearest minor unit
func TotalAmount(components models.BookingComponents, minutes int) int64 {
	var perHour int64
	for _, c := range components {
		perHour += c.PricePerHour
	}
	return (perHour*int64(minutes) + 30) / 60
}

func (s *BookingLifecycleService) resolveComponents(ctx context.Context, sel *models.BookingSelection) (models.BookingComponents, error) {
	venue, err := s.catalog.GetVenue(ctx, sel.VenueID)
	if errors.Is(err, models.ErrVenueNotFound) {
		return nil, models.NewSelectionError("venue_id", "venue not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load venue: %w", err)
	}
	if !venue.Bookable {
		return nil, models.NewSelectionError("venue_id", "venue is not accepting bookings")
	}
	if !venue.SupportsSport(sel.Sport) {
		return nil, models.NewSelectionError("sport", "venue does not support "+sel.Sport)
	}

	components := make(models.BookingComponents, 0, len(sel.ComponentIDs))
	for _, id := range sel.ComponentIDs {
		comp, ok := venue.Component(id)
		if !ok {
			return nil, models.NewSelectionError("component_ids", "component "+id.String()+" does not belong to the venue")
		}
		if !comp.SupportsSport(sel.Sport) {
			return nil, models.NewSelectionError("component_ids", "component "+comp.Name+" does not support "+sel.Sport)
		}
		components = append(components, models.BookingComponent{
			ComponentID:  comp.ID,
			Name:         comp.Name,
			PricePerHour: comp.PricePerHour,
		})
	}
	return components, nil
}

// acquireAll holds every component of booking. Every acquisition is attempted
// so the conflict error names all unavailable components.
func (s *BookingLifecycleService) acquireAll(ctx context.Context, booking *models.Booking) error {
	var (
		acquired    []uuid.UUID
		unavailable []models.UnavailableComponent
	)

	for _, comp := range booking.Components {
		hold, err := s.ledger.Acquire(ctx, models.HoldRequest{
			FacilityID:   comp.ComponentID,
			StartsAt:     booking.StartsAt,
			EndsAt:       booking.EndsAt,
			BookingID:    booking.ID,
			HoldDuration: s.config.HoldDuration,
		})
		if errors.Is(err, models.ErrSlotConflict) {
			unavailable = append(unavailable, models.UnavailableComponent{
				ComponentID: comp.ComponentID,
				Name:        comp.Name,
				Date:        booking.Date(),
				StartTime:   booking.StartsAt.Format(models.ClockLayout),
				EndTime:     booking.EndsAt.Format(models.ClockLayout),
			})
			continue
		}
		if err != nil {
			s.releaseAcquired(ctx, acquired)
			return fmt.Errorf("failed to acquire hold: %w", err)
		}
		acquired = append(acquired, hold.ID)
	}

	if len(unavailable) > 0 {
		s.releaseAcquired(ctx, acquired)
		metrics.IncSlotConflict()
		return &models.SlotConflictError{Unavailable: unavailable}
	}
	return nil
}

func (s *BookingLifecycleService) releaseAcquired(ctx context.Context, holdIDs []uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range holdIDs {
		if err := s.ledger.Release(ctx, id); err != nil {
			// left for the sweeper's orphan pass
			s.logger.WithError(err).WithField("hold_id", id).Error("Failed to release hold")
		}
	}
}

func (s *BookingLifecycleService) attachIntent(ctx context.Context, bookingID uuid.UUID, intent *models.PaymentIntent) (*models.Booking, error) {
	b, _, err := s.mutate(ctx, bookingID, func(b *models.Booking) error {
		if b.PaymentIntentID != nil && *b.PaymentIntentID == intent.ID &&
			equalRef(b.PaymentReference, intent.ProcessorIntentID) {
			return errNoChange
		}
		b.PaymentIntentID = &intent.ID
		b.PaymentReference = intent.ProcessorIntentID
		return nil
	})
	return b, err
}

// ============================================================================
// PAYMENT OUTCOMES
// ============================================================================

// ConfirmPayment forwards the client's confirmation proof to the broker and
// applies the outcome. A pending processor result yields models.ErrPaymentAmbiguous.
func (s *BookingLifecycleService) ConfirmPayment(
	ctx context.Context,
	bookingID, userID uuid.UUID,
	req *models.ConfirmPaymentRequest,
) (*models.Booking, *models.PaymentIntent, error) {
	intentID, err := uuid.Parse(req.IntentID)
	if err != nil {
		return nil, nil, models.NewSelectionError("intent_id", "must be a valid UUID")
	}

	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	if b.UserID != userID {
		return nil, nil, models.ErrUnauthorized
	}
	if b.PaymentIntentID == nil || *b.PaymentIntentID != intentID {
		return b, nil, models.ErrIntentMismatch
	}
	switch b.Status {
	case models.BookingStatusConfirmed, models.BookingStatusCompleted:
		return b, s.intentFor(ctx, b), nil
	case models.BookingStatusPendingPayment:
	default:
		return b, nil, &models.TransitionError{From: b.Status, To: models.BookingStatusConfirmed}
	}

	intent, err := s.broker.ConfirmIntent(ctx, intentID, req.ConfirmationProof)
	switch {
	case errors.Is(err, models.ErrPaymentFailed):
		failed, ferr := s.OnPaymentFailed(ctx, bookingID)
		if ferr != nil {
			return b, intent, ferr
		}
		return failed, intent, err
	case err != nil:
		return b, intent, err
	}

	switch intent.State {
	case models.IntentStateSucceeded:
		confirmed, err := s.OnPaymentSucceeded(ctx, bookingID, intentID)
		return confirmed, intent, err
	case models.IntentStateFailed, models.IntentStateExpired:
		failed, ferr := s.OnPaymentFailed(ctx, bookingID)
		if ferr != nil {
			return b, intent, ferr
		}
		return failed, intent, models.ErrPaymentFailed
	default:
		return b, intent, models.ErrPaymentAmbiguous
	}
}

// OnPaymentSucceeded confirms the booking's holds and the booking itself.
// Repeated calls for a confirmed booking are no-ops. If the holds were lost
// the booking is cancelled, and the payment is refunded.
func (s *BookingLifecycleService) OnPaymentSucceeded(ctx context.Context, bookingID, intentID uuid.UUID) (*models.Booking, error) {
	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.PaymentIntentID == nil || *b.PaymentIntentID != intentID {
		return b, models.ErrIntentMismatch
	}

	switch b.Status {
	case models.BookingStatusConfirmed, models.BookingStatusCompleted:
		return b, nil
	case models.BookingStatusCancelled, models.BookingStatusExpired:
		// the slot is gone, the money goes back
		s.refund(ctx, b, intentID)
		return b, nil
	}

	intent, err := s.broker.GetIntent(ctx, intentID)
	if err != nil {
		return b, err
	}
	if intent.State != models.IntentStateSucceeded {
		if intent, err = s.broker.ResolveIntent(ctx, intentID); err != nil {
			return b, err
		}
		if intent.State != models.IntentStateSucceeded {
			return b, fmt.Errorf("%w: intent is %s", models.ErrPaymentAmbiguous, intent.State)
		}
	}

	if err := s.ledger.ConfirmForBooking(ctx, b.ID, len(b.Components)); err != nil {
		if errors.Is(err, models.ErrHoldExpired) {
			return s.cancelForLostHolds(ctx, b.ID, intentID)
		}
		return b, fmt.Errorf("failed to confirm holds: %w", err)
	}

	var lost bool
	now := s.now().UTC()
	b, changed, err := s.mutate(ctx, bookingID, func(b *models.Booking) error {
		lost = false
		switch b.Status {
		case models.BookingStatusConfirmed, models.BookingStatusCompleted:
			return errNoChange
		case models.BookingStatusPendingPayment:
		default:
			// cancelled between hold confirmation and here
			lost = true
			return errNoChange
		}
		if err := applyStatus(b, models.BookingStatusConfirmed, now); err != nil {
			return err
		}
		b.PaymentReference = intent.ProcessorIntentID
		return nil
	})
	if err != nil {
		return b, err
	}

	if lost {
		s.releaseHolds(ctx, b.ID)
		s.refund(ctx, b, intentID)
		return b, nil
	}
	if changed {
		s.logger.WithFields(logrus.Fields{
			"booking_id": b.ID,
			"intent_id":  intentID,
		}).Info("Booking confirmed")
		s.publish(ctx, events.BookingConfirmed, b, "")
	}
	return b, nil
}

// cancelForLostHolds handles a successful payment that arrived after the holds
// expired. The booking is cancelled, every hold released and a refund issued.
func (s *BookingLifecycleService) cancelForLostHolds(ctx context.Context, bookingID, intentID uuid.UUID) (*models.Booking, error) {
	now := s.now().UTC()
	b, changed, err := s.mutate(ctx, bookingID, func(b *models.Booking) error {
		if b.Status != models.BookingStatusPendingPayment {
			return errNoChange
		}
		reason := models.CancelReasonHoldExpired
		b.CancelReason = &reason
		return applyStatus(b, models.BookingStatusCancelled, now)
	})
	if err != nil {
		return b, err
	}
	if b.Status == models.BookingStatusConfirmed || b.Status == models.BookingStatusCompleted {
		// a concurrent confirmation won
		return b, nil
	}

	s.releaseHolds(ctx, b.ID)
	if changed {
		s.logger.WithFields(logrus.Fields{
			"booking_id": b.ID,
			"intent_id":  intentID,
		}).Warn("Payment succeeded after holds expired, cancelling booking")
		s.publish(ctx, events.BookingCancelled, b, models.CancelReasonHoldExpired)
	}
	s.refund(ctx, b, intentID)
	return b, models.ErrHoldExpired
}

// OnPaymentFailed cancels a pending booking, releases its holds and voids the
// processor charge. Bookings in any other state are left untouched.
func (s *BookingLifecycleService) OnPaymentFailed(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	now := s.now().UTC()
	b, changed, err := s.mutate(ctx, bookingID, func(b *models.Booking) error {
		if b.Status != models.BookingStatusPendingPayment {
			return errNoChange
		}
		reason := models.CancelReasonPaymentFailed
		b.CancelReason = &reason
		return applyStatus(b, models.BookingStatusCancelled, now)
	})
	if err != nil {
		return b, err
	}

	if b.Status == models.BookingStatusCancelled || b.Status == models.BookingStatusExpired {
		s.releaseHolds(ctx, b.ID)
	}
	if changed {
		s.logger.WithField("booking_id", b.ID).Info("Booking cancelled after payment failure")
		s.publish(ctx, events.BookingCancelled, b, models.CancelReasonPaymentFailed)
		// a declined processor intent stays payable with the client secret
		s.voidIntent(ctx, b, models.IntentStateFailed)
	}
	return b, nil
}

// ============================================================================
// CANCEL / OWNER ACTIONS
// ============================================================================

// Cancel cancels a booking on behalf of actor. Users may cancel their own
// pending booking, or their confirmed booking up to CancellationWindow before
// start. Owners may cancel a confirmed booking until it starts; pending
// bookings are rejected through Reject.
func (s *BookingLifecycleService) Cancel(ctx context.Context, bookingID uuid.UUID, actor models.Actor, reason string) (*models.Booking, error) {
	now := s.now().UTC()
	var previous models.BookingStatus

	b, changed, err := s.mutate(ctx, bookingID, func(b *models.Booking) error {
		if actor.Kind == models.ActorUser && b.UserID != actor.UserID {
			return models.ErrUnauthorized
		}
		previous = b.Status

		switch b.Status {
		case models.BookingStatusCancelled:
			return errNoChange
		case models.BookingStatusPendingPayment:
			if actor.Kind != models.ActorUser {
				return models.ErrUnauthorized
			}
		case models.BookingStatusConfirmed:
			if actor.Kind == models.ActorUser && now.Add(s.config.CancellationWindow).After(b.StartsAt) {
				return models.ErrCancellationWindowClosed
			}
			if actor.Kind == models.ActorOwner && !now.Before(b.StartsAt) {
				return models.ErrCancellationWindowClosed
			}
		}

		code := models.CancelReasonUser
		if actor.Kind == models.ActorOwner {
			code = models.CancelReasonOwner
		}
		return s.markCancelled(b, actor, code, now)
	})
	if err != nil {
		return b, err
	}
	if changed {
		s.afterCancel(ctx, b, previous, reason)
	}
	return b, nil
}

// Reject cancels a pending or confirmed booking on behalf of the venue owner.
// Holds are released exactly as for Cancel.
func (s *BookingLifecycleService) Reject(ctx context.Context, bookingID uuid.UUID, owner models.Actor, reason string) (*models.Booking, error) {
	if owner.Kind != models.ActorOwner {
		return nil, models.ErrUnauthorized
	}
	now := s.now().UTC()
	var previous models.BookingStatus

	b, changed, err := s.mutate(ctx, bookingID, func(b *models.Booking) error {
		previous = b.Status
		if b.Status == models.BookingStatusCancelled {
			return errNoChange
		}
		return s.markCancelled(b, owner, models.CancelReasonOwnerRejected, now)
	})
	if err != nil {
		return b, err
	}
	if changed {
		s.afterCancel(ctx, b, previous, reason)
	}
	return b, nil
}

// Accept records the owner's acknowledgement. Status is unchanged because
// payment alone gates confirmation.
func (s *BookingLifecycleService) Accept(ctx context.Context, bookingID uuid.UUID, owner models.Actor) (*models.Booking, error) {
	if owner.Kind != models.ActorOwner {
		return nil, models.ErrUnauthorized
	}
	now := s.now().UTC()

	b, _, err := s.mutate(ctx, bookingID, func(b *models.Booking) error {
		switch b.Status {
		case models.BookingStatusPendingPayment, models.BookingStatusConfirmed:
		default:
			return &models.TransitionError{From: b.Status, To: models.BookingStatusConfirmed}
		}
		if b.OwnerAcceptedAt != nil {
			return errNoChange
		}
		b.OwnerAcceptedAt = &now
		return nil
	})
	return b, err
}

func (s *BookingLifecycleService) markCancelled(b *models.Booking, actor models.Actor, code string, now time.Time) error {
	if err := applyStatus(b, models.BookingStatusCancelled, now); err != nil {
		return err
	}
	cancelledBy := actor.UserID
	b.CancelReason = &code
	b.CancelledBy = &cancelledBy
	return nil
}

// afterCancel runs the side effects of a committed cancellation
func (s *BookingLifecycleService) afterCancel(ctx context.Context, b *models.Booking, previous models.BookingStatus, note string) {
	s.releaseHolds(ctx, b.ID)

	code := ""
	if b.CancelReason != nil {
		code = *b.CancelReason
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"previous":   previous,
		"reason":     code,
		"note":       note,
	}).Info("Booking cancelled")
	s.publish(ctx, events.BookingCancelled, b, code)

	if b.PaymentIntentID == nil {
		return
	}
	switch previous {
	case models.BookingStatusConfirmed:
		s.refund(ctx, b, *b.PaymentIntentID)
	case models.BookingStatusPendingPayment:
		s.voidIntent(ctx, b, models.IntentStateFailed)
	}
}

// ============================================================================
// COMPLETION / EXPIRY
// ============================================================================

// MarkCompleted moves a confirmed booking whose interval has elapsed to completed
func (s *BookingLifecycleService) MarkCompleted(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	now := s.now().UTC()
	b, changed, err := s.mutate(ctx, bookingID, func(b *models.Booking) error {
		if b.Status == models.BookingStatusCompleted {
			return errNoChange
		}
		if b.Status == models.BookingStatusConfirmed && !b.HasElapsed(now) {
			return models.ErrNotElapsed
		}
		return applyStatus(b, models.BookingStatusCompleted, now)
	})
	if err != nil {
		return b, err
	}
	if changed {
		s.publish(ctx, events.BookingCompleted, b, "")
	}
	return b, nil
}

// Expire marks a pending booking whose payment never resolved as expired and
// releases its holds. Other statuses are left alone.
func (s *BookingLifecycleService) Expire(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	now := s.now().UTC()
	b, changed, err := s.mutate(ctx, bookingID, func(b *models.Booking) error {
		if b.Status != models.BookingStatusPendingPayment {
			return errNoChange
		}
		return applyStatus(b, models.BookingStatusExpired, now)
	})
	if err != nil {
		return b, err
	}
	if b.Status != models.BookingStatusExpired {
		return b, nil
	}

	s.releaseHolds(ctx, b.ID)
	if changed {
		s.logger.WithField("booking_id", b.ID).Info("Booking expired")
		s.publish(ctx, events.BookingExpired, b, models.CancelReasonHoldExpired)
		s.voidIntent(ctx, b, models.IntentStateExpired)
	}
	return b, nil
}

// ============================================================================
// QUERIES
// ============================================================================

// GetBooking returns a booking with its payment intent, if any
func (s *BookingLifecycleService) GetBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, *models.PaymentIntent, error) {
	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	return b, s.intentFor(ctx, b), nil
}

// ListUserBookings returns the user's bookings, newest first
func (s *BookingLifecycleService) ListUserBookings(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Booking, error) {
	return s.bookings.ListByUser(ctx, userID, limit, offset)
}

func (s *BookingLifecycleService) intentFor(ctx context.Context, b *models.Booking) *models.PaymentIntent {
	if b.PaymentIntentID == nil {
		return nil
	}
	intent, err := s.broker.GetIntent(ctx, *b.PaymentIntentID)
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", b.ID).Warn("Failed to load payment intent")
		return nil
	}
	return intent
}

// ============================================================================
// HELPERS
// ============================================================================

// mutate loads the booking, applies fn and writes it back under the version
// check, reloading on concurrent modification. fn returns errNoChange to leave
// the row untouched. The bool reports whether a write happened.
func (s *BookingLifecycleService) mutate(ctx context.Context, bookingID uuid.UUID, fn func(b *models.Booking) error) (*models.Booking, bool, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		b, err := s.bookings.GetByID(ctx, bookingID)
		if err != nil {
			return nil, false, err
		}

		before := b.Status
		if err := fn(b); err != nil {
			if errors.Is(err, errNoChange) {
				return b, false, nil
			}
			return b, false, err
		}

		err = s.bookings.Update(ctx, b)
		if err == nil {
			if b.Status != before {
				metrics.IncTransition(string(b.Status))
			}
			return b, true, nil
		}
		if !errors.Is(err, models.ErrConcurrentModification) {
			return nil, false, err
		}
	}
	return nil, false, models.ErrConcurrentModification
}

// applyStatus moves b to next and stamps the matching timestamp
func applyStatus(b *models.Booking, next models.BookingStatus, now time.Time) error {
	if !b.Status.CanTransitionTo(next) {
		return &models.TransitionError{From: b.Status, To: next}
	}
	b.Status = next

	switch next {
	case models.BookingStatusConfirmed:
		b.ConfirmedAt = &now
	case models.BookingStatusCompleted:
		b.CompletedAt = &now
	case models.BookingStatusCancelled:
		b.CancelledAt = &now
	case models.BookingStatusExpired:
		b.ExpiredAt = &now
	}
	return nil
}

func (s *BookingLifecycleService) releaseHolds(ctx context.Context, bookingID uuid.UUID) {
	released, err := s.ledger.ReleaseForBooking(context.WithoutCancel(ctx), bookingID)
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", bookingID).Error("Failed to release booking holds")
		return
	}
	if released > 0 {
		s.logger.WithFields(logrus.Fields{
			"booking_id": bookingID,
			"released":   released,
		}).Debug("Holds released")
	}
}

// refund emits the refund signal and asks the broker to refund. Failures are
// logged for the operator; the booking state is final either way.
func (s *BookingLifecycleService) refund(ctx context.Context, b *models.Booking, intentID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	intent, err := s.broker.GetIntent(ctx, intentID)
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", b.ID).Error("Failed to load intent for refund")
		return
	}
	if intent.RefundID != nil {
		return
	}
	if intent.State != models.IntentStateSucceeded && intent.ProcessorIntentID != nil {
		// a local void or decline does not prove the charge never settled
		resolved, err := s.broker.ResolveIntent(ctx, intentID)
		if err != nil {
			s.logger.WithError(err).WithField("booking_id", b.ID).Warn("Failed to re-check intent before refund")
			return
		}
		intent = resolved
	}
	if intent.State != models.IntentStateSucceeded {
		return
	}

	s.publish(ctx, events.BookingRefundRequested, b, string(b.Status))
	if _, err := s.broker.Refund(ctx, intentID); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"booking_id": b.ID,
			"intent_id":  intentID,
		}).Error("Refund failed, manual follow-up required")
	}
}

// voidIntent cancels the processor charge of a booking that gave up its slot.
// A charge that settled in the meantime is refunded.
func (s *BookingLifecycleService) voidIntent(ctx context.Context, b *models.Booking, final models.IntentState) {
	if b.PaymentIntentID == nil {
		return
	}
	if _, err := s.settleAbandoned(ctx, b, *b.PaymentIntentID, final); err != nil {
		s.logger.WithError(err).WithField("booking_id", b.ID).Warn("Failed to cancel payment intent")
	}
}

func (s *BookingLifecycleService) settleAbandoned(ctx context.Context, b *models.Booking, intentID uuid.UUID, final models.IntentState) (*models.PaymentIntent, error) {
	ctx = context.WithoutCancel(ctx)
	intent, err := s.broker.CancelIntent(ctx, intentID, final)
	if err != nil {
		return intent, err
	}
	if intent.State == models.IntentStateSucceeded {
		s.refund(ctx, b, intent.ID)
		if refreshed, err := s.broker.GetIntent(ctx, intent.ID); err == nil {
			intent = refreshed
		}
	}
	return intent, nil
}

// SettleAbandonedPayment retries the processor void for an intent of a
// cancelled or expired booking whose earlier void never landed. A charge that
// settled in the meantime is refunded.
func (s *BookingLifecycleService) SettleAbandonedPayment(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error) {
	b, err := s.bookings.GetByID(ctx, intent.BookingID)
	if err != nil {
		return nil, err
	}

	final := models.IntentStateFailed
	switch b.Status {
	case models.BookingStatusExpired:
		final = models.IntentStateExpired
	case models.BookingStatusCancelled:
	default:
		return nil, &models.TransitionError{From: b.Status, To: models.BookingStatusCancelled}
	}
	return s.settleAbandoned(ctx, b, intent.ID, final)
}

func (s *BookingLifecycleService) publish(ctx context.Context, eventType string, b *models.Booking, reason string) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), events.NewBookingEvent(eventType, b, reason)); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"booking_id": b.ID,
			"event":      eventType,
		}).Error("Failed to publish booking event")
	}
}

func equalRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
