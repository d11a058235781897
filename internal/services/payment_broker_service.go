package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courtline/booking-engine/internal/metrics"
	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PaymentBroker owns every conversation with the payment processor
type PaymentBroker interface {
	CreateIntent(ctx context.Context, booking *models.Booking) (*models.PaymentIntent, error)
	ConfirmIntent(ctx context.Context, intentID uuid.UUID, proof string) (*models.PaymentIntent, error)
	ResolveIntent(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error)
	GetIntent(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error)
	GetIntentByProcessorID(ctx context.Context, processorID string) (*models.PaymentIntent, error)
	CancelIntent(ctx context.Context, intentID uuid.UUID, final models.IntentState) (*models.PaymentIntent, error)
	Refund(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error)
	ListUnsettledIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error)
}

// IntentIdempotencyKey is the processor key for a booking attempt. The same
// key is reused on every retry so the processor never charges twice.
func IntentIdempotencyKey(bookingID uuid.UUID, attempt int) string {
	return fmt.Sprintf("booking:%s:%d", bookingID, attempt)
}

// PaymentBrokerService implements PaymentBroker with bounded retries
type PaymentBrokerService struct {
	intents   PaymentIntentStore
	processor PaymentProcessor
	retry     RetryPolicy
	logger    *logrus.Logger
}

// NewPaymentBrokerService creates a new PaymentBrokerService
func NewPaymentBrokerService(
	intents PaymentIntentStore,
	processor PaymentProcessor,
	retry RetryPolicy,
	logger *logrus.Logger,
) *PaymentBrokerService {
	return &PaymentBrokerService{
		intents:   intents,
		processor: processor,
		retry:     retry,
		logger:    logger,
	}
}

// ============================================================================
// CREATE
// ============================================================================

// CreateIntent obtains a processor charge handle for booking. If the processor
// stays unreachable after all retries it returns the local intent together with
// ErrPaymentAmbiguous, and the sweeper finishes the job later.
func (s *PaymentBrokerService) CreateIntent(ctx context.Context, booking *models.Booking) (*models.PaymentIntent, error) {
	intent, err := s.intents.CreateOrGet(ctx, &models.PaymentIntent{
		BookingID:      booking.ID,
		Amount:         booking.TotalAmount,
		Currency:       booking.Currency,
		State:          models.IntentStateCreated,
		IdempotencyKey: IntentIdempotencyKey(booking.ID, booking.Attempt),
	})
	if err != nil {
		return nil, err
	}
	if intent.ProcessorIntentID != nil || intent.State.IsFinal() {
		return intent, nil
	}

	return s.createCharge(ctx, intent)
}

func (s *PaymentBrokerService) createCharge(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error) {
	var charge *Charge
	attempts, err := s.retry.Do(ctx, isRetryable, func(ctx context.Context) error {
		c, err := s.processor.CreateCharge(ctx, ChargeRequest{
			BookingID:      intent.BookingID,
			Amount:         intent.Amount,
			Currency:       intent.Currency,
			IdempotencyKey: intent.IdempotencyKey,
			Description:    "Booking " + intent.BookingID.String(),
		})
		if err != nil {
			return err
		}
		charge = c
		return nil
	})
	intent.Attempts += attempts

	if err != nil {
		return s.recordFailure(ctx, intent, "create", err)
	}

	metrics.IncProcessorCall("create", "ok")
	intent.ProcessorIntentID = &charge.ID
	if charge.ClientSecret != "" {
		intent.ClientSecret = &charge.ClientSecret
	}
	applyChargeStatus(intent, charge)
	if err := s.intents.Update(ctx, intent); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"intent_id":  intent.ID,
		"booking_id": intent.BookingID,
		"processor":  charge.ID,
		"attempts":   attempts,
	}).Info("Payment intent created")

	return intent, nil
}

// ============================================================================
// CONFIRM / RESOLVE
// ============================================================================

// ConfirmIntent submits the client's confirmation proof. A nil error with a
// non-final state means the processor has not settled yet.
func (s *PaymentBrokerService) ConfirmIntent(ctx context.Context, intentID uuid.UUID, proof string) (*models.PaymentIntent, error) {
	intent, err := s.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State.IsFinal() {
		return intent, nil
	}
	if intent.ProcessorIntentID == nil {
		// creation never reached the processor, finish it first
		intent, err = s.createCharge(ctx, intent)
		if err != nil {
			return intent, err
		}
		if intent.State.IsFinal() {
			return intent, nil
		}
	}

	var charge *Charge
	attempts, err := s.retry.Do(ctx, isRetryable, func(ctx context.Context) error {
		c, err := s.processor.ConfirmCharge(ctx, *intent.ProcessorIntentID, proof, "confirm:"+intent.IdempotencyKey)
		if err != nil {
			return err
		}
		charge = c
		return nil
	})
	intent.Attempts += attempts

	if err != nil {
		return s.recordFailure(ctx, intent, "confirm", err)
	}

	metrics.IncProcessorCall("confirm", "ok")
	applyChargeStatus(intent, charge)
	if err := s.intents.Update(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// ResolveIntent asks the processor for the definitive outcome of an intent.
// Intents whose creation never landed are re-issued under the same key. A
// failed or expired intent that has a processor handle is still re-read, since
// a void that never reached the processor leaves the charge payable.
func (s *PaymentBrokerService) ResolveIntent(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error) {
	intent, err := s.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State == models.IntentStateSucceeded {
		return intent, nil
	}
	if intent.ProcessorIntentID == nil {
		if intent.State.IsFinal() {
			return intent, nil
		}
		return s.createCharge(ctx, intent)
	}

	charge, err := s.chargeStatus(ctx, intent)
	if err != nil {
		if intent.State.IsFinal() {
			return s.recheckFailure(intent, err)
		}
		return s.recordFailure(ctx, intent, "status", err)
	}

	metrics.IncProcessorCall("status", "ok")
	before := intent.State
	if before.IsFinal() {
		// closed locally, only a late success can still change the outcome
		if charge.Status == ChargeSucceeded {
			intent.State = models.IntentStateSucceeded
			s.logger.WithFields(logrus.Fields{
				"intent_id":  intent.ID,
				"booking_id": intent.BookingID,
				"previous":   before,
			}).Warn("Processor charge succeeded after the intent was closed")
		}
	} else {
		applyChargeStatus(intent, charge)
	}
	dirty := intent.State != before
	if charge.Status == ChargeCancelled && intent.VoidedAt == nil {
		now := time.Now().UTC()
		intent.VoidedAt = &now
		dirty = true
	}
	if dirty {
		if err := s.intents.Update(ctx, intent); err != nil {
			return nil, err
		}
	}
	return intent, nil
}

// recheckFailure handles a failed status read for a locally closed intent.
// The local state is kept; an unreachable processor is reported as ambiguous
// so the caller tries again later.
func (s *PaymentBrokerService) recheckFailure(intent *models.PaymentIntent, cause error) (*models.PaymentIntent, error) {
	if !isRetryable(cause) {
		metrics.IncProcessorCall("status", "not_found")
		return intent, nil
	}
	metrics.IncProcessorCall("status", "exhausted")
	s.logger.WithError(cause).WithField("intent_id", intent.ID).Warn("Failed to re-check closed intent")
	return intent, fmt.Errorf("%w: status: %v", models.ErrPaymentAmbiguous, cause)
}

// GetIntent returns the local intent record
func (s *PaymentBrokerService) GetIntent(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error) {
	return s.intents.GetByID(ctx, intentID)
}

// GetIntentByProcessorID returns the local intent for a processor handle
func (s *PaymentBrokerService) GetIntentByProcessorID(ctx context.Context, processorID string) (*models.PaymentIntent, error) {
	return s.intents.GetByProcessorID(ctx, processorID)
}

// ============================================================================
// CANCEL / REFUND
// ============================================================================

// CancelIntent voids the processor charge and finalizes the intent as final.
// If the processor reports the charge already succeeded the intent is marked
// succeeded instead, and the caller is expected to refund it. When the void
// cannot be delivered the intent is left as it is and ErrPaymentAmbiguous is
// returned, so a later pass can try again.
func (s *PaymentBrokerService) CancelIntent(ctx context.Context, intentID uuid.UUID, final models.IntentState) (*models.PaymentIntent, error) {
	intent, err := s.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State == models.IntentStateSucceeded {
		return intent, nil
	}

	if intent.ProcessorIntentID != nil {
		// a declined charge is still payable until it is voided
		_, err := s.retry.Do(ctx, isRetryable, func(ctx context.Context) error {
			return s.processor.CancelCharge(ctx, *intent.ProcessorIntentID, "cancel:"+intent.IdempotencyKey)
		})
		switch {
		case err == nil, errors.Is(err, ErrChargeNotFound):
			metrics.IncProcessorCall("cancel", "ok")
			now := time.Now().UTC()
			intent.VoidedAt = &now
		case errors.Is(err, ErrProcessorRejected):
			// usually means the charge settled in the meantime
			settled, serr := s.afterRejectedVoid(ctx, intent)
			if serr != nil || settled {
				return intent, serr
			}
		default:
			metrics.IncProcessorCall("cancel", "error")
			s.logger.WithError(err).WithField("intent_id", intent.ID).Warn("Failed to cancel processor charge")
			return intent, fmt.Errorf("%w: cancel: %v", models.ErrPaymentAmbiguous, err)
		}
	}

	if !intent.State.IsFinal() {
		intent.State = final
	}
	if err := s.intents.Update(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// afterRejectedVoid reads the charge the processor refused to cancel. It
// reports settled once the intent has been stored as succeeded. A charge that
// is still in flight yields ErrPaymentAmbiguous.
func (s *PaymentBrokerService) afterRejectedVoid(ctx context.Context, intent *models.PaymentIntent) (bool, error) {
	charge, err := s.chargeStatus(ctx, intent)
	if err != nil {
		return false, fmt.Errorf("%w: cancel: %v", models.ErrPaymentAmbiguous, err)
	}

	switch charge.Status {
	case ChargeSucceeded:
		intent.State = models.IntentStateSucceeded
		if err := s.intents.Update(ctx, intent); err != nil {
			return false, err
		}
		return true, nil
	case ChargeCancelled:
		now := time.Now().UTC()
		intent.VoidedAt = &now
		return false, nil
	default:
		return false, fmt.Errorf("%w: cancel rejected while charge is %s", models.ErrPaymentAmbiguous, charge.Status)
	}
}

// ListUnsettledIntents returns charges of closed bookings that still need a
// processor void or a refund
func (s *PaymentBrokerService) ListUnsettledIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	return s.intents.ListUnsettledForClosedBookings(ctx, updatedBefore, limit)
}

// Refund returns the funds of a succeeded intent. Repeated calls are no-ops.
func (s *PaymentBrokerService) Refund(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error) {
	intent, err := s.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.RefundID != nil {
		return intent, nil
	}
	if intent.State != models.IntentStateSucceeded || intent.ProcessorIntentID == nil {
		return intent, fmt.Errorf("intent %s is %s, nothing to refund", intent.ID, intent.State)
	}

	var refundID string
	_, err = s.retry.Do(ctx, isRetryable, func(ctx context.Context) error {
		id, err := s.processor.RefundCharge(ctx, *intent.ProcessorIntentID, "refund:"+*intent.ProcessorIntentID)
		if err != nil {
			return err
		}
		refundID = id
		return nil
	})
	if err != nil {
		metrics.IncProcessorCall("refund", "error")
		return intent, fmt.Errorf("failed to refund intent %s: %w", intent.ID, err)
	}

	metrics.IncProcessorCall("refund", "ok")
	intent.RefundID = &refundID
	if err := s.intents.Update(ctx, intent); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"intent_id":  intent.ID,
		"booking_id": intent.BookingID,
		"refund_id":  refundID,
	}).Info("Payment refunded")

	return intent, nil
}

// ============================================================================
// HELPERS
// ============================================================================

// recordFailure stores the processor error. Exhausted retries leave the intent
// open and yield ErrPaymentAmbiguous; declines finalize it as failed.
func (s *PaymentBrokerService) recordFailure(ctx context.Context, intent *models.PaymentIntent, op string, cause error) (*models.PaymentIntent, error) {
	msg := cause.Error()
	intent.LastError = &msg

	var result error
	switch {
	case isRetryable(cause):
		metrics.IncProcessorCall(op, "exhausted")
		result = fmt.Errorf("%w: %s after %d attempts: %v", models.ErrPaymentAmbiguous, op, intent.Attempts, cause)
	case errors.Is(cause, ErrChargeNotFound) && intent.ProcessorIntentID != nil:
		metrics.IncProcessorCall(op, "not_found")
		intent.State = models.IntentStateFailed
		result = fmt.Errorf("%w: %v", models.ErrPaymentFailed, cause)
	default:
		metrics.IncProcessorCall(op, "declined")
		intent.State = models.IntentStateFailed
		result = fmt.Errorf("%w: %v", models.ErrPaymentFailed, cause)
	}

	if err := s.intents.Update(ctx, intent); err != nil {
		s.logger.WithError(err).WithField("intent_id", intent.ID).Error("Failed to record processor failure")
	}

	s.logger.WithFields(logrus.Fields{
		"intent_id":  intent.ID,
		"booking_id": intent.BookingID,
		"operation":  op,
		"state":      intent.State,
	}).WithError(cause).Warn("Processor call failed")

	return intent, result
}

func (s *PaymentBrokerService) chargeStatus(ctx context.Context, intent *models.PaymentIntent) (*Charge, error) {
	var charge *Charge
	_, err := s.retry.Do(ctx, isRetryable, func(ctx context.Context) error {
		c, err := s.processor.GetChargeStatus(ctx, *intent.ProcessorIntentID)
		if err != nil {
			return err
		}
		charge = c
		return nil
	})
	return charge, err
}

func applyChargeStatus(intent *models.PaymentIntent, charge *Charge) {
	switch charge.Status {
	case ChargeSucceeded:
		intent.State = models.IntentStateSucceeded
	case ChargeFailed, ChargeCancelled:
		intent.State = models.IntentStateFailed
		if charge.FailureMessage != "" {
			msg := charge.FailureMessage
			intent.LastError = &msg
		}
	}
}
