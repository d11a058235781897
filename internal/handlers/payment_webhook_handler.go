package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/courtline/booking-engine/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const maxWebhookBodyBytes = int64(65536)

// PaymentOutcomeHandler receives processor outcomes
type PaymentOutcomeHandler interface {
	OnPaymentSucceeded(ctx context.Context, bookingID, intentID uuid.UUID) (*models.Booking, error)
	OnPaymentFailed(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error)
}

// IntentResolver looks up and refreshes local intents
type IntentResolver interface {
	GetIntentByProcessorID(ctx context.Context, processorID string) (*models.PaymentIntent, error)
	ResolveIntent(ctx context.Context, intentID uuid.UUID) (*models.PaymentIntent, error)
}

// WebhookDedupe claims processor event ids
type WebhookDedupe interface {
	MarkProcessing(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// PaymentWebhookHandler turns stripe events into lifecycle calls. The event is
// only a hint: the intent is re-read from the processor before acting, and the
// sweeper covers events that never arrive.
type PaymentWebhookHandler struct {
	secret   string
	outcomes PaymentOutcomeHandler
	intents  IntentResolver
	dedupe   WebhookDedupe // optional
	logger   *logrus.Logger
}

// NewPaymentWebhookHandler creates a new PaymentWebhookHandler. dedupe may be nil.
func NewPaymentWebhookHandler(
	secret string,
	outcomes PaymentOutcomeHandler,
	intents IntentResolver,
	dedupe WebhookDedupe,
	logger *logrus.Logger,
) *PaymentWebhookHandler {
	return &PaymentWebhookHandler{
		secret:   secret,
		outcomes: outcomes,
		intents:  intents,
		dedupe:   dedupe,
		logger:   logger,
	}
}

// HandleWebhook handles POST /api/v1/payments/webhook
func (h *PaymentWebhookHandler) HandleWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to read webhook body")
		c.Status(http.StatusServiceUnavailable)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.WithError(err).Warn("Webhook signature verification failed")
		c.Status(http.StatusBadRequest)
		return
	}

	log := h.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	ctx := c.Request.Context()

	if h.dedupe != nil {
		first, err := h.dedupe.MarkProcessing(ctx, event.ID)
		if err != nil {
			// process anyway, the lifecycle handlers are idempotent
			log.WithError(err).Warn("Webhook dedupe unavailable")
		} else if !first {
			log.Debug("Duplicate webhook event ignored")
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil || pi.ID == "" {
			log.WithError(err).Warn("Webhook payload is not a payment intent")
			break
		}
		if err := h.applyIntentEvent(ctx, pi.ID); err != nil {
			log.WithError(err).WithField("processor_intent", pi.ID).Error("Failed to apply webhook event")
			if h.dedupe != nil {
				if ferr := h.dedupe.Forget(ctx, event.ID); ferr != nil {
					log.WithError(ferr).Warn("Failed to release webhook claim")
				}
			}
			// non-2xx makes stripe redeliver the event
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "retry"})
			return
		}
	default:
		log.Debug("Unhandled webhook event type")
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (h *PaymentWebhookHandler) applyIntentEvent(ctx context.Context, processorID string) error {
	local, err := h.intents.GetIntentByProcessorID(ctx, processorID)
	if errors.Is(err, models.ErrIntentNotFound) {
		h.logger.WithField("processor_intent", processorID).Info("Webhook for unknown intent ignored")
		return nil
	}
	if err != nil {
		return err
	}

	intent, err := h.intents.ResolveIntent(ctx, local.ID)
	if err != nil && !errors.Is(err, models.ErrPaymentFailed) {
		return err
	}

	switch intent.State {
	case models.IntentStateSucceeded:
		_, err = h.outcomes.OnPaymentSucceeded(ctx, intent.BookingID, intent.ID)
		if errors.Is(err, models.ErrHoldExpired) {
			// booking cancelled and refunded
			return nil
		}
		return err
	case models.IntentStateFailed, models.IntentStateExpired:
		_, err = h.outcomes.OnPaymentFailed(ctx, intent.BookingID)
		return err
	default:
		return nil
	}
}
