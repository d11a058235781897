package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
)

// StripeProcessor implements PaymentProcessor on top of Stripe payment intents.
// stripe.Key must be set before use.
type StripeProcessor struct{}

// NewStripeProcessor sets the API key and returns the processor
func NewStripeProcessor(secretKey string) *StripeProcessor {
	stripe.Key = secretKey
	return &StripeProcessor{}
}

func (p *StripeProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("booking_id", req.BookingID.String())

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return chargeFromIntent(pi), nil
}

func (p *StripeProcessor) ConfirmCharge(ctx context.Context, chargeID, proof, idempotencyKey string) (*Charge, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	if proof != "" {
		params.PaymentMethod = stripe.String(proof)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := paymentintent.Confirm(chargeID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return chargeFromIntent(pi), nil
}

func (p *StripeProcessor) GetChargeStatus(ctx context.Context, chargeID string) (*Charge, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(chargeID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return chargeFromIntent(pi), nil
}

func (p *StripeProcessor) CancelCharge(ctx context.Context, chargeID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	if _, err := paymentintent.Cancel(chargeID, params); err != nil {
		return classifyStripeError(err)
	}
	return nil
}

func (p *StripeProcessor) RefundCharge(ctx context.Context, chargeID, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(chargeID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	r, err := refund.New(params)
	if err != nil {
		return "", classifyStripeError(err)
	}
	return r.ID, nil
}

func chargeFromIntent(pi *stripe.PaymentIntent) *Charge {
	c := &Charge{ID: pi.ID, ClientSecret: pi.ClientSecret}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		c.Status = ChargeSucceeded
	case stripe.PaymentIntentStatusCanceled:
		c.Status = ChargeCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// A confirmed intent that falls back to requires_payment_method was declined
		if pi.LastPaymentError != nil {
			c.Status = ChargeFailed
			c.FailureMessage = pi.LastPaymentError.Msg
		} else {
			c.Status = ChargePending
		}
	default:
		c.Status = ChargePending
	}
	return c
}

// classifyStripeError maps stripe errors onto processor sentinels
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// network failure, the request may or may not have landed
		return fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("%w: %s", ErrChargeDeclined, stripeErr.Msg)
	case stripeErr.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", ErrChargeNotFound, stripeErr.Msg)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", ErrProcessorUnavailable, stripeErr.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrProcessorRejected, stripeErr.Msg)
	}
}
