package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Processor errors. Only ErrProcessorUnavailable is retried.
var (
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
	ErrChargeDeclined       = errors.New("charge declined")
	ErrChargeNotFound       = errors.New("charge not found")
	ErrProcessorRejected    = errors.New("processor rejected request")
)

func isRetryable(err error) bool {
	return errors.Is(err, ErrProcessorUnavailable)
}

// ChargeStatus is the processor-side state of a charge
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
	ChargeCancelled ChargeStatus = "cancelled"
)

// ChargeRequest asks the processor for a new charge handle
type ChargeRequest struct {
	BookingID      uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
}

// Charge is the processor's view of a charge
type Charge struct {
	ID             string
	ClientSecret   string
	Status         ChargeStatus
	FailureMessage string
}

// PaymentProcessor is the black-box external payment processor
type PaymentProcessor interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	ConfirmCharge(ctx context.Context, chargeID, proof, idempotencyKey string) (*Charge, error)
	GetChargeStatus(ctx context.Context, chargeID string) (*Charge, error)
	CancelCharge(ctx context.Context, chargeID, idempotencyKey string) error
	RefundCharge(ctx context.Context, chargeID, idempotencyKey string) (string, error)
}

// ============================================================================
// SANDBOX PROCESSOR (development without processor credentials)
// ============================================================================

// SandboxProcessor settles charges locally. A confirmation proof containing
// "decline" fails the charge; any other proof succeeds it.
type SandboxProcessor struct {
	mu      sync.Mutex
	charges map[string]*Charge
	keys    map[string]string
}

// NewSandboxProcessor creates a new SandboxProcessor
func NewSandboxProcessor() *SandboxProcessor {
	return &SandboxProcessor{
		charges: make(map[string]*Charge),
		keys:    make(map[string]string),
	}
}

func (p *SandboxProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.keys[req.IdempotencyKey]; ok {
		c := *p.charges[id]
		return &c, nil
	}
	id := "sandbox_pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	charge := &Charge{ID: id, ClientSecret: id + "_secret", Status: ChargePending}
	p.charges[id] = charge
	p.keys[req.IdempotencyKey] = id

	c := *charge
	return &c, nil
}

func (p *SandboxProcessor) ConfirmCharge(ctx context.Context, chargeID, proof, idempotencyKey string) (*Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	charge, ok := p.charges[chargeID]
	if !ok {
		return nil, ErrChargeNotFound
	}
	if charge.Status == ChargePending {
		if strings.Contains(proof, "decline") {
			charge.Status = ChargeFailed
			charge.FailureMessage = "sandbox card declined"
		} else {
			charge.Status = ChargeSucceeded
		}
	}
	c := *charge
	return &c, nil
}

func (p *SandboxProcessor) GetChargeStatus(ctx context.Context, chargeID string) (*Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	charge, ok := p.charges[chargeID]
	if !ok {
		return nil, ErrChargeNotFound
	}
	c := *charge
	return &c, nil
}

func (p *SandboxProcessor) CancelCharge(ctx context.Context, chargeID, idempotencyKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	charge, ok := p.charges[chargeID]
	if !ok {
		return ErrChargeNotFound
	}
	if charge.Status == ChargeSucceeded {
		return fmt.Errorf("%w: charge already succeeded", ErrProcessorRejected)
	}
	charge.Status = ChargeCancelled
	return nil
}

func (p *SandboxProcessor) RefundCharge(ctx context.Context, chargeID, idempotencyKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.charges[chargeID]; !ok {
		return "", ErrChargeNotFound
	}
	return "sandbox_re_" + chargeID, nil
}
