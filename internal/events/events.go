package events

import (
	"context"
	"sync"
	"time"

	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event types published on the booking.events exchange. The type doubles as routing key.
const (
	BookingConfirmed       = "booking.confirmed"
	BookingCancelled       = "booking.cancelled"
	BookingCompleted       = "booking.completed"
	BookingExpired         = "booking.expired"
	BookingRefundRequested = "booking.refund_requested"
)

// BookingEvent is the payload consumers receive
type BookingEvent struct {
	ID               uuid.UUID            `json:"id"`
	Type             string               `json:"type"`
	OccurredAt       time.Time            `json:"occurred_at"`
	BookingID        uuid.UUID            `json:"booking_id"`
	UserID           uuid.UUID            `json:"user_id"`
	VenueID          uuid.UUID            `json:"venue_id"`
	Status           models.BookingStatus `json:"status"`
	Sport            string               `json:"sport"`
	StartsAt         time.Time            `json:"starts_at"`
	EndsAt           time.Time            `json:"ends_at"`
	Amount           int64                `json:"amount"`
	Currency         string               `json:"currency"`
	PaymentReference *string              `json:"payment_reference,omitempty"`
	Reason           string               `json:"reason,omitempty"`
}

// NewBookingEvent snapshots b into an event of eventType
func NewBookingEvent(eventType string, b *models.Booking, reason string) *BookingEvent {
	return &BookingEvent{
		ID:               uuid.New(),
		Type:             eventType,
		OccurredAt:       time.Now().UTC(),
		BookingID:        b.ID,
		UserID:           b.UserID,
		VenueID:          b.VenueID,
		Status:           b.Status,
		Sport:            b.Sport,
		StartsAt:         b.StartsAt,
		EndsAt:           b.EndsAt,
		Amount:           b.TotalAmount,
		Currency:         b.Currency,
		PaymentReference: b.PaymentReference,
		Reason:           reason,
	}
}

// JSONPublisher delivers a payload to an external broker under a routing key
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Handler reacts to an event in-process
type Handler func(ctx context.Context, event *BookingEvent)

// Bus forwards events to the external broker and to in-process subscribers
type Bus struct {
	broker      JSONPublisher
	logger      *logrus.Logger
	subscribers map[string][]Handler
	mu          sync.RWMutex
}

// NewBus creates a Bus. A nil broker only logs and notifies subscribers.
func NewBus(broker JSONPublisher, logger *logrus.Logger) *Bus {
	return &Bus{
		broker:      broker,
		logger:      logger,
		subscribers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish sends event to the broker, then to local subscribers.
// Subscribers are notified even when the broker fails.
func (b *Bus) Publish(ctx context.Context, event *BookingEvent) error {
	var err error
	if b.broker != nil {
		err = b.broker.PublishJSON(ctx, event.Type, event)
	}

	entry := b.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"booking_id": event.BookingID,
	})
	if err != nil {
		entry.WithError(err).Error("Failed to publish booking event")
	} else {
		entry.Info("Booking event published")
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, event)
	}

	return err
}
