package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courtline/booking-engine/internal/metrics"
	"github.com/courtline/booking-engine/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SweeperConfig holds configuration for the reconciliation sweeper
type SweeperConfig struct {
	Schedule           string        // cron expression with seconds, e.g. "@every 30s"
	CompletionSchedule string        // cron expression for the completion job
	GracePeriod        time.Duration // pending bookings younger than this are left to callbacks
	BatchSize          int
}

// SweepResult summarizes one reconciliation pass
type SweepResult struct {
	Scanned         int
	Confirmed       int
	Cancelled       int
	Expired         int
	StillPending    int
	Errors          int
	OrphansReleased int
	PaymentsSettled int
}

// ReconciliationSweeper resolves pending bookings whose processor callback
// never arrived, and releases holds nothing references any more.
type ReconciliationSweeper struct {
	lifecycle *BookingLifecycleService
	bookings  BookingStore
	ledger    SlotLedger
	broker    PaymentBroker
	config    SweeperConfig
	logger    *logrus.Logger
	cron      *cron.Cron
	now       func() time.Time
}

// NewReconciliationSweeper creates a new sweeper
func NewReconciliationSweeper(
	lifecycle *BookingLifecycleService,
	bookings BookingStore,
	ledger SlotLedger,
	broker PaymentBroker,
	config SweeperConfig,
	logger *logrus.Logger,
) *ReconciliationSweeper {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	cronLogger := cronLogrus{logger: logger}

	return &ReconciliationSweeper{
		lifecycle: lifecycle,
		bookings:  bookings,
		ledger:    ledger,
		broker:    broker,
		config:    config,
		logger:    logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
		),
		now: time.Now,
	}
}

// Start schedules the sweep and completion jobs
func (s *ReconciliationSweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation sweep: %w", err)
	}

	if s.config.CompletionSchedule != "" {
		_, err = s.cron.AddFunc(s.config.CompletionSchedule, func() {
			s.CompleteElapsed(context.Background())
		})
		if err != nil {
			return fmt.Errorf("failed to schedule completion job: %w", err)
		}
	}

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"schedule":   s.config.Schedule,
		"completion": s.config.CompletionSchedule,
		"grace":      s.config.GracePeriod,
	}).Info("Reconciliation sweeper started")
	return nil
}

// Stop waits for running jobs to finish
func (s *ReconciliationSweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Reconciliation sweeper stopped")
}

// ============================================================================
// SWEEP
// ============================================================================

// RunOnce performs a single reconciliation pass. It is safe to run
// concurrently with the lifecycle's own callback handling.
func (s *ReconciliationSweeper) RunOnce(ctx context.Context) SweepResult {
	var result SweepResult
	cutoff := s.now().UTC().Add(-s.config.GracePeriod)

	pending, err := s.bookings.ListPendingPaymentCreatedBefore(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list pending bookings")
		result.Errors++
		return result
	}

	for _, b := range pending {
		result.Scanned++
		outcome, err := s.resolve(ctx, b)
		if err != nil {
			result.Errors++
			s.logger.WithError(err).WithField("booking_id", b.ID).Error("Failed to reconcile booking")
			continue
		}
		metrics.IncSweeperResolved(string(outcome))

		switch outcome {
		case models.BookingStatusConfirmed:
			result.Confirmed++
		case models.BookingStatusCancelled:
			result.Cancelled++
		case models.BookingStatusExpired:
			result.Expired++
		default:
			result.StillPending++
		}
	}

	// Holds of cancelled or vanished bookings that a crashed request never released
	released, err := s.ledger.ReleaseOrphanHolds(ctx, cutoff)
	if err != nil {
		result.Errors++
		s.logger.WithError(err).Error("Failed to release orphan holds")
	} else if released > 0 {
		result.OrphansReleased = released
		s.logger.WithField("count", released).Warn("Released orphan holds")
	}

	s.settleAbandoned(ctx, cutoff, &result)

	if result.Scanned > 0 || result.OrphansReleased > 0 || result.PaymentsSettled > 0 {
		s.logger.WithFields(logrus.Fields{
			"scanned":   result.Scanned,
			"confirmed": result.Confirmed,
			"cancelled": result.Cancelled,
			"expired":   result.Expired,
			"pending":   result.StillPending,
			"settled":   result.PaymentsSettled,
			"errors":    result.Errors,
		}).Info("Reconciliation sweep finished")
	}
	return result
}

// settleAbandoned retries voids and refunds for charges of closed bookings
// that an earlier attempt could not reach the processor for
func (s *ReconciliationSweeper) settleAbandoned(ctx context.Context, cutoff time.Time, result *SweepResult) {
	unsettled, err := s.broker.ListUnsettledIntents(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		result.Errors++
		s.logger.WithError(err).Error("Failed to list unsettled payment intents")
		return
	}

	for _, intent := range unsettled {
		settled, err := s.lifecycle.SettleAbandonedPayment(ctx, intent)
		if err != nil {
			result.Errors++
			s.logger.WithError(err).WithFields(logrus.Fields{
				"intent_id":  intent.ID,
				"booking_id": intent.BookingID,
			}).Warn("Failed to settle abandoned payment")
			continue
		}
		if settled.VoidedAt != nil || settled.RefundID != nil {
			result.PaymentsSettled++
			metrics.IncSweeperResolved("settled")
		}
	}
}

// resolve drives one pending booking toward a terminal state and returns the
// status it ended in
func (s *ReconciliationSweeper) resolve(ctx context.Context, b *models.Booking) (models.BookingStatus, error) {
	if b.PaymentIntentID == nil {
		return s.expireIfHoldsLapsed(ctx, b)
	}

	intent, err := s.broker.ResolveIntent(ctx, *b.PaymentIntentID)
	switch {
	case errors.Is(err, models.ErrIntentNotFound), errors.Is(err, models.ErrPaymentFailed):
		return s.fail(ctx, b)
	case errors.Is(err, models.ErrPaymentAmbiguous):
		return s.expireIfHoldsLapsed(ctx, b)
	case err != nil:
		return b.Status, err
	}

	switch intent.State {
	case models.IntentStateSucceeded:
		updated, err := s.lifecycle.OnPaymentSucceeded(ctx, b.ID, intent.ID)
		if err != nil && !errors.Is(err, models.ErrHoldExpired) {
			return b.Status, err
		}
		return updated.Status, nil
	case models.IntentStateFailed, models.IntentStateExpired:
		return s.fail(ctx, b)
	default:
		return s.expireIfHoldsLapsed(ctx, b)
	}
}

func (s *ReconciliationSweeper) fail(ctx context.Context, b *models.Booking) (models.BookingStatus, error) {
	updated, err := s.lifecycle.OnPaymentFailed(ctx, b.ID)
	if err != nil {
		return b.Status, err
	}
	return updated.Status, nil
}

// expireIfHoldsLapsed expires the booking once no hold can be confirmed any more
func (s *ReconciliationSweeper) expireIfHoldsLapsed(ctx context.Context, b *models.Booking) (models.BookingStatus, error) {
	holds, err := s.ledger.ListForBooking(ctx, b.ID)
	if err != nil {
		return b.Status, err
	}

	now := s.now().UTC()
	for i := range holds {
		if holds[i].State == models.HoldStateHeld && !holds[i].IsExpired(now) {
			return b.Status, nil
		}
	}

	updated, err := s.lifecycle.Expire(ctx, b.ID)
	if err != nil {
		return b.Status, err
	}
	return updated.Status, nil
}

// ============================================================================
// COMPLETION
// ============================================================================

// CompleteElapsed marks confirmed bookings whose interval has ended as completed
func (s *ReconciliationSweeper) CompleteElapsed(ctx context.Context) int {
	ended, err := s.bookings.ListConfirmedEndedBefore(ctx, s.now().UTC(), s.config.BatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list elapsed bookings")
		return 0
	}

	completed := 0
	for _, b := range ended {
		if _, err := s.lifecycle.MarkCompleted(ctx, b.ID); err != nil {
			s.logger.WithError(err).WithField("booking_id", b.ID).Error("Failed to complete booking")
			continue
		}
		completed++
	}

	if completed > 0 {
		s.logger.WithField("count", completed).Info("Bookings completed")
	}
	return completed
}

// cronLogrus adapts logrus to cron.Logger
type cronLogrus struct {
	logger *logrus.Logger
}

func (l cronLogrus) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogrus) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
