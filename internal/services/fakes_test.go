package services

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/courtline/booking-engine/internal/events"
	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// CLOCK
// ============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// ============================================================================
// SLOT LEDGER
// ============================================================================

// memLedger mirrors the Postgres ledger: a single mutex plays the role of the
// exclusion constraint.
type memLedger struct {
	mu       sync.Mutex
	holds    map[uuid.UUID]*models.TimeSlotHold
	now      func() time.Time
	bookings *memBookings

	acquireErr map[uuid.UUID]error // facility -> injected error
}

func newMemLedger(now func() time.Time, bookings *memBookings) *memLedger {
	return &memLedger{
		holds:      make(map[uuid.UUID]*models.TimeSlotHold),
		now:        now,
		bookings:   bookings,
		acquireErr: make(map[uuid.UUID]error),
	}
}

func (l *memLedger) Acquire(ctx context.Context, req models.HoldRequest) (*models.TimeSlotHold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.acquireErr[req.FacilityID]; err != nil {
		return nil, err
	}

	now := l.now().UTC()
	for _, h := range l.holds {
		if h.FacilityID != req.FacilityID || h.State == models.HoldStateReleased || !h.Overlaps(req.StartsAt, req.EndsAt) {
			continue
		}
		if h.IsExpired(now) {
			h.State = models.HoldStateReleased
			h.ReleasedAt = &now
			continue
		}
		return nil, models.ErrSlotConflict
	}

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
	l.holds[hold.ID] = hold
	copied := *hold
	return &copied, nil
}

func (l *memLedger) Release(ctx context.Context, holdID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.holds[holdID]; ok && h.State != models.HoldStateReleased {
		now := l.now().UTC()
		h.State = models.HoldStateReleased
		h.ReleasedAt = &now
	}
	return nil
}

func (l *memLedger) ConfirmForBooking(ctx context.Context, bookingID uuid.UUID, expected int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	var confirmable []*models.TimeSlotHold
	for _, h := range l.holds {
		if h.BookingID != bookingID {
			continue
		}
		if h.State == models.HoldStateConfirmed || (h.State == models.HoldStateHeld && !h.IsExpired(now)) {
			confirmable = append(confirmable, h)
		}
	}
	if len(confirmable) != expected {
		return models.ErrHoldExpired
	}
	for _, h := range confirmable {
		h.State = models.HoldStateConfirmed
	}
	return nil
}

func (l *memLedger) ReleaseForBooking(ctx context.Context, bookingID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	released := 0
	for _, h := range l.holds {
		if h.BookingID == bookingID && h.State != models.HoldStateReleased {
			h.State = models.HoldStateReleased
			h.ReleasedAt = &now
			released++
		}
	}
	return released, nil
}

func (l *memLedger) ListForBooking(ctx context.Context, bookingID uuid.UUID) ([]models.TimeSlotHold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var holds []models.TimeSlotHold
	for _, h := range l.holds {
		if h.BookingID == bookingID {
			holds = append(holds, *h)
		}
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].AcquiredAt.Before(holds[j].AcquiredAt) })
	return holds, nil
}

func (l *memLedger) ReleaseOrphanHolds(ctx context.Context, olderThan time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	released := 0
	for _, h := range l.holds {
		if h.State == models.HoldStateReleased {
			continue
		}
		status, exists := l.bookings.status(h.BookingID)
		orphan := (!exists && h.AcquiredAt.Before(olderThan)) ||
			(exists && (status == models.BookingStatusCancelled || status == models.BookingStatusExpired))
		if orphan {
			h.State = models.HoldStateReleased
			h.ReleasedAt = &now
			released++
		}
	}
	return released, nil
}

// active returns held-and-unexpired or confirmed holds of a facility
func (l *memLedger) active(facilityID uuid.UUID) []models.TimeSlotHold {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	var out []models.TimeSlotHold
	for _, h := range l.holds {
		if h.FacilityID != facilityID {
			continue
		}
		if h.State == models.HoldStateConfirmed || (h.State == models.HoldStateHeld && !h.IsExpired(now)) {
			out = append(out, *h)
		}
	}
	return out
}

// ============================================================================
// BOOKING STORE
// ============================================================================

type memBookings struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]models.Booking
	now   func() time.Time
	order []uuid.UUID

	updateHook func(b *models.Booking) error
}

func newMemBookings(now func() time.Time) *memBookings {
	return &memBookings{rows: make(map[uuid.UUID]models.Booking), now: now}
}

func (s *memBookings) Create(ctx context.Context, b *models.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	b.Version = 1
	b.CreatedAt = now
	b.UpdatedAt = now
	s.rows[b.ID] = *b
	s.order = append(s.order, b.ID)
	return nil
}

func (s *memBookings) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.rows[id]
	if !ok {
		return nil, models.ErrBookingNotFound
	}
	return &b, nil
}

func (s *memBookings) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.rows {
		if b.UserID == userID && b.IdempotencyKey != nil && *b.IdempotencyKey == key {
			copied := b
			return &copied, nil
		}
	}
	return nil, models.ErrBookingNotFound
}

func (s *memBookings) Update(ctx context.Context, b *models.Booking) error {
	s.mu.Lock()
	hook := s.updateHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(b); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rows[b.ID]
	if !ok {
		return models.ErrBookingNotFound
	}
	if stored.Version != b.Version {
		return models.ErrConcurrentModification
	}
	b.Version++
	b.UpdatedAt = s.now().UTC()
	s.rows[b.ID] = *b
	return nil
}

func (s *memBookings) list(match func(b *models.Booking) bool, limit, offset int) []*models.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Booking
	for _, id := range s.order {
		b := s.rows[id]
		if match(&b) {
			out = append(out, &b)
		}
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memBookings) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Booking, error) {
	return s.list(func(b *models.Booking) bool { return b.UserID == userID }, limit, offset), nil
}

func (s *memBookings) ListByVenue(ctx context.Context, venueID uuid.UUID, limit, offset int) ([]*models.Booking, error) {
	return s.list(func(b *models.Booking) bool { return b.VenueID == venueID }, limit, offset), nil
}

func (s *memBookings) ListPendingPaymentCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Booking, error) {
	return s.list(func(b *models.Booking) bool {
		return b.Status == models.BookingStatusPendingPayment && b.CreatedAt.Before(cutoff)
	}, limit, 0), nil
}

func (s *memBookings) ListConfirmedEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Booking, error) {
	return s.list(func(b *models.Booking) bool {
		return b.Status == models.BookingStatusConfirmed && !b.EndsAt.After(cutoff)
	}, limit, 0), nil
}

func (s *memBookings) status(id uuid.UUID) (models.BookingStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.rows[id]
	return b.Status, ok
}

func (s *memBookings) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// ============================================================================
// PAYMENT INTENT STORE
// ============================================================================

type memIntents struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]models.PaymentIntent
	now    func() time.Time
	closed func(bookingID uuid.UUID) bool
}

func newMemIntents(now func() time.Time, closed func(bookingID uuid.UUID) bool) *memIntents {
	return &memIntents{rows: make(map[uuid.UUID]models.PaymentIntent), now: now, closed: closed}
}

func (s *memIntents) CreateOrGet(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rows {
		if existing.IdempotencyKey == intent.IdempotencyKey {
			copied := existing
			return &copied, nil
		}
	}
	created := *intent
	created.ID = uuid.New()
	created.CreatedAt = s.now().UTC()
	created.UpdatedAt = created.CreatedAt
	s.rows[created.ID] = created
	return &created, nil
}

func (s *memIntents) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.rows[id]
	if !ok {
		return nil, models.ErrIntentNotFound
	}
	return &intent, nil
}

func (s *memIntents) GetByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, intent := range s.rows {
		if intent.IdempotencyKey == key {
			copied := intent
			return &copied, nil
		}
	}
	return nil, models.ErrIntentNotFound
}

func (s *memIntents) GetByProcessorID(ctx context.Context, processorID string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, intent := range s.rows {
		if intent.ProcessorIntentID != nil && *intent.ProcessorIntentID == processorID {
			copied := intent
			return &copied, nil
		}
	}
	return nil, models.ErrIntentNotFound
}

func (s *memIntents) Update(ctx context.Context, intent *models.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[intent.ID]; !ok {
		return models.ErrIntentNotFound
	}
	intent.UpdatedAt = s.now().UTC()
	s.rows[intent.ID] = *intent
	return nil
}

func (s *memIntents) ListUnsettledForClosedBookings(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PaymentIntent
	for _, intent := range s.rows {
		if intent.ProcessorIntentID == nil || intent.VoidedAt != nil || intent.RefundID != nil {
			continue
		}
		if !intent.UpdatedAt.Before(updatedBefore) || !s.closed(intent.BookingID) {
			continue
		}
		copied := intent
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ============================================================================
// CATALOG / EVENTS / PROCESSOR
// ============================================================================

type fakeCatalog struct {
	venues map[uuid.UUID]*models.Venue
}

func (c *fakeCatalog) GetVenue(ctx context.Context, id uuid.UUID) (*models.Venue, error) {
	v, ok := c.venues[id]
	if !ok {
		return nil, models.ErrVenueNotFound
	}
	return v, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.BookingEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event *events.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count(eventType string, bookingID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType && e.BookingID == bookingID {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last(bookingID uuid.UUID) *events.BookingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].BookingID == bookingID {
			return p.events[i]
		}
	}
	return nil
}

// flakyProcessor wraps the sandbox with queued per-operation failures
type flakyProcessor struct {
	*SandboxProcessor
	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
}

func newFlakyProcessor() *flakyProcessor {
	return &flakyProcessor{
		SandboxProcessor: NewSandboxProcessor(),
		failures:         make(map[string][]error),
		calls:            make(map[string]int),
	}
}

func (p *flakyProcessor) fail(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

func (p *flakyProcessor) failAlways(op string, err error, n int) {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	p.fail(op, errs...)
}

func (p *flakyProcessor) heal(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, op)
}

func (p *flakyProcessor) next(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	p.failures[op] = queue[1:]
	return queue[0]
}

func (p *flakyProcessor) callCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// settle moves a charge to status outside of any API call, like a customer
// completing payment in the processor's own UI
func (p *flakyProcessor) settle(chargeID string, status ChargeStatus) {
	p.SandboxProcessor.mu.Lock()
	defer p.SandboxProcessor.mu.Unlock()
	if c, ok := p.SandboxProcessor.charges[chargeID]; ok {
		c.Status = status
	}
}

func (p *flakyProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if err := p.next("create"); err != nil {
		return nil, err
	}
	return p.SandboxProcessor.CreateCharge(ctx, req)
}

func (p *flakyProcessor) ConfirmCharge(ctx context.Context, chargeID, proof, idempotencyKey string) (*Charge, error) {
	if err := p.next("confirm"); err != nil {
		return nil, err
	}
	return p.SandboxProcessor.ConfirmCharge(ctx, chargeID, proof, idempotencyKey)
}

func (p *flakyProcessor) GetChargeStatus(ctx context.Context, chargeID string) (*Charge, error) {
	if err := p.next("status"); err != nil {
		return nil, err
	}
	return p.SandboxProcessor.GetChargeStatus(ctx, chargeID)
}

func (p *flakyProcessor) CancelCharge(ctx context.Context, chargeID, idempotencyKey string) error {
	if err := p.next("cancel"); err != nil {
		return err
	}
	return p.SandboxProcessor.CancelCharge(ctx, chargeID, idempotencyKey)
}

func (p *flakyProcessor) RefundCharge(ctx context.Context, chargeID, idempotencyKey string) (string, error) {
	if err := p.next("refund"); err != nil {
		return "", err
	}
	return p.SandboxProcessor.RefundCharge(ctx, chargeID, idempotencyKey)
}

// ============================================================================
// ENGINE FIXTURE
// ============================================================================

var (
	testStart = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	bookDate  = "2026-10-20"
)

type testEngine struct {
	clock     *testClock
	ledger    *memLedger
	bookings  *memBookings
	intents   *memIntents
	catalog   *fakeCatalog
	events    *recordingPublisher
	processor *flakyProcessor
	broker    *PaymentBrokerService
	lifecycle *BookingLifecycleService
	gateway   *OwnerActionGateway
	sweeper   *ReconciliationSweeper

	venue   *models.Venue
	ownerID uuid.UUID
	courtA  uuid.UUID
	courtB  uuid.UUID
	shuttle uuid.UUID // badminton only
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	e := &testEngine{
		clock:   newTestClock(testStart),
		ownerID: uuid.New(),
		courtA:  uuid.New(),
		courtB:  uuid.New(),
		shuttle: uuid.New(),
	}
	venueID := uuid.New()
	e.venue = &models.Venue{
		ID:              venueID,
		OwnerID:         e.ownerID,
		Name:            "Harbour Sports Hall",
		SportsSupported: models.StringArray{"futsal", "badminton"},
		Bookable:        true,
		Components: []models.VenueComponent{
			{ID: e.courtA, VenueID: venueID, Name: "Court A", PricePerHour: 4000},
			{ID: e.courtB, VenueID: venueID, Name: "Court B", PricePerHour: 3000},
			{ID: e.shuttle, VenueID: venueID, Name: "Shuttle Court", Sports: models.StringArray{"badminton"}, PricePerHour: 1500},
		},
	}

	logger := quietLogger()
	e.bookings = newMemBookings(e.clock.Now)
	e.ledger = newMemLedger(e.clock.Now, e.bookings)
	e.intents = newMemIntents(e.clock.Now, func(id uuid.UUID) bool {
		status, ok := e.bookings.status(id)
		return ok && (status == models.BookingStatusCancelled || status == models.BookingStatusExpired)
	})
	e.catalog = &fakeCatalog{venues: map[uuid.UUID]*models.Venue{venueID: e.venue}}
	e.events = &recordingPublisher{}
	e.processor = newFlakyProcessor()

	e.broker = NewPaymentBrokerService(e.intents, e.processor, RetryPolicy{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2,
		sleep:         noSleep,
	}, logger)

	e.lifecycle = NewBookingLifecycleService(e.bookings, e.ledger, e.catalog, e.broker, e.events, DefaultLifecycleConfig(), logger)
	e.lifecycle.now = e.clock.Now

	e.gateway = NewOwnerActionGateway(e.lifecycle, e.bookings, e.catalog, logger)

	e.sweeper = NewReconciliationSweeper(e.lifecycle, e.bookings, e.ledger, e.broker, SweeperConfig{
		Schedule:    "@every 30s",
		GracePeriod: 2 * time.Minute,
		BatchSize:   100,
	}, logger)
	e.sweeper.now = e.clock.Now

	return e
}

func (e *testEngine) request(start, end string, components ...uuid.UUID) *models.CreateBookingRequest {
	ids := make([]string, len(components))
	for i, c := range components {
		ids[i] = c.String()
	}
	return &models.CreateBookingRequest{
		VenueID:      e.venue.ID.String(),
		Sport:        "futsal",
		Date:         bookDate,
		StartTime:    start,
		EndTime:      end,
		ComponentIDs: ids,
	}
}

// book creates a pending booking for a fresh user and fails the test otherwise
func (e *testEngine) book(t *testing.T, start, end string, components ...uuid.UUID) (*models.Booking, *models.PaymentIntent) {
	t.Helper()
	b, intent, err := e.lifecycle.CreateBooking(context.Background(), uuid.New(), e.request(start, end, components...), "")
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	return b, intent
}

// confirm pays for a pending booking through the normal client path
func (e *testEngine) confirm(t *testing.T, b *models.Booking, intent *models.PaymentIntent) *models.Booking {
	t.Helper()
	confirmed, _, err := e.lifecycle.ConfirmPayment(context.Background(), b.ID, b.UserID, &models.ConfirmPaymentRequest{
		IntentID:          intent.ID.String(),
		ConfirmationProof: "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	return confirmed
}

func (e *testEngine) booking(t *testing.T, id uuid.UUID) *models.Booking {
	t.Helper()
	b, err := e.bookings.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return b
}

func (e *testEngine) intent(t *testing.T, id uuid.UUID) *models.PaymentIntent {
	t.Helper()
	intent, err := e.intents.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID intent: %v", err)
	}
	return intent
}

func (e *testEngine) holdStates(t *testing.T, bookingID uuid.UUID) []models.HoldState {
	t.Helper()
	holds, _ := e.ledger.ListForBooking(context.Background(), bookingID)
	states := make([]models.HoldState, len(holds))
	for i, h := range holds {
		states[i] = h.State
	}
	return states
}
