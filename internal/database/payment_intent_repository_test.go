package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/courtline/booking-engine/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var intentRowColumns = []string{
	"id", "booking_id", "processor_intent_id", "client_secret", "amount", "currency", "state",
	"idempotency_key", "attempts", "last_error", "refund_id", "voided_at", "created_at", "updated_at",
}

func TestPaymentIntentRepository_CreateOrGet(t *testing.T) {
	t.Run("New Key", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPaymentIntentRepository(db)
		intent := &models.PaymentIntent{
			BookingID:      uuid.New(),
			Amount:         4500,
			Currency:       "usd",
			State:          models.IntentStateCreated,
			IdempotencyKey: "booking:abc:1",
		}

		mock.ExpectExec(`INSERT INTO payment_intents`).
			WithArgs(sqlmock.AnyArg(), intent.BookingID, int64(4500), "usd", "created", "booking:abc:1",
				0, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(`FROM payment_intents WHERE idempotency_key = \$1`).
			WithArgs("booking:abc:1").
			WillReturnRows(sqlmock.NewRows(intentRowColumns).AddRow(
				intent.ID.String(), intent.BookingID.String(), nil, nil, 4500, "usd", "created",
				"booking:abc:1", 0, nil, nil, nil, fixedNow, fixedNow,
			))

		stored, err := repo.CreateOrGet(context.Background(), intent)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, intent.ID, "an id is assigned before insert")
		assert.Equal(t, intent.ID, stored.ID)
		assert.Nil(t, stored.ProcessorIntentID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Existing Key", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPaymentIntentRepository(db)
		existingID := uuid.New()
		reference := "pi_123"

		mock.ExpectExec(`INSERT INTO payment_intents`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`FROM payment_intents WHERE idempotency_key = \$1`).
			WillReturnRows(sqlmock.NewRows(intentRowColumns).AddRow(
				existingID.String(), uuid.NewString(), reference, "secret_123", 4500, "usd", "created",
				"booking:abc:1", 2, nil, nil, nil, fixedNow, fixedNow,
			))

		stored, err := repo.CreateOrGet(context.Background(), &models.PaymentIntent{IdempotencyKey: "booking:abc:1"})
		require.NoError(t, err)
		assert.Equal(t, existingID, stored.ID)
		require.NotNil(t, stored.ProcessorIntentID)
		assert.Equal(t, reference, *stored.ProcessorIntentID)
		assert.Equal(t, 2, stored.Attempts)
	})
}

func TestPaymentIntentRepository_GetByProcessorID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPaymentIntentRepository(db)

	mock.ExpectQuery(`FROM payment_intents WHERE processor_intent_id = \$1`).
		WithArgs("pi_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByProcessorID(context.Background(), "pi_missing")
	assert.True(t, errors.Is(err, models.ErrIntentNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentIntentRepository_Update(t *testing.T) {
	reference := "pi_123"
	intent := &models.PaymentIntent{
		ID:                uuid.New(),
		ProcessorIntentID: &reference,
		State:             models.IntentStateSucceeded,
		Attempts:          1,
	}

	t.Run("Success", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPaymentIntentRepository(db)

		mock.ExpectExec(`UPDATE payment_intents`).
			WithArgs(intent.ID, reference, nil, "succeeded", 1, nil, nil, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.Update(context.Background(), intent))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Missing Row", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPaymentIntentRepository(db)

		mock.ExpectExec(`UPDATE payment_intents`).WillReturnResult(sqlmock.NewResult(0, 0))

		assert.True(t, errors.Is(repo.Update(context.Background(), intent), models.ErrIntentNotFound))
	})
}

func TestPaymentIntentRepository_ListUnsettledForClosedBookings(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPaymentIntentRepository(db)
	cutoff := fixedNow.Add(-2 * time.Minute)

	mock.ExpectQuery(`FROM payment_intents\s+WHERE processor_intent_id IS NOT NULL\s+AND voided_at IS NULL`).
		WithArgs(cutoff, 50).
		WillReturnRows(sqlmock.NewRows(intentRowColumns).
			AddRow(uuid.NewString(), uuid.NewString(), "pi_1", nil, 4500, "usd", "created",
				"booking:a:1", 1, "payment processor unavailable", nil, nil, fixedNow, fixedNow).
			AddRow(uuid.NewString(), uuid.NewString(), "pi_2", nil, 3000, "usd", "failed",
				"booking:b:1", 1, nil, nil, nil, fixedNow, fixedNow))

	intents, err := repo.ListUnsettledForClosedBookings(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, "pi_1", *intents[0].ProcessorIntentID)
	assert.Equal(t, models.IntentStateFailed, intents[1].State)
	assert.Nil(t, intents[1].VoidedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
