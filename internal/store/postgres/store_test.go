package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

var slotRowColumns = []string{"id", "doctor_id", "slot_date", "start_time", "end_time", "is_available", "created_at", "updated_at"}

func TestLockSlotUsesForUpdate(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)
	slotID, doctorID := uuid.New(), uuid.New()
	day := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM slots WHERE id = $1 FOR UPDATE")).
		WithArgs(slotID).
		WillReturnRows(pgxmock.NewRows(slotRowColumns).AddRow(
			slotID, doctorID, day,
			pgtype.Time{Microseconds: (9 * time.Hour).Microseconds(), Valid: true},
			pgtype.Time{Microseconds: (9*time.Hour + 30*time.Minute).Microseconds(), Valid: true},
			true, now, now,
		))

	slot, err := q.LockSlot(context.Background(), slotID)
	require.NoError(t, err)
	assert.Equal(t, doctorID, slot.DoctorID)
	assert.Equal(t, 9*time.Hour, slot.StartTime)
	assert.Equal(t, 9*time.Hour+30*time.Minute, slot.EndTime)
	assert.True(t, slot.IsAvailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockSlotNotFound(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)
	slotID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM slots WHERE id = $1 FOR UPDATE")).
		WithArgs(slotID).
		WillReturnError(pgx.ErrNoRows)

	_, err := q.LockSlot(context.Background(), slotID)
	assert.ErrorIs(t, err, scheduling.ErrSlotNotFound)
}

func TestSetSlotAvailableMissingRow(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)
	slotID := uuid.New()

	mock.ExpectExec("UPDATE slots SET is_available").
		WithArgs(slotID, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := q.SetSlotAvailable(context.Background(), slotID, false)
	assert.ErrorIs(t, err, scheduling.ErrSlotNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxCommits(t *testing.T) {
	mock := newMock(t)
	store := New(mock)
	slotID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE slots SET is_available").
		WithArgs(slotID, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx scheduling.Tx) error {
		return tx.SetSlotAvailable(ctx, slotID, true)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	mock := newMock(t)
	store := New(mock)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx scheduling.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPaymentMapsUniqueViolation(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)
	p := &scheduling.Payment{
		ID:            uuid.New(),
		AppointmentID: uuid.New(),
		Amount:        decimal.RequireFromString("150000.00"),
		PaymentType:   scheduling.PaymentDeposit,
		PaymentMethod: "VNPAY",
		Status:        scheduling.PaymentPending,
		TransactionID: "20300501080000-abcd1234",
	}

	mock.ExpectExec("INSERT INTO payments").
		WithArgs(
			p.ID, p.AppointmentID, p.Amount, "DEPOSIT", "VNPAY", "PENDING", p.TransactionID,
			"", "", pgxmock.AnyArg(), "", pgxmock.AnyArg(), "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := q.InsertPayment(context.Background(), p)
	assert.ErrorIs(t, err, scheduling.ErrPaymentAlreadyActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAppointmentNotFound(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)
	appt := &scheduling.Appointment{ID: uuid.New(), Status: scheduling.AppointmentCancelled, UpdatedAt: time.Now()}

	mock.ExpectExec("UPDATE appointments").
		WithArgs(appt.ID, "CANCELLED", "", "", pgxmock.AnyArg(), appt.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := q.UpdateAppointment(context.Background(), appt)
	assert.ErrorIs(t, err, scheduling.ErrAppointmentNotFound)
}

func TestCountAppointmentsByStatus(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)
	patient := uuid.New()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM appointments").
		WithArgs(patient, "PENDING").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	count, err := q.CountAppointmentsByStatus(context.Background(), patient, scheduling.AppointmentPending)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSlotHasLiveAppointmentIgnoresCancelled(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)
	slotID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM appointments WHERE slot_id = $1 AND status <> 'CANCELLED'")).
		WithArgs(slotID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	held, err := q.SlotHasLiveAppointment(context.Background(), slotID)
	require.NoError(t, err)
	assert.True(t, held)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStalePending(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)
	cutoff := time.Now().UTC().Add(-15 * time.Minute)
	id := uuid.New()
	created := cutoff.Add(-time.Minute)

	mock.ExpectQuery("WHERE status = 'PENDING' AND created_at < \\$1").
		WithArgs(cutoff, 50).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "doctor_id", "patient_id", "slot_id", "appointment_date", "status", "consultation_fee",
			"patient_notes", "doctor_notes", "cancel_reason", "cancelled_at", "created_at", "updated_at",
		}).AddRow(id, uuid.New(), uuid.New(), uuid.New(), created.Add(24*time.Hour), "PENDING",
			decimal.RequireFromString("500000"), "", "", "", (*time.Time)(nil), created, created))

	stale, err := q.ListStalePending(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, id, stale[0].ID)
	assert.Equal(t, scheduling.AppointmentPending, stale[0].Status)
	assert.True(t, stale[0].ConsultationFee.Equal(decimal.NewFromInt(500000)))
}

func TestGetPaymentByTransactionIDNotFound(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)

	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE transaction_id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := q.GetPaymentByTransactionID(context.Background(), "missing")
	assert.ErrorIs(t, err, scheduling.ErrPaymentNotFound)
}

func TestLockPaymentScansNullableColumns(t *testing.T) {
	mock := newMock(t)
	q := NewQueries(mock)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE id = $1 FOR UPDATE")).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "appointment_id", "amount", "payment_type", "payment_method", "status", "transaction_id",
			"gateway_transaction_id", "payment_url", "payment_date", "notes", "refund_amount", "refund_transaction_id",
			"refunded_at", "created_at", "updated_at",
		}).AddRow(id, uuid.New(), decimal.RequireFromString("150000.00"), "DEPOSIT", "VNPAY", "PROCESSING", "tx-1",
			"", "https://pay.example/tx-1", (*time.Time)(nil), "", decimal.Zero, "", (*time.Time)(nil), now, now))

	p, err := q.LockPayment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scheduling.PaymentProcessing, p.Status)
	assert.Equal(t, scheduling.PaymentDeposit, p.PaymentType)
	assert.Nil(t, p.PaymentDate)
}
