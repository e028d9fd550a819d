package payments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/events"
	"github.com/wolfman30/clinic-booking/internal/gateway"
	"github.com/wolfman30/clinic-booking/internal/refunds"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/internal/store/memory"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (n *recordingNotifier) PaymentSuccess(_ context.Context, _ uuid.UUID, paymentID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, paymentID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type env struct {
	store    *memory.Store
	gw       *gateway.Fake
	notifier *recordingNotifier
	svc      *Service
	appt     scheduling.Appointment
	slot     scheduling.Slot
}

func newEnv(t *testing.T, status scheduling.AppointmentStatus) *env {
	t.Helper()
	store := memory.New()
	day := time.Now().UTC().AddDate(0, 0, 3)
	slot := scheduling.Slot{
		ID:        uuid.New(),
		DoctorID:  uuid.New(),
		Date:      time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
		StartTime: 9 * time.Hour,
		EndTime:   10 * time.Hour,
	}
	appt := scheduling.Appointment{
		ID:              uuid.New(),
		DoctorID:        slot.DoctorID,
		PatientID:       uuid.New(),
		SlotID:          slot.ID,
		AppointmentDate: slot.Date,
		Status:          status,
		ConsultationFee: decimal.NewFromInt(500000),
		CreatedAt:       time.Now().UTC(),
	}
	store.AddSlot(slot)
	store.AddAppointment(appt)

	gw := gateway.NewFake()
	notifier := &recordingNotifier{}
	machine := NewMachine(appointments.NewMachine(true))
	svc := NewService(store, machine, gw, events.NewMemoryLedger(), Config{
		Provider:       "fake",
		DepositPercent: decimal.NewFromInt(30),
		Refunds:        refunds.DefaultPolicy(),
	}, nil).WithNotifier(notifier)

	return &env{store: store, gw: gw, notifier: notifier, svc: svc, appt: appt, slot: slot}
}

func (e *env) create(t *testing.T, typ scheduling.PaymentType) *scheduling.Payment {
	t.Helper()
	p, err := e.svc.CreatePayment(context.Background(), CreateRequest{AppointmentID: e.appt.ID, PaymentType: typ})
	require.NoError(t, err)
	return p
}

func (e *env) settle(t *testing.T, p *scheduling.Payment, success bool) *CallbackOutcome {
	t.Helper()
	out, err := e.svc.HandleCallback(context.Background(), gateway.CallbackParams(p.TransactionID, p.Amount, success))
	require.NoError(t, err)
	return out
}

func TestDepositAmountRoundsHalfUp(t *testing.T) {
	assert.Equal(t, "30.02", DepositAmount(decimal.RequireFromString("100.05"), decimal.NewFromInt(30)).StringFixed(2))
	assert.Equal(t, "100000.00", DepositAmount(decimal.RequireFromString("333333.33"), decimal.NewFromInt(30)).StringFixed(2))
	assert.Equal(t, "150000.00", DepositAmount(decimal.NewFromInt(500000), decimal.NewFromInt(30)).StringFixed(2))
}

func TestCreateDepositMovesToProcessing(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)

	p := e.create(t, scheduling.PaymentDeposit)

	assert.Equal(t, scheduling.PaymentProcessing, p.Status)
	assert.Equal(t, "150000", p.Amount.String())
	assert.NotEmpty(t, p.PaymentURL)
	assert.Equal(t, "VNPAY", p.PaymentMethod)
	require.Len(t, e.gw.CreatedCalls, 1)
	assert.Equal(t, p.TransactionID, e.gw.CreatedCalls[0].TransactionID)
}

func TestCreateRejectsSecondActivePayment(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	e.create(t, scheduling.PaymentDeposit)

	_, err := e.svc.CreatePayment(context.Background(), CreateRequest{AppointmentID: e.appt.ID, PaymentType: scheduling.PaymentDeposit})
	require.ErrorIs(t, err, scheduling.ErrPaymentAlreadyActive)

	_, err = e.svc.CreatePayment(context.Background(), CreateRequest{AppointmentID: e.appt.ID, PaymentType: scheduling.PaymentFull})
	require.ErrorIs(t, err, scheduling.ErrPaymentAlreadyActive)
}

func TestCreateRejectsInvalidType(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	_, err := e.svc.CreatePayment(context.Background(), CreateRequest{AppointmentID: e.appt.ID, PaymentType: "TIP"})
	require.ErrorIs(t, err, scheduling.ErrPaymentInvalidType)
}

func TestCreateGatewayFailureMarksFailed(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	e.gw.FailCreate(true)

	_, err := e.svc.CreatePayment(context.Background(), CreateRequest{AppointmentID: e.appt.ID, PaymentType: scheduling.PaymentDeposit})
	require.ErrorIs(t, err, scheduling.ErrGateway)

	payments := paymentsOf(t, e)
	require.Len(t, payments, 1)
	assert.Equal(t, scheduling.PaymentFailed, payments[0].Status)
	assert.Contains(t, payments[0].Notes, "checkout creation failed")

	e.gw.FailCreate(false)
	retry := e.create(t, scheduling.PaymentDeposit)
	assert.Equal(t, scheduling.PaymentProcessing, retry.Status)
}

func TestDepositCallbackConfirmsAppointment(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)

	out := e.settle(t, p, true)

	assert.Equal(t, scheduling.PaymentCompleted, out.Payment.Status)
	assert.False(t, out.AlreadySettled)
	assert.NotNil(t, out.Payment.PaymentDate)
	assert.Equal(t, "GW-"+p.TransactionID, out.Payment.GatewayTransactionID)

	appt, _ := e.store.Appointment(e.appt.ID)
	assert.Equal(t, scheduling.AppointmentConfirmed, appt.Status)
	assert.Equal(t, 1, e.notifier.count())
}

func TestDuplicateCallbackIsAcknowledgedWithoutChange(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)
	e.settle(t, p, true)

	out := e.settle(t, p, true)
	assert.True(t, out.Duplicate)
	assert.True(t, out.AlreadySettled)
	assert.Equal(t, 1, e.notifier.count(), "notification fires once")
}

func TestLateFailureCallbackForSettledPayment(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)
	e.settle(t, p, true)

	out := e.settle(t, p, false)
	assert.True(t, out.AlreadySettled)
	assert.Equal(t, scheduling.PaymentCompleted, out.Payment.Status)
}

func TestFailedCallbackLeavesAppointmentPending(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)

	out := e.settle(t, p, false)
	assert.Equal(t, scheduling.PaymentFailed, out.Payment.Status)

	appt, _ := e.store.Appointment(e.appt.ID)
	assert.Equal(t, scheduling.AppointmentPending, appt.Status)
	assert.Zero(t, e.notifier.count())

	retry := e.create(t, scheduling.PaymentDeposit)
	assert.Equal(t, scheduling.PaymentProcessing, retry.Status)
}

func TestCallbackRejections(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)
	ctx := context.Background()

	bad := gateway.CallbackParams(p.TransactionID, p.Amount, true)
	bad.Set("signature", "forged")
	_, err := e.svc.HandleCallback(ctx, bad)
	require.ErrorIs(t, err, scheduling.ErrInvalidSignature)

	_, err = e.svc.HandleCallback(ctx, gateway.CallbackParams(p.TransactionID, decimal.NewFromInt(1), true))
	require.ErrorIs(t, err, scheduling.ErrPaymentAmountMismatch)

	_, err = e.svc.HandleCallback(ctx, gateway.CallbackParams("missing-txn", p.Amount, true))
	require.ErrorIs(t, err, scheduling.ErrPaymentNotFound)

	stored, _ := e.store.Payment(p.ID)
	assert.Equal(t, scheduling.PaymentProcessing, stored.Status)
}

func TestFullPaymentConfirmsAppointment(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentFull)
	assert.Equal(t, "500000", p.Amount.String())

	e.settle(t, p, true)
	appt, _ := e.store.Appointment(e.appt.ID)
	assert.Equal(t, scheduling.AppointmentConfirmed, appt.Status)
}

func TestRemainingPaymentFlow(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	ctx := context.Background()

	_, err := e.svc.CreatePayment(ctx, CreateRequest{AppointmentID: e.appt.ID, PaymentType: scheduling.PaymentRemaining})
	require.ErrorIs(t, err, scheduling.ErrPaymentInvalidStatus)

	deposit := e.create(t, scheduling.PaymentDeposit)
	e.settle(t, deposit, true)

	remaining := e.create(t, scheduling.PaymentRemaining)
	assert.Equal(t, "350000", remaining.Amount.String())

	e.settle(t, remaining, true)
	appt, _ := e.store.Appointment(e.appt.ID)
	assert.Equal(t, scheduling.AppointmentConfirmed, appt.Status, "remaining payment never changes the appointment")
	assert.Equal(t, 2, e.notifier.count())
}

func TestCancelPayment(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)

	cancelled, err := e.svc.CancelPayment(context.Background(), p.ID, "changed mind")
	require.NoError(t, err)
	assert.Equal(t, scheduling.PaymentCancelled, cancelled.Status)
	assert.Contains(t, cancelled.Notes, "changed mind")

	_, err = e.svc.CancelPayment(context.Background(), p.ID, "")
	require.ErrorIs(t, err, scheduling.ErrPaymentInvalidStatus)
}

func TestSyncPayment(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)
	ctx := context.Background()

	same, err := e.svc.SyncPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.PaymentProcessing, same.Status, "pending at gateway leaves payment unchanged")

	e.gw.SetStatus(p.TransactionID, gateway.StatusSuccess)
	synced, err := e.svc.SyncPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.PaymentCompleted, synced.Status)
	assert.Contains(t, synced.Notes, "reconciled")

	calls := len(e.gw.QueryCalls)
	again, err := e.svc.SyncPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.PaymentCompleted, again.Status)
	assert.Len(t, e.gw.QueryCalls, calls, "settled payments are not re-queried")
}

func TestSyncPaymentGatewayError(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)
	e.gw.FailQuery(p.TransactionID)

	_, err := e.svc.SyncPayment(context.Background(), p.ID)
	require.ErrorIs(t, err, scheduling.ErrGateway)
}

func TestRefundCompletedDeposit(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)
	e.settle(t, p, true)
	ctx := context.Background()

	refunded, err := e.svc.RefundPayment(ctx, p.ID, RefundRequest{Reason: "doctor unavailable", RequestedBy: "admin"})
	require.NoError(t, err)
	assert.Equal(t, scheduling.PaymentRefunded, refunded.Status)
	assert.Equal(t, "150000", refunded.RefundAmount.String())
	assert.Equal(t, "RF-"+p.TransactionID, refunded.RefundTransactionID)
	assert.NotNil(t, refunded.RefundedAt)
	require.Len(t, e.gw.RefundCalls, 1)
	assert.True(t, e.gw.RefundCalls[0].FullRefund)

	_, err = e.svc.RefundPayment(ctx, p.ID, RefundRequest{})
	require.ErrorIs(t, err, scheduling.ErrRefundAlreadyIssued)
	assert.Len(t, e.gw.RefundCalls, 1)
}

func TestRefundAfterCancelIsPricedAtCancellation(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)
	e.settle(t, p, true)
	ctx := context.Background()

	cancelledAt := time.Now().UTC()
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		_, err := appointments.NewMachine(true).WithClock(func() time.Time { return cancelledAt }).
			Transition(ctx, tx, e.appt.ID, appointments.Request{
				To:     scheduling.AppointmentCancelled,
				Actor:  appointments.ActorClient,
				Reason: "travelling",
			})
		return err
	})
	require.NoError(t, err)
	appt, _ := e.store.Appointment(e.appt.ID)
	require.NotNil(t, appt.CancelledAt)

	// The slot is at least 57h after cancellation but under 48h after this.
	e.svc.WithClock(func() time.Time { return cancelledAt.Add(50 * time.Hour) })
	refunded, err := e.svc.RefundPayment(ctx, p.ID, RefundRequest{Reason: "cancelled early"})
	require.NoError(t, err)
	assert.Equal(t, "150000", refunded.RefundAmount.String())
	require.Len(t, e.gw.RefundCalls, 1)
	assert.True(t, e.gw.RefundCalls[0].FullRefund)
}

func TestRefundOfLiveAppointmentIsPricedNow(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)
	e.settle(t, p, true)

	e.svc.WithClock(func() time.Time { return e.slot.Date.Add(e.slot.StartTime - 24*time.Hour) })
	refunded, err := e.svc.RefundPayment(context.Background(), p.ID, RefundRequest{})
	require.NoError(t, err)
	assert.Equal(t, "45000", refunded.RefundAmount.String())
}

func TestRefundGatewayRejectionReleasesClaim(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)
	e.settle(t, p, true)
	e.gw.FailRefund(true)

	_, err := e.svc.RefundPayment(context.Background(), p.ID, RefundRequest{})
	require.ErrorIs(t, err, scheduling.ErrGateway)

	stored, _ := e.store.Payment(p.ID)
	assert.Equal(t, scheduling.PaymentCompleted, stored.Status)
	assert.Empty(t, stored.RefundTransactionID)

	e.gw.FailRefund(false)
	_, err = e.svc.RefundPayment(context.Background(), p.ID, RefundRequest{})
	require.NoError(t, err)
}

func TestRefundRequiresCompletedPayment(t *testing.T) {
	e := newEnv(t, scheduling.AppointmentPending)
	p := e.create(t, scheduling.PaymentDeposit)

	_, err := e.svc.RefundPayment(context.Background(), p.ID, RefundRequest{})
	require.ErrorIs(t, err, scheduling.ErrPaymentInvalidStatus)
	assert.Empty(t, e.gw.RefundCalls)
}

func paymentsOf(t *testing.T, e *env) []scheduling.Payment {
	t.Helper()
	var out []scheduling.Payment
	err := e.store.WithinTx(context.Background(), func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		out, err = tx.ListPaymentsByAppointment(ctx, e.appt.ID)
		return err
	})
	require.NoError(t, err)
	return out
}
