package payments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/internal/store/memory"
)

func TestPaymentTransitionTableClosure(t *testing.T) {
	m := NewMachine(appointments.NewMachine(true))
	for _, from := range scheduling.PaymentStatuses() {
		for _, to := range scheduling.PaymentStatuses() {
			store := memory.New()
			appt := scheduling.Appointment{ID: uuid.New(), SlotID: uuid.New(), Status: scheduling.AppointmentConfirmed}
			p := scheduling.Payment{
				ID:            uuid.New(),
				AppointmentID: appt.ID,
				Amount:        decimal.NewFromInt(100),
				PaymentType:   scheduling.PaymentRemaining,
				Status:        from,
				TransactionID: scheduling.NewTransactionID(time.Now()),
			}
			store.AddAppointment(appt)
			store.AddPayment(p)

			err := store.WithinTx(context.Background(), func(ctx context.Context, tx scheduling.Tx) error {
				_, err := m.Apply(ctx, tx, p.ID, Transition{To: to})
				return err
			})
			stored, _ := store.Payment(p.ID)
			if from.CanTransitionTo(to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, stored.Status)
				continue
			}
			require.ErrorIs(t, err, scheduling.ErrPaymentInvalidStatus, "%s -> %s", from, to)
			assert.Equal(t, from, stored.Status, "payment must be unchanged on rejected %s -> %s", from, to)
		}
	}
}

func TestDepositCompletionSkipsNonPendingAppointment(t *testing.T) {
	store := memory.New()
	appt := scheduling.Appointment{ID: uuid.New(), SlotID: uuid.New(), Status: scheduling.AppointmentConfirmed}
	p := scheduling.Payment{ID: uuid.New(), AppointmentID: appt.ID, PaymentType: scheduling.PaymentDeposit, Status: scheduling.PaymentProcessing, TransactionID: "t-1"}
	store.AddAppointment(appt)
	store.AddPayment(p)

	var res *Result
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		res, err = NewMachine(appointments.NewMachine(true)).Apply(ctx, tx, p.ID, Transition{To: scheduling.PaymentCompleted})
		return err
	})
	require.NoError(t, err)
	assert.Nil(t, res.Appointment)
	assert.True(t, res.EnteredCompleted())
	assert.NotNil(t, res.Payment.PaymentDate)
}
