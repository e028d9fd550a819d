package expiration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/internal/store/memory"
)

var fixedNow = time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	expired []uuid.UUID
}

func (n *recordingNotifier) AppointmentCancelled(_ context.Context, appt scheduling.Appointment, expired bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if expired {
		n.expired = append(n.expired, appt.ID)
	}
}

func seed(store *memory.Store, status scheduling.AppointmentStatus, age time.Duration) scheduling.Appointment {
	slot := scheduling.Slot{
		ID:        uuid.New(),
		DoctorID:  uuid.New(),
		Date:      fixedNow.AddDate(0, 0, 2),
		StartTime: 9 * time.Hour,
		EndTime:   9*time.Hour + 30*time.Minute,
	}
	appt := scheduling.Appointment{
		ID:              uuid.New(),
		DoctorID:        slot.DoctorID,
		PatientID:       uuid.New(),
		SlotID:          slot.ID,
		Status:          status,
		ConsultationFee: decimal.NewFromInt(500000),
		CreatedAt:       fixedNow.Add(-age),
	}
	store.AddSlot(slot)
	store.AddAppointment(appt)
	return appt
}

func newSweeper(store *memory.Store) *Sweeper {
	machine := appointments.NewMachine(true).WithClock(func() time.Time { return fixedNow })
	return NewSweeper(store, machine, Config{Timeout: 15 * time.Minute, BatchSize: 10}, nil).
		WithClock(func() time.Time { return fixedNow })
}

func TestSweeperCancelsStalePending(t *testing.T) {
	store := memory.New()
	stale := seed(store, scheduling.AppointmentPending, 20*time.Minute)
	fresh := seed(store, scheduling.AppointmentPending, 5*time.Minute)
	confirmed := seed(store, scheduling.AppointmentConfirmed, time.Hour)

	payment := scheduling.Payment{
		ID:            uuid.New(),
		AppointmentID: stale.ID,
		Amount:        decimal.NewFromInt(150000),
		PaymentType:   scheduling.PaymentDeposit,
		Status:        scheduling.PaymentProcessing,
		TransactionID: scheduling.NewTransactionID(fixedNow),
		CreatedAt:     fixedNow.Add(-19 * time.Minute),
	}
	store.AddPayment(payment)

	notifier := &recordingNotifier{}
	res, err := newSweeper(store).WithNotifier(notifier).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Cancelled: 1}, res)

	appt, _ := store.Appointment(stale.ID)
	assert.Equal(t, scheduling.AppointmentCancelled, appt.Status)
	slot, _ := store.Slot(stale.SlotID)
	assert.True(t, slot.IsAvailable)
	p, _ := store.Payment(payment.ID)
	assert.Equal(t, scheduling.PaymentCancelled, p.Status)
	assert.Contains(t, p.Notes, "expired")

	for _, untouched := range []scheduling.Appointment{fresh, confirmed} {
		got, _ := store.Appointment(untouched.ID)
		assert.Equal(t, untouched.Status, got.Status)
	}
	assert.Equal(t, []uuid.UUID{stale.ID}, notifier.expired)
}

func TestSweeperRerunIsNoop(t *testing.T) {
	store := memory.New()
	seed(store, scheduling.AppointmentPending, time.Hour)
	sweeper := newSweeper(store)

	first, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Cancelled)

	second, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, second)
}

func TestSweeperIsolatesItemFailures(t *testing.T) {
	store := memory.New()
	ok := seed(store, scheduling.AppointmentPending, time.Hour)
	orphan := scheduling.Appointment{
		ID:        uuid.New(),
		SlotID:    uuid.New(),
		Status:    scheduling.AppointmentPending,
		CreatedAt: fixedNow.Add(-2 * time.Hour),
	}
	store.AddAppointment(orphan)

	reg := prometheus.NewRegistry()
	res, err := newSweeper(store).WithMetrics(metrics.NewClinicMetrics(reg)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Cancelled: 1, Errors: 1}, res)

	got, _ := store.Appointment(ok.ID)
	assert.Equal(t, scheduling.AppointmentCancelled, got.Status)

	n, err := testutil.GatherAndCount(reg, "clinic_jobs_items_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "cancelled and error series")
}

func TestSweeperSkipsAppointmentConfirmedAfterListing(t *testing.T) {
	store := memory.New()
	appt := seed(store, scheduling.AppointmentPending, time.Hour)
	sweeper := newSweeper(store)

	appt.Status = scheduling.AppointmentConfirmed
	store.AddAppointment(appt)

	cancelled, err := sweeper.expire(context.Background(), appt.ID, fixedNow.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.False(t, cancelled)
	got, _ := store.Appointment(appt.ID)
	assert.Equal(t, scheduling.AppointmentConfirmed, got.Status)
}
