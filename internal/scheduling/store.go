package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store runs units of work. Implementations roll back when fn returns an
// error and commit otherwise.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view over slots, appointments and payments.
// Locks taken through a Tx are released when the unit of work ends. Callers
// lock in the order slot, appointment, payment.
type Tx interface {
	SlotTx
	AppointmentTx
	PaymentTx
}

type SlotTx interface {
	// LockSlot takes the slot's exclusive lock; ErrSlotNotFound if absent.
	LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	// SetSlotAvailable must only be called while holding the slot lock.
	SetSlotAvailable(ctx context.Context, id uuid.UUID, available bool) error
}

type AppointmentTx interface {
	InsertAppointment(ctx context.Context, appt *Appointment) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointment(ctx context.Context, appt *Appointment) error
	CountAppointmentsByStatus(ctx context.Context, patientID uuid.UUID, status AppointmentStatus) (int, error)
	// HasOverlappingAppointment reports a non-cancelled appointment of the
	// patient whose slot overlaps slot.
	HasOverlappingAppointment(ctx context.Context, patientID uuid.UUID, slot Slot) (bool, error)
	// SlotHasLiveAppointment reports a non-cancelled appointment on the slot.
	SlotHasLiveAppointment(ctx context.Context, slotID uuid.UUID) (bool, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Appointment, error)
}

type PaymentTx interface {
	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (*Payment, error)
	LockPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	ListPaymentsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Payment, error)
	LockPaymentsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Payment, error)
	// ListProcessing returns PROCESSING payments created in (after, before].
	ListProcessing(ctx context.Context, createdAfter, createdBefore time.Time, limit int) ([]Payment, error)
}
