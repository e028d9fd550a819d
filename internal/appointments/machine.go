// Package appointments owns the appointment lifecycle: the transition table,
// the cancellation cascade and the client-facing operations built on it.
package appointments

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

// Actor identifies who requested a transition.
type Actor string

const (
	// ActorClient is an API caller (patient, doctor or admin).
	ActorClient Actor = "client"
	// ActorSystem is the payment flow or a background job.
	ActorSystem Actor = "system"
)

// Request describes a transition.
type Request struct {
	To          scheduling.AppointmentStatus
	Actor       Actor
	DoctorNotes string
	// Reason is stored on the appointment when cancelling.
	Reason string
	// PaymentNote is appended to every payment cancelled by the cascade.
	PaymentNote string
}

// Result reports what a committed transition changed.
type Result struct {
	Appointment       scheduling.Appointment
	From              scheduling.AppointmentStatus
	CancelledPayments []scheduling.Payment
}

// Machine applies appointment transitions inside a caller-owned unit of work.
type Machine struct {
	requireNotes bool
	now          func() time.Time
}

func NewMachine(requireNotesOnComplete bool) *Machine {
	return &Machine{requireNotes: requireNotesOnComplete, now: time.Now}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	if now != nil {
		m.now = now
	}
	return m
}

// Transition moves the appointment to req.To. Locks are taken slot first,
// then appointment, then payments. On error nothing has been written.
func (m *Machine) Transition(ctx context.Context, tx scheduling.Tx, appointmentID uuid.UUID, req Request) (*Result, error) {
	peek, err := tx.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if req.To == scheduling.AppointmentCancelled && !peek.Status.Terminal() {
		if _, err := tx.LockSlot(ctx, peek.SlotID); err != nil {
			return nil, err
		}
	}
	appt, err := tx.LockAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	notes := strings.TrimSpace(req.DoctorNotes)
	if err := m.check(appt, req, notes); err != nil {
		return nil, err
	}

	from := appt.Status
	now := m.now().UTC()
	result := &Result{From: from}

	if req.To == scheduling.AppointmentCancelled {
		if err := tx.SetSlotAvailable(ctx, appt.SlotID, true); err != nil {
			return nil, err
		}
		cancelled, err := cancelOpenPayments(ctx, tx, appt.ID, req.PaymentNote, now)
		if err != nil {
			return nil, err
		}
		result.CancelledPayments = cancelled
		appt.CancelReason = strings.TrimSpace(req.Reason)
		appt.CancelledAt = &now
	}
	if notes != "" {
		appt.DoctorNotes = notes
	}
	appt.Status = req.To
	appt.UpdatedAt = now
	if err := tx.UpdateAppointment(ctx, appt); err != nil {
		return nil, err
	}
	result.Appointment = *appt
	return result, nil
}

func (m *Machine) check(appt *scheduling.Appointment, req Request, notes string) error {
	if !req.To.Valid() {
		return scheduling.Errorf(scheduling.ErrInvalidStatusTransition, "unknown status %q", req.To)
	}
	if !appt.Status.CanTransitionTo(req.To) {
		return scheduling.Errorf(scheduling.ErrInvalidStatusTransition, "%s -> %s", appt.Status, req.To)
	}
	if req.To == scheduling.AppointmentConfirmed && req.Actor != ActorSystem {
		return scheduling.Errorf(scheduling.ErrInvalidStatusTransition, "appointments are confirmed by payment")
	}
	if req.To == scheduling.AppointmentCompleted && m.requireNotes && notes == "" && strings.TrimSpace(appt.DoctorNotes) == "" {
		return scheduling.ErrDoctorNotesRequired
	}
	return nil
}

func cancelOpenPayments(ctx context.Context, tx scheduling.Tx, appointmentID uuid.UUID, note string, now time.Time) ([]scheduling.Payment, error) {
	payments, err := tx.LockPaymentsByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if note == "" {
		note = "appointment cancelled"
	}
	var cancelled []scheduling.Payment
	for i := range payments {
		p := payments[i]
		if !p.Status.Open() {
			continue
		}
		p.Status = scheduling.PaymentCancelled
		p.AppendNote(note)
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, &p); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, p)
	}
	return cancelled, nil
}

// StartTime returns when the appointment begins in loc, falling back to
// midnight of the appointment date when the slot is gone.
func StartTime(ctx context.Context, tx scheduling.Tx, appt scheduling.Appointment, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if slot, err := tx.GetSlot(ctx, appt.SlotID); err == nil {
		return slot.StartsAt(loc)
	}
	y, mo, d := appt.AppointmentDate.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}
