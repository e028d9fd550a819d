// Package payments drives the payment lifecycle against a hosted-checkout
// gateway: creation, callbacks, reconciliation and refunds.
package payments

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

// Transition describes a payment status change and the fields it carries.
type Transition struct {
	To                   scheduling.PaymentStatus
	GatewayTransactionID string
	PaymentURL           string
	PaymentDate          *time.Time
	Note                 string
	RefundAmount         decimal.Decimal
	RefundTransactionID  string
}

// Result reports what a committed transition changed.
type Result struct {
	Payment     scheduling.Payment
	From        scheduling.PaymentStatus
	Appointment *appointments.Result
}

// EnteredCompleted reports whether this transition settled the payment.
func (r *Result) EnteredCompleted() bool {
	return r != nil && r.From != scheduling.PaymentCompleted && r.Payment.Status == scheduling.PaymentCompleted
}

// Machine applies payment transitions inside a caller-owned unit of work.
type Machine struct {
	appointments *appointments.Machine
	now          func() time.Time
}

func NewMachine(appts *appointments.Machine) *Machine {
	return &Machine{appointments: appts, now: time.Now}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	if now != nil {
		m.now = now
	}
	return m
}

// Apply moves the payment to t.To. The appointment row is locked before the
// payment row. Settling a DEPOSIT or FULL payment confirms a PENDING
// appointment in the same unit of work.
func (m *Machine) Apply(ctx context.Context, tx scheduling.Tx, paymentID uuid.UUID, t Transition) (*Result, error) {
	peek, err := tx.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	appt, err := tx.LockAppointment(ctx, peek.AppointmentID)
	if err != nil {
		return nil, err
	}
	payment, err := tx.LockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !payment.Status.CanTransitionTo(t.To) {
		return nil, scheduling.Errorf(scheduling.ErrPaymentInvalidStatus, "%s -> %s", payment.Status, t.To)
	}

	from := payment.Status
	now := m.now().UTC()
	switch t.To {
	case scheduling.PaymentProcessing:
		if t.PaymentURL != "" {
			payment.PaymentURL = t.PaymentURL
		}
	case scheduling.PaymentCompleted:
		if t.PaymentDate != nil {
			paid := t.PaymentDate.UTC()
			payment.PaymentDate = &paid
		} else {
			payment.PaymentDate = &now
		}
	case scheduling.PaymentRefunded:
		payment.RefundAmount = t.RefundAmount
		payment.RefundTransactionID = t.RefundTransactionID
		payment.RefundedAt = &now
	}
	if gw := strings.TrimSpace(t.GatewayTransactionID); gw != "" {
		payment.GatewayTransactionID = gw
	}
	payment.AppendNote(t.Note)
	payment.Status = t.To
	payment.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return nil, err
	}

	result := &Result{Payment: *payment, From: from}
	if t.To == scheduling.PaymentCompleted && confirmsAppointment(payment.PaymentType) && appt.Status == scheduling.AppointmentPending {
		res, err := m.appointments.Transition(ctx, tx, appt.ID, appointments.Request{
			To:    scheduling.AppointmentConfirmed,
			Actor: appointments.ActorSystem,
		})
		if err != nil {
			return nil, err
		}
		result.Appointment = res
	}
	return result, nil
}

func confirmsAppointment(t scheduling.PaymentType) bool {
	return t == scheduling.PaymentDeposit || t == scheduling.PaymentFull
}
