// Package refunds computes how much of a settled payment is returned when an
// appointment is cancelled.
package refunds

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

var hundred = decimal.NewFromInt(100)

// Policy holds the refund thresholds.
type Policy struct {
	// FullRefundNotice is the minimum lead time before the appointment for a
	// full refund.
	FullRefundNotice time.Duration
	// PartialPercent applies when notice is shorter than FullRefundNotice.
	PartialPercent decimal.Decimal
	// Window bounds how long after payment a refund may be requested.
	Window time.Duration
}

// DefaultPolicy returns 100% with two days notice, 30% otherwise, within 30
// days of payment.
func DefaultPolicy() Policy {
	return Policy{
		FullRefundNotice: 48 * time.Hour,
		PartialPercent:   decimal.NewFromInt(30),
		Window:           30 * 24 * time.Hour,
	}
}

// Quote is the outcome of applying the policy to one payment.
type Quote struct {
	PaymentID  string          `json:"payment_id"`
	Percentage decimal.Decimal `json:"percentage"`
	Amount     decimal.Decimal `json:"amount"`
	FullRefund bool            `json:"full_refund"`
}

// Percentage returns the refundable share for a cancellation at cancelledAt.
func (p Policy) Percentage(appointmentDate, cancelledAt time.Time) decimal.Decimal {
	if appointmentDate.Sub(cancelledAt) >= p.FullRefundNotice {
		return hundred
	}
	return p.PartialPercent
}

// Amount applies percentage to amount, rounded half-up to two places and
// capped at amount.
func (p Policy) Amount(amount, percentage decimal.Decimal) decimal.Decimal {
	refund := amount.Mul(percentage).Div(hundred).Round(2)
	if refund.GreaterThan(amount) {
		return amount
	}
	if refund.IsNegative() {
		return decimal.Zero
	}
	return refund
}

// CheckWindow fails once the refund window after paymentDate has passed.
func (p Policy) CheckWindow(paymentDate, now time.Time) error {
	if p.Window > 0 && now.Sub(paymentDate) > p.Window {
		return scheduling.Errorf(scheduling.ErrRefundWindowExpired, "paid %s", paymentDate.Format(time.RFC3339))
	}
	return nil
}

// PricingInstant is the moment a refund for appt is priced at: when it was
// cancelled, or now while it is still live.
func PricingInstant(appt scheduling.Appointment, now time.Time) time.Time {
	if appt.Status == scheduling.AppointmentCancelled && appt.CancelledAt != nil {
		return *appt.CancelledAt
	}
	return now
}

// QuotePayment validates that payment may be refunded at now and prices it
// by the notice given at cancelledAt.
func (p Policy) QuotePayment(payment scheduling.Payment, appointmentDate, cancelledAt, now time.Time) (Quote, error) {
	switch payment.Status {
	case scheduling.PaymentRefunded:
		return Quote{}, scheduling.Errorf(scheduling.ErrRefundAlreadyIssued, "payment %s", payment.ID)
	case scheduling.PaymentCompleted:
	default:
		return Quote{}, scheduling.Errorf(scheduling.ErrPaymentInvalidStatus, "cannot refund %s payment", payment.Status)
	}
	if payment.RefundedAt != nil || payment.RefundTransactionID != "" {
		return Quote{}, scheduling.Errorf(scheduling.ErrRefundAlreadyIssued, "payment %s", payment.ID)
	}

	paidAt := payment.UpdatedAt
	if payment.PaymentDate != nil {
		paidAt = *payment.PaymentDate
	}
	if err := p.CheckWindow(paidAt, now); err != nil {
		return Quote{}, err
	}

	pct := p.Percentage(appointmentDate, cancelledAt)
	return Quote{
		PaymentID:  payment.ID.String(),
		Percentage: pct,
		Amount:     p.Amount(payment.Amount, pct),
		FullRefund: pct.Equal(hundred),
	}, nil
}
