package scheduling

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Slot is a bookable window on a doctor's calendar. StartTime and EndTime are
// offsets from midnight of Date in the clinic time zone.
type Slot struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	Date        time.Time
	StartTime   time.Duration
	EndTime     time.Duration
	IsAvailable bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StartsAt returns the instant the slot begins in loc.
func (s Slot) StartsAt(loc *time.Location) time.Time {
	return civilMidnight(s.Date, loc).Add(s.StartTime)
}

// EndsAt returns the instant the slot ends in loc.
func (s Slot) EndsAt(loc *time.Location) time.Time {
	return civilMidnight(s.Date, loc).Add(s.EndTime)
}

// Overlaps reports whether both slots fall on the same date with intersecting
// time ranges.
func (s Slot) Overlaps(other Slot) bool {
	if !SameDate(s.Date, other.Date) {
		return false
	}
	return s.StartTime < other.EndTime && other.StartTime < s.EndTime
}

// SameDate compares the calendar date portion of two dates.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func civilMidnight(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Appointment reserves a slot for a patient.
type Appointment struct {
	ID              uuid.UUID         `json:"id"`
	DoctorID        uuid.UUID         `json:"doctor_id"`
	PatientID       uuid.UUID         `json:"patient_id"`
	SlotID          uuid.UUID         `json:"slot_id"`
	AppointmentDate time.Time         `json:"appointment_date"`
	Status          AppointmentStatus `json:"status"`
	ConsultationFee decimal.Decimal   `json:"consultation_fee"`
	PatientNotes    string            `json:"patient_notes,omitempty"`
	DoctorNotes     string            `json:"doctor_notes,omitempty"`
	CancelReason    string            `json:"cancel_reason,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Payment is a single charge against an appointment.
type Payment struct {
	ID                   uuid.UUID       `json:"id"`
	AppointmentID        uuid.UUID       `json:"appointment_id"`
	Amount               decimal.Decimal `json:"amount"`
	PaymentType          PaymentType     `json:"payment_type"`
	PaymentMethod        string          `json:"payment_method"`
	Status               PaymentStatus   `json:"status"`
	TransactionID        string          `json:"transaction_id"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	PaymentURL           string          `json:"payment_url,omitempty"`
	PaymentDate          *time.Time      `json:"payment_date,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	RefundAmount         decimal.Decimal `json:"refund_amount"`
	RefundTransactionID  string          `json:"refund_transaction_id,omitempty"`
	RefundedAt           *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// AppendNote adds a line to the payment notes.
func (p *Payment) AppendNote(note string) {
	if note == "" {
		return
	}
	if p.Notes == "" {
		p.Notes = note
		return
	}
	p.Notes = p.Notes + "\n" + note
}

// NewTransactionID returns a gateway-safe unique transaction reference.
func NewTransactionID(now time.Time) string {
	id := uuid.New()
	return now.UTC().Format("20060102150405") + "-" + id.String()[:8]
}
