package events

import "time"

const (
	TypePaymentSucceeded     = "payments.payment.succeeded.v1"
	TypeAppointmentCancelled = "appointments.appointment.cancelled.v1"
)

type PaymentSucceededV1 struct {
	AppointmentID        string    `json:"appointment_id"`
	PaymentID            string    `json:"payment_id"`
	PatientID            string    `json:"patient_id"`
	DoctorID             string    `json:"doctor_id"`
	PaymentType          string    `json:"payment_type"`
	Amount               string    `json:"amount"`
	TransactionID        string    `json:"transaction_id"`
	GatewayTransactionID string    `json:"gateway_transaction_id,omitempty"`
	AppointmentDate      time.Time `json:"appointment_date"`
	OccurredAt           time.Time `json:"occurred_at"`
}

func (PaymentSucceededV1) EventType() string { return TypePaymentSucceeded }

type AppointmentCancelledV1 struct {
	AppointmentID   string    `json:"appointment_id"`
	PatientID       string    `json:"patient_id"`
	DoctorID        string    `json:"doctor_id"`
	Reason          string    `json:"reason"`
	Expired         bool      `json:"expired"`
	AppointmentDate time.Time `json:"appointment_date"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func (AppointmentCancelledV1) EventType() string { return TypeAppointmentCancelled }
