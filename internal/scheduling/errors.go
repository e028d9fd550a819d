package scheduling

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how callers should react.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindValidation Kind = "validation"
	KindExternal   Kind = "external"
	KindInternal   Kind = "internal"
)

// Error is a coded domain failure with a stable Code.
type Error struct {
	Code    string
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code string, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

var (
	ErrSlotNotFound        = newError("SLOT_NOT_FOUND", KindNotFound, "slot not found")
	ErrAppointmentNotFound = newError("APPOINTMENT_NOT_FOUND", KindNotFound, "appointment not found")
	ErrPaymentNotFound     = newError("PAYMENT_NOT_FOUND", KindNotFound, "payment not found")
	ErrPatientNotFound     = newError("PATIENT_NOT_FOUND", KindNotFound, "patient not found")
	ErrDoctorNotFound      = newError("DOCTOR_NOT_FOUND", KindNotFound, "doctor not found")

	ErrSlotNotAvailable     = newError("SLOT_NOT_AVAILABLE", KindConflict, "slot is not available")
	ErrSlotAlreadyBooked    = newError("SLOT_ALREADY_BOOKED", KindConflict, "slot was booked by another request")
	ErrPatientOverlapping   = newError("PATIENT_OVERLAPPING", KindConflict, "patient already has an appointment in this time window")
	ErrTooManyPending       = newError("TOO_MANY_PENDING", KindConflict, "patient has too many pending appointments")
	ErrPaymentAlreadyActive = newError("PAYMENT_ALREADY_ACTIVE", KindConflict, "an active payment of this type already exists")
	ErrRefundAlreadyIssued  = newError("REFUND_ALREADY_ISSUED", KindConflict, "payment has already been refunded")
	ErrTooManyAttempts      = newError("TOO_MANY_ATTEMPTS", KindConflict, "too many payment attempts, try again later")

	ErrInvalidSlotDoctor       = newError("INVALID_SLOT_DOCTOR", KindValidation, "slot does not belong to doctor")
	ErrSlotInPast              = newError("SLOT_IN_PAST", KindValidation, "slot start time is in the past")
	ErrPatientInactive         = newError("PATIENT_INACTIVE", KindValidation, "patient account is inactive")
	ErrPatientNoRole           = newError("PATIENT_NO_ROLE", KindValidation, "user does not hold an active patient role")
	ErrDoctorInactive          = newError("DOCTOR_INACTIVE", KindValidation, "doctor account is inactive")
	ErrDoctorNotApproved       = newError("DOCTOR_NOT_APPROVED", KindValidation, "doctor is not approved")
	ErrInvalidStatusTransition = newError("INVALID_STATUS_TRANSITION", KindValidation, "invalid appointment status transition")
	ErrDoctorNotesRequired     = newError("DOCTOR_NOTES_REQUIRED", KindValidation, "doctor notes are required to complete an appointment")
	ErrPaymentInvalidStatus    = newError("PAYMENT_INVALID_STATUS", KindValidation, "invalid payment status transition")
	ErrPaymentInvalidType      = newError("PAYMENT_INVALID_TYPE", KindValidation, "invalid payment type")
	ErrPaymentAmountInvalid    = newError("PAYMENT_AMOUNT_INVALID", KindValidation, "payment amount must be positive")
	ErrPaymentAmountMismatch   = newError("PAYMENT_AMOUNT_MISMATCH", KindValidation, "callback amount does not match payment")
	ErrRefundWindowExpired     = newError("REFUND_WINDOW_EXPIRED", KindValidation, "refund window has expired")
	ErrInvalidSignature        = newError("INVALID_SIGNATURE", KindValidation, "invalid gateway signature")
	ErrInvalidRequest          = newError("INVALID_REQUEST", KindValidation, "invalid request")

	ErrGateway = newError("GATEWAY_ERROR", KindExternal, "payment gateway error")

	ErrInternal = newError("INTERNAL_ERROR", KindInternal, "internal error")
)

// Errorf wraps a sentinel with a formatted detail, preserving errors.Is.
func Errorf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

type internalError struct {
	cause error
}

func (e *internalError) Error() string {
	return ErrInternal.Message
}

func (e *internalError) Unwrap() []error {
	return []error{ErrInternal, e.cause}
}

// AsInternal passes coded errors through and hides anything else behind
// ErrInternal. The cause stays reachable through errors.Is/As for logging.
func AsInternal(err error) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	return &internalError{cause: err}
}

// Cause returns the error hidden by AsInternal, or err itself.
func Cause(err error) error {
	var ie *internalError
	if errors.As(err, &ie) {
		return ie.cause
	}
	return err
}

// KindOf classifies err, defaulting to KindInternal for uncoded errors.
func KindOf(err error) Kind {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code for err.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrInternal.Code
}
