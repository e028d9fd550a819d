package scheduling

// AppointmentStatus tracks the lifecycle of an appointment.
type AppointmentStatus string

const (
	AppointmentPending    AppointmentStatus = "PENDING"
	AppointmentConfirmed  AppointmentStatus = "CONFIRMED"
	AppointmentInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentCompleted  AppointmentStatus = "COMPLETED"
	AppointmentCancelled  AppointmentStatus = "CANCELLED"
)

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	AppointmentPending:    {AppointmentConfirmed, AppointmentCancelled},
	AppointmentConfirmed:  {AppointmentInProgress, AppointmentCancelled},
	AppointmentInProgress: {AppointmentCompleted},
	AppointmentCompleted:  nil,
	AppointmentCancelled:  nil,
}

// AppointmentStatuses lists every appointment status.
func AppointmentStatuses() []AppointmentStatus {
	return []AppointmentStatus{
		AppointmentPending,
		AppointmentConfirmed,
		AppointmentInProgress,
		AppointmentCompleted,
		AppointmentCancelled,
	}
}

// Valid reports whether s is a known status.
func (s AppointmentStatus) Valid() bool {
	_, ok := appointmentTransitions[s]
	return ok
}

// CanTransitionTo reports whether the table allows s -> to.
func (s AppointmentStatus) CanTransitionTo(to AppointmentStatus) bool {
	for _, allowed := range appointmentTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s AppointmentStatus) Terminal() bool {
	return s.Valid() && len(appointmentTransitions[s]) == 0
}

// PaymentStatus tracks the lifecycle of a payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentCancelled, PaymentFailed},
	PaymentProcessing: {PaymentCompleted, PaymentFailed, PaymentCancelled},
	PaymentCompleted:  {PaymentRefunded},
	PaymentFailed:     nil,
	PaymentCancelled:  nil,
	PaymentRefunded:   nil,
}

// PaymentStatuses lists every payment status.
func PaymentStatuses() []PaymentStatus {
	return []PaymentStatus{
		PaymentPending,
		PaymentProcessing,
		PaymentCompleted,
		PaymentFailed,
		PaymentCancelled,
		PaymentRefunded,
	}
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

// CanTransitionTo reports whether the table allows s -> to.
func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s PaymentStatus) Terminal() bool {
	return s.Valid() && len(paymentTransitions[s]) == 0
}

// Open reports whether the payment is still in flight and may be cancelled.
func (s PaymentStatus) Open() bool {
	return s == PaymentPending || s == PaymentProcessing
}

// Active reports whether the payment counts against the one-per-type rule.
func (s PaymentStatus) Active() bool {
	return s.Open() || s == PaymentCompleted
}

// PaymentType classifies what a payment covers.
type PaymentType string

const (
	PaymentDeposit   PaymentType = "DEPOSIT"
	PaymentFull      PaymentType = "FULL"
	PaymentRemaining PaymentType = "REMAINING"
)

func (t PaymentType) Valid() bool {
	switch t {
	case PaymentDeposit, PaymentFull, PaymentRemaining:
		return true
	}
	return false
}
