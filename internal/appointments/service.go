package appointments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/internal/refunds"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.appointments")

// Notifier is told about committed cancellations.
type Notifier interface {
	AppointmentCancelled(ctx context.Context, appt scheduling.Appointment, expired bool)
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Appointment       scheduling.Appointment `json:"appointment"`
	CancelledPayments []scheduling.Payment   `json:"cancelled_payments"`
	// RefundQuotes prices each settled payment under the refund policy.
	RefundQuotes []refunds.Quote `json:"refund_quotes"`
}

// Service exposes appointment operations to API callers.
type Service struct {
	store    scheduling.Store
	machine  *Machine
	policy   refunds.Policy
	loc      *time.Location
	notifier Notifier
	metrics  *metrics.ClinicMetrics
	logger   *logging.Logger
	now      func() time.Time
}

func NewService(store scheduling.Store, machine *Machine, policy refunds.Policy, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:   store,
		machine: machine,
		policy:  policy,
		loc:     time.UTC,
		logger:  logger.Component("appointments"),
		now:     time.Now,
	}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithMetrics(m *metrics.ClinicMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	var appt *scheduling.Appointment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		appt, err = tx.GetAppointment(ctx, id)
		return err
	})
	if err != nil {
		return nil, s.fail("get appointment", id, err)
	}
	return appt, nil
}

// Cancel cancels the appointment, releasing its slot and cancelling open
// payments. Settled payments are quoted, not refunded.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*CancelResult, error) {
	ctx, span := tracer.Start(ctx, "appointments.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	out := &CancelResult{}
	var from scheduling.AppointmentStatus
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		res, err := s.machine.Transition(ctx, tx, id, Request{
			To:          scheduling.AppointmentCancelled,
			Actor:       ActorClient,
			Reason:      reason,
			PaymentNote: "cancelled with appointment: " + reasonOrDefault(reason),
		})
		if err != nil {
			return err
		}
		from = res.From
		out.Appointment = res.Appointment
		out.CancelledPayments = res.CancelledPayments

		payments, err := tx.ListPaymentsByAppointment(ctx, id)
		if err != nil {
			return err
		}
		startsAt := StartTime(ctx, tx, res.Appointment, s.loc)
		now := s.now()
		pricedAt := refunds.PricingInstant(res.Appointment, now)
		for _, p := range payments {
			if p.Status != scheduling.PaymentCompleted {
				continue
			}
			quote, err := s.policy.QuotePayment(p, startsAt, pricedAt, now)
			if err != nil {
				s.logger.Debug("payment not refundable", "payment_id", p.ID, "reason", err)
				continue
			}
			out.RefundQuotes = append(out.RefundQuotes, quote)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("cancel appointment", id, err)
	}

	s.metrics.ObserveAppointmentTransition(string(from), string(scheduling.AppointmentCancelled))
	s.logger.Info("appointment cancelled", "appointment_id", id, "payments_cancelled", len(out.CancelledPayments), "refund_quotes", len(out.RefundQuotes))
	if s.notifier != nil {
		s.notifier.AppointmentCancelled(ctx, out.Appointment, false)
	}
	return out, nil
}

// Advance performs a client-requested transition.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, to scheduling.AppointmentStatus, doctorNotes string) (*scheduling.Appointment, error) {
	if to == scheduling.AppointmentCancelled {
		res, err := s.Cancel(ctx, id, "")
		if err != nil {
			return nil, err
		}
		return &res.Appointment, nil
	}

	ctx, span := tracer.Start(ctx, "appointments.advance")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()), attribute.String("appointment.to", string(to)))

	var res *Result
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		res, err = s.machine.Transition(ctx, tx, id, Request{To: to, Actor: ActorClient, DoctorNotes: doctorNotes})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("advance appointment", id, err)
	}
	s.metrics.ObserveAppointmentTransition(string(res.From), string(to))
	s.logger.Info("appointment status changed", "appointment_id", id, "from", res.From, "to", to)
	return &res.Appointment, nil
}

func (s *Service) fail(action string, id uuid.UUID, err error) error {
	err = scheduling.AsInternal(err)
	if scheduling.KindOf(err) == scheduling.KindInternal {
		s.logger.Error(action+" failed", "appointment_id", id, "error", scheduling.Cause(err))
	}
	return err
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return "no reason given"
	}
	return reason
}
