package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking/internal/events"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Publisher hands a canonical event to the delivery pipeline.
type Publisher interface {
	Publish(ctx context.Context, aggregate string, evt events.CanonicalEvent) error
}

// OutboxPublisher appends events to the transactional outbox.
type OutboxPublisher struct {
	outbox *events.OutboxStore
}

func NewOutboxPublisher(outbox *events.OutboxStore) *OutboxPublisher {
	return &OutboxPublisher{outbox: outbox}
}

func (p *OutboxPublisher) Publish(ctx context.Context, aggregate string, evt events.CanonicalEvent) error {
	_, err := p.outbox.Append(ctx, aggregate, evt, events.WithCorrelationID(chimw.GetReqID(ctx)))
	return err
}

// DirectPublisher skips the outbox and invokes the handler inline. Used when
// the service runs without Postgres.
type DirectPublisher struct {
	handler events.DeliveryHandler
}

func NewDirectPublisher(handler events.DeliveryHandler) *DirectPublisher {
	return &DirectPublisher{handler: handler}
}

func (p *DirectPublisher) Publish(ctx context.Context, aggregate string, evt events.CanonicalEvent) error {
	env, err := events.NewEnvelope(aggregate, evt, events.WithCorrelationID(chimw.GetReqID(ctx)))
	if err != nil {
		return err
	}
	return p.handler.Handle(ctx, events.OutboxEntry{
		ID:        env.EventID,
		Aggregate: env.Aggregate,
		Type:      env.EventType,
		Envelope:  env,
		CreatedAt: env.OccurredAt,
	})
}

// Dispatcher emits patient-facing notifications after state changes commit.
// Calls return immediately; failures are logged and never reach the caller.
type Dispatcher struct {
	store     scheduling.Store
	publisher Publisher
	logger    *logging.Logger
	timeout   time.Duration
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewDispatcher(store scheduling.Store, publisher Publisher, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		logger:    logger.Component("notify"),
		timeout:   10 * time.Second,
		now:       time.Now,
	}
}

func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// PaymentSuccess announces a payment that reached COMPLETED.
func (d *Dispatcher) PaymentSuccess(ctx context.Context, appointmentID, paymentID uuid.UUID) {
	if d == nil || d.publisher == nil {
		return
	}
	d.async(ctx, "payment_success", func(ctx context.Context) error {
		return d.paymentSuccess(ctx, appointmentID, paymentID)
	})
}

// AppointmentCancelled announces a cancelled appointment. expired marks
// cancellations made by the expiration sweep.
func (d *Dispatcher) AppointmentCancelled(ctx context.Context, appt scheduling.Appointment, expired bool) {
	if d == nil || d.publisher == nil {
		return
	}
	evt := events.AppointmentCancelledV1{
		AppointmentID:   appt.ID.String(),
		PatientID:       appt.PatientID.String(),
		DoctorID:        appt.DoctorID.String(),
		Reason:          appt.CancelReason,
		Expired:         expired,
		AppointmentDate: appt.AppointmentDate,
		OccurredAt:      d.now().UTC(),
	}
	d.async(ctx, "appointment_cancelled", func(ctx context.Context) error {
		return d.publisher.Publish(ctx, events.AppointmentAggregate(appt.ID), evt)
	})
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) async(parent context.Context, kind string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			d.logger.Error("notification failed", "kind", kind, "error", err)
		}
	}()
}

func (d *Dispatcher) paymentSuccess(ctx context.Context, appointmentID, paymentID uuid.UUID) error {
	var (
		appt    *scheduling.Appointment
		payment *scheduling.Payment
	)
	err := d.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		if appt, err = tx.GetAppointment(ctx, appointmentID); err != nil {
			return err
		}
		payment, err = tx.GetPayment(ctx, paymentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: load payment %s: %w", paymentID, err)
	}

	evt := events.PaymentSucceededV1{
		AppointmentID:        appt.ID.String(),
		PaymentID:            payment.ID.String(),
		PatientID:            appt.PatientID.String(),
		DoctorID:             appt.DoctorID.String(),
		PaymentType:          string(payment.PaymentType),
		Amount:               payment.Amount.StringFixed(2),
		TransactionID:        payment.TransactionID,
		GatewayTransactionID: payment.GatewayTransactionID,
		AppointmentDate:      appt.AppointmentDate,
		OccurredAt:           d.now().UTC(),
	}
	if payment.PaymentDate != nil {
		evt.OccurredAt = payment.PaymentDate.UTC()
	}
	return d.publisher.Publish(ctx, events.AppointmentAggregate(appt.ID), evt)
}
