// Package expiration cancels PENDING appointments whose payment never
// arrived, releasing their slots.
package expiration

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// JobName identifies the sweep in metrics and the scheduler.
const JobName = "expiration_sweep"

const paymentNote = "cancelled: appointment expired before payment"

var tracer = otel.Tracer("clinic.internal.expiration")

// Config controls which appointments count as stale.
type Config struct {
	// Timeout is how long an appointment may stay PENDING.
	Timeout   time.Duration
	BatchSize int
}

// SweepResult summarises one run.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Sweeper cancels stale PENDING appointments.
type Sweeper struct {
	store    scheduling.Store
	machine  *appointments.Machine
	cfg      Config
	notifier appointments.Notifier
	metrics  *metrics.ClinicMetrics
	logger   *logging.Logger
	now      func() time.Time
}

func NewSweeper(store scheduling.Store, machine *appointments.Machine, cfg Config, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Sweeper{
		store:   store,
		machine: machine,
		cfg:     cfg,
		logger:  logger.Component("expiration"),
		now:     time.Now,
	}
}

func (s *Sweeper) WithNotifier(n appointments.Notifier) *Sweeper {
	s.notifier = n
	return s
}

func (s *Sweeper) WithMetrics(m *metrics.ClinicMetrics) *Sweeper {
	s.metrics = m
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Run cancels up to one batch of stale appointments. Each appointment is
// handled in its own unit of work; a failure is counted and the sweep moves
// on. Running again is a no-op for appointments already cancelled.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "expiration.sweep")
	defer span.End()

	var result SweepResult
	cutoff := s.now().Add(-s.cfg.Timeout)

	var stale []scheduling.Appointment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		stale, err = tx.ListStalePending(ctx, cutoff, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		s.logger.Error("list stale appointments failed", "error", err)
		return result, err
	}
	result.Scanned = len(stale)

	for _, appt := range stale {
		if ctx.Err() != nil {
			break
		}
		cancelled, err := s.expire(ctx, appt.ID, cutoff)
		switch {
		case err != nil:
			result.Errors++
			s.logger.Error("expire appointment failed", "appointment_id", appt.ID, "error", err)
		case cancelled:
			result.Cancelled++
		default:
			result.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.scanned", result.Scanned),
		attribute.Int("sweep.cancelled", result.Cancelled),
	)
	s.metrics.AddJobItems(JobName, "cancelled", result.Cancelled)
	s.metrics.AddJobItems(JobName, "skipped", result.Skipped)
	s.metrics.AddJobItems(JobName, "error", result.Errors)
	if result.Scanned > 0 {
		s.logger.Info("expiration sweep finished",
			"scanned", result.Scanned,
			"cancelled", result.Cancelled,
			"skipped", result.Skipped,
			"errors", result.Errors,
		)
	}
	return result, nil
}

func (s *Sweeper) expire(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	var res *appointments.Result
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		peek, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.LockSlot(ctx, peek.SlotID); err != nil {
			return err
		}
		appt, err := tx.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		// A payment may have confirmed it since the listing.
		if appt.Status != scheduling.AppointmentPending || !appt.CreatedAt.Before(cutoff) {
			return nil
		}
		res, err = s.machine.Transition(ctx, tx, id, appointments.Request{
			To:          scheduling.AppointmentCancelled,
			Actor:       appointments.ActorSystem,
			Reason:      "expired",
			PaymentNote: paymentNote,
		})
		return err
	})
	if err != nil || res == nil {
		return false, err
	}

	s.metrics.ObserveAppointmentTransition(string(res.From), string(scheduling.AppointmentCancelled))
	s.logger.Info("appointment expired",
		"appointment_id", id,
		"slot_id", res.Appointment.SlotID,
		"cancelled_payments", len(res.CancelledPayments),
	)
	if s.notifier != nil {
		s.notifier.AppointmentCancelled(ctx, res.Appointment, true)
	}
	return true, nil
}
