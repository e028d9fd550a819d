// Package booking creates appointments against bookable slots.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/internal/users"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.booking")

// Config controls booking limits.
type Config struct {
	// MaxPendingPerPatient caps PENDING appointments per patient.
	MaxPendingPerPatient int
	// Location is the clinic time zone used to place slots in time.
	Location *time.Location
}

// CreateAppointmentRequest asks for a slot on behalf of a patient.
type CreateAppointmentRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	SlotID    uuid.UUID `json:"slot_id"`
	Notes     string    `json:"notes"`
}

// SlotView is the JSON shape of a slot.
type SlotView struct {
	ID        uuid.UUID `json:"id"`
	Date      string    `json:"date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	StartsAt  time.Time `json:"starts_at"`
}

// AppointmentView is the booking response.
type AppointmentView struct {
	Appointment scheduling.Appointment `json:"appointment"`
	Slot        SlotView               `json:"slot"`
	DoctorName  string                 `json:"doctor_name"`
	PatientName string                 `json:"patient_name"`
}

// Engine books appointments. All checks run while the slot lock is held so
// at most one request wins a slot.
type Engine struct {
	store   scheduling.Store
	users   users.Directory
	cfg     Config
	metrics *metrics.ClinicMetrics
	logger  *logging.Logger
	now     func() time.Time
}

func NewEngine(store scheduling.Store, directory users.Directory, cfg Config, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxPendingPerPatient <= 0 {
		cfg.MaxPendingPerPatient = 3
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{
		store:  store,
		users:  directory,
		cfg:    cfg,
		logger: logger.Component("booking"),
		now:    time.Now,
	}
}

func (e *Engine) WithMetrics(m *metrics.ClinicMetrics) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// CreateAppointment books req.SlotID for the patient. The appointment is
// inserted PENDING and the slot flipped unavailable in one unit of work.
func (e *Engine) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*AppointmentView, error) {
	ctx, span := tracer.Start(ctx, "booking.create_appointment")
	defer span.End()
	span.SetAttributes(
		attribute.String("slot.id", req.SlotID.String()),
		attribute.String("doctor.id", req.DoctorID.String()),
	)

	var view *AppointmentView
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		view, err = e.book(ctx, tx, req)
		return err
	})
	if err != nil {
		err = scheduling.AsInternal(err)
		e.metrics.ObserveBooking(scheduling.CodeOf(err))
		if scheduling.KindOf(err) == scheduling.KindInternal {
			e.logger.Error("create appointment failed",
				"slot_id", req.SlotID,
				"doctor_id", req.DoctorID,
				"patient_id", req.PatientID,
				"error", scheduling.Cause(err),
			)
			span.RecordError(err)
		}
		return nil, err
	}

	e.metrics.ObserveBooking("ok")
	e.logger.Info("appointment booked",
		"appointment_id", view.Appointment.ID,
		"slot_id", req.SlotID,
		"patient_id", req.PatientID,
	)
	return view, nil
}

func (e *Engine) book(ctx context.Context, tx scheduling.Tx, req CreateAppointmentRequest) (*AppointmentView, error) {
	slot, err := tx.LockSlot(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.DoctorID != req.DoctorID {
		return nil, scheduling.Errorf(scheduling.ErrInvalidSlotDoctor, "slot %s", slot.ID)
	}
	if !slot.IsAvailable {
		return nil, unavailable(ctx, tx, slot.ID)
	}
	startsAt := slot.StartsAt(e.cfg.Location)
	if startsAt.Before(e.now()) {
		return nil, scheduling.Errorf(scheduling.ErrSlotInPast, "slot starts %s", startsAt.Format(time.RFC3339))
	}

	patient, err := e.lookup(ctx, req.PatientID, scheduling.ErrPatientNotFound)
	if err != nil {
		return nil, err
	}
	doctor, err := e.lookup(ctx, req.DoctorID, scheduling.ErrDoctorNotFound)
	if err != nil {
		return nil, err
	}

	if !patient.IsActive {
		return nil, scheduling.ErrPatientInactive
	}
	if !patient.HasRole(users.RolePatient) {
		return nil, scheduling.ErrPatientNoRole
	}
	overlapping, err := tx.HasOverlappingAppointment(ctx, patient.ID, *slot)
	if err != nil {
		return nil, err
	}
	if overlapping {
		return nil, scheduling.ErrPatientOverlapping
	}
	pending, err := tx.CountAppointmentsByStatus(ctx, patient.ID, scheduling.AppointmentPending)
	if err != nil {
		return nil, err
	}
	if pending >= e.cfg.MaxPendingPerPatient {
		return nil, scheduling.Errorf(scheduling.ErrTooManyPending, "%d pending", pending)
	}

	if !doctor.IsActive {
		return nil, scheduling.ErrDoctorInactive
	}
	if !doctor.HasRole(users.RoleDoctor) {
		return nil, scheduling.Errorf(scheduling.ErrDoctorNotFound, "user %s is not a doctor", doctor.ID)
	}
	if !doctor.ApprovedDoctor() {
		return nil, scheduling.ErrDoctorNotApproved
	}

	// The availability flag and the appointment rows can disagree after a
	// manual repair; a live appointment always wins.
	held, err := tx.SlotHasLiveAppointment(ctx, slot.ID)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, scheduling.Errorf(scheduling.ErrSlotAlreadyBooked, "slot %s", slot.ID)
	}

	now := e.now().UTC()
	appt := scheduling.Appointment{
		ID:              uuid.New(),
		DoctorID:        doctor.ID,
		PatientID:       patient.ID,
		SlotID:          slot.ID,
		AppointmentDate: startsAt,
		Status:          scheduling.AppointmentPending,
		ConsultationFee: doctor.ConsultationFee,
		PatientNotes:    strings.TrimSpace(req.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.InsertAppointment(ctx, &appt); err != nil {
		return nil, err
	}
	if err := tx.SetSlotAvailable(ctx, slot.ID, false); err != nil {
		return nil, err
	}

	return &AppointmentView{
		Appointment: appt,
		Slot:        slotView(*slot, e.cfg.Location),
		DoctorName:  doctor.FullName,
		PatientName: patient.FullName,
	}, nil
}

func (e *Engine) lookup(ctx context.Context, id uuid.UUID, notFound *scheduling.Error) (*users.User, error) {
	u, err := e.users.GetUser(ctx, id)
	if errors.Is(err, users.ErrUserNotFound) {
		return nil, scheduling.Errorf(notFound, "user %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: load user %s: %w", id, err)
	}
	return u, nil
}

func slotView(slot scheduling.Slot, loc *time.Location) SlotView {
	return SlotView{
		ID:        slot.ID,
		Date:      slot.Date.Format("2006-01-02"),
		StartTime: clock(slot.StartTime),
		EndTime:   clock(slot.EndTime),
		StartsAt:  slot.StartsAt(loc),
	}
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// unavailable tells a slot lost to another booking apart from one the doctor
// closed.
func unavailable(ctx context.Context, tx scheduling.Tx, slotID uuid.UUID) error {
	held, err := tx.SlotHasLiveAppointment(ctx, slotID)
	if err != nil {
		return err
	}
	if held {
		return scheduling.Errorf(scheduling.ErrSlotAlreadyBooked, "slot %s", slotID)
	}
	return scheduling.Errorf(scheduling.ErrSlotNotAvailable, "slot %s", slotID)
}
