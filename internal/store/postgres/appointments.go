package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

const appointmentColumns = `id, doctor_id, patient_id, slot_id, appointment_date, status, consultation_fee,
	patient_notes, doctor_notes, cancel_reason, cancelled_at, created_at, updated_at`

func scanAppointment(row scanner) (*scheduling.Appointment, error) {
	var appt scheduling.Appointment
	var status string
	if err := row.Scan(
		&appt.ID, &appt.DoctorID, &appt.PatientID, &appt.SlotID, &appt.AppointmentDate, &status,
		&appt.ConsultationFee, &appt.PatientNotes, &appt.DoctorNotes, &appt.CancelReason,
		&appt.CancelledAt, &appt.CreatedAt, &appt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	appt.Status = scheduling.AppointmentStatus(status)
	return &appt, nil
}

func scanAppointments(rows pgx.Rows) ([]scheduling.Appointment, error) {
	defer rows.Close()
	var out []scheduling.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan appointment: %w", err)
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

func (q *Queries) InsertAppointment(ctx context.Context, appt *scheduling.Appointment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, slot_id, appointment_date, status, consultation_fee,
			patient_notes, doctor_notes, cancel_reason, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		appt.ID, appt.DoctorID, appt.PatientID, appt.SlotID, appt.AppointmentDate, string(appt.Status),
		appt.ConsultationFee, appt.PatientNotes, appt.DoctorNotes, appt.CancelReason, appt.CancelledAt,
		appt.CreatedAt, appt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert appointment: %w", err)
	}
	return nil
}

func (q *Queries) GetAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return q.appointment(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
}

func (q *Queries) LockAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return q.appointment(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
}

func (q *Queries) appointment(ctx context.Context, query string, id uuid.UUID) (*scheduling.Appointment, error) {
	appt, err := scanAppointment(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scheduling.Errorf(scheduling.ErrAppointmentNotFound, "appointment %s", id)
		}
		return nil, fmt.Errorf("postgres: load appointment: %w", err)
	}
	return appt, nil
}

func (q *Queries) UpdateAppointment(ctx context.Context, appt *scheduling.Appointment) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE appointments
		SET status = $2, doctor_notes = $3, cancel_reason = $4, cancelled_at = $5, updated_at = $6
		WHERE id = $1`,
		appt.ID, string(appt.Status), appt.DoctorNotes, appt.CancelReason, appt.CancelledAt, appt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scheduling.Errorf(scheduling.ErrAppointmentNotFound, "appointment %s", appt.ID)
	}
	return nil
}

func (q *Queries) CountAppointmentsByStatus(ctx context.Context, patientID uuid.UUID, status scheduling.AppointmentStatus) (int, error) {
	var count int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE patient_id = $1 AND status = $2`,
		patientID, string(status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count appointments: %w", err)
	}
	return count, nil
}

func (q *Queries) HasOverlappingAppointment(ctx context.Context, patientID uuid.UUID, slot scheduling.Slot) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments a
			JOIN slots s ON s.id = a.slot_id
			WHERE a.patient_id = $1
			  AND a.status <> 'CANCELLED'
			  AND s.slot_date = $2
			  AND s.start_time < $4
			  AND $3 < s.end_time
		)`,
		patientID, slot.Date, durationToClock(slot.StartTime), durationToClock(slot.EndTime),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: overlap check: %w", err)
	}
	return exists, nil
}

func (q *Queries) SlotHasLiveAppointment(ctx context.Context, slotID uuid.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments WHERE slot_id = $1 AND status <> 'CANCELLED'
		)`, slotID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: slot booking check: %w", err)
	}
	return exists, nil
}

func (q *Queries) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]scheduling.Appointment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale pending: %w", err)
	}
	return scanAppointments(rows)
}
