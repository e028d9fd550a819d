package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

const slotColumns = `id, doctor_id, slot_date, start_time, end_time, is_available, created_at, updated_at`

func scanSlot(row scanner) (*scheduling.Slot, error) {
	var slot scheduling.Slot
	var start, end pgtype.Time
	if err := row.Scan(&slot.ID, &slot.DoctorID, &slot.Date, &start, &end, &slot.IsAvailable, &slot.CreatedAt, &slot.UpdatedAt); err != nil {
		return nil, err
	}
	slot.StartTime = clockToDuration(start)
	slot.EndTime = clockToDuration(end)
	return &slot, nil
}

func clockToDuration(t pgtype.Time) time.Duration {
	if !t.Valid {
		return 0
	}
	return time.Duration(t.Microseconds) * time.Microsecond
}

func durationToClock(d time.Duration) pgtype.Time {
	return pgtype.Time{Microseconds: d.Microseconds(), Valid: true}
}

func (q *Queries) LockSlot(ctx context.Context, id uuid.UUID) (*scheduling.Slot, error) {
	slot, err := scanSlot(q.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scheduling.Errorf(scheduling.ErrSlotNotFound, "slot %s", id)
		}
		return nil, fmt.Errorf("postgres: lock slot: %w", err)
	}
	return slot, nil
}

func (q *Queries) GetSlot(ctx context.Context, id uuid.UUID) (*scheduling.Slot, error) {
	slot, err := scanSlot(q.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scheduling.Errorf(scheduling.ErrSlotNotFound, "slot %s", id)
		}
		return nil, fmt.Errorf("postgres: get slot: %w", err)
	}
	return slot, nil
}

func (q *Queries) SetSlotAvailable(ctx context.Context, id uuid.UUID, available bool) error {
	tag, err := q.db.Exec(ctx, `UPDATE slots SET is_available = $2, updated_at = now() WHERE id = $1`, id, available)
	if err != nil {
		return fmt.Errorf("postgres: set slot availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scheduling.Errorf(scheduling.ErrSlotNotFound, "slot %s", id)
	}
	return nil
}
