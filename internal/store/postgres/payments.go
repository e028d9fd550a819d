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

const paymentColumns = `id, appointment_id, amount, payment_type, payment_method, status, transaction_id,
	gateway_transaction_id, payment_url, payment_date, notes, refund_amount, refund_transaction_id,
	refunded_at, created_at, updated_at`

func scanPayment(row scanner) (*scheduling.Payment, error) {
	var p scheduling.Payment
	var paymentType, status string
	if err := row.Scan(
		&p.ID, &p.AppointmentID, &p.Amount, &paymentType, &p.PaymentMethod, &status, &p.TransactionID,
		&p.GatewayTransactionID, &p.PaymentURL, &p.PaymentDate, &p.Notes, &p.RefundAmount, &p.RefundTransactionID,
		&p.RefundedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.PaymentType = scheduling.PaymentType(paymentType)
	p.Status = scheduling.PaymentStatus(status)
	return &p, nil
}

func scanPayments(rows pgx.Rows) ([]scheduling.Payment, error) {
	defer rows.Close()
	var out []scheduling.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (q *Queries) InsertPayment(ctx context.Context, p *scheduling.Payment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (id, appointment_id, amount, payment_type, payment_method, status, transaction_id,
			gateway_transaction_id, payment_url, payment_date, notes, refund_amount, refund_transaction_id,
			refunded_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.AppointmentID, p.Amount, string(p.PaymentType), p.PaymentMethod, string(p.Status), p.TransactionID,
		p.GatewayTransactionID, p.PaymentURL, p.PaymentDate, p.Notes, p.RefundAmount, p.RefundTransactionID,
		p.RefundedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return scheduling.Errorf(scheduling.ErrPaymentAlreadyActive, "appointment %s type %s", p.AppointmentID, p.PaymentType)
		}
		return fmt.Errorf("postgres: insert payment: %w", err)
	}
	return nil
}

func (q *Queries) GetPayment(ctx context.Context, id uuid.UUID) (*scheduling.Payment, error) {
	return q.payment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id, id.String())
}

func (q *Queries) LockPayment(ctx context.Context, id uuid.UUID) (*scheduling.Payment, error) {
	return q.payment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id, id.String())
}

func (q *Queries) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*scheduling.Payment, error) {
	return q.payment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`, transactionID, transactionID)
}

func (q *Queries) payment(ctx context.Context, query string, arg any, label string) (*scheduling.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scheduling.Errorf(scheduling.ErrPaymentNotFound, "payment %s", label)
		}
		return nil, fmt.Errorf("postgres: load payment: %w", err)
	}
	return p, nil
}

func (q *Queries) UpdatePayment(ctx context.Context, p *scheduling.Payment) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE payments
		SET status = $2, gateway_transaction_id = $3, payment_url = $4, payment_date = $5, notes = $6,
			refund_amount = $7, refund_transaction_id = $8, refunded_at = $9, updated_at = $10
		WHERE id = $1`,
		p.ID, string(p.Status), p.GatewayTransactionID, p.PaymentURL, p.PaymentDate, p.Notes,
		p.RefundAmount, p.RefundTransactionID, p.RefundedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scheduling.Errorf(scheduling.ErrPaymentNotFound, "payment %s", p.ID)
	}
	return nil
}

func (q *Queries) ListPaymentsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]scheduling.Payment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
		ORDER BY created_at, id`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payments: %w", err)
	}
	return scanPayments(rows)
}

func (q *Queries) LockPaymentsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]scheduling.Payment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
		ORDER BY created_at, id
		FOR UPDATE`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock payments: %w", err)
	}
	return scanPayments(rows)
}

func (q *Queries) ListProcessing(ctx context.Context, createdAfter, createdBefore time.Time, limit int) ([]scheduling.Payment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'PROCESSING' AND created_at > $1 AND created_at <= $2
		ORDER BY created_at ASC
		LIMIT $3`, createdAfter, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list processing: %w", err)
	}
	return scanPayments(rows)
}
