package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresDirectory reads users, their active roles and doctor profiles.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory over db.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	if db == nil {
		panic("users: db required")
	}
	return &PostgresDirectory{db: db}
}

const getUserQuery = `
	SELECT u.id, u.full_name, u.email, u.is_active,
		ARRAY(
			SELECT r.role FROM user_roles r
			WHERE r.user_id = u.id AND r.is_active
			ORDER BY r.role
		) AS roles,
		d.is_approved,
		COALESCE(d.consultation_fee, 0)
	FROM users u
	LEFT JOIN doctor_profiles d ON d.user_id = u.id
	WHERE u.id = $1`

func (d *PostgresDirectory) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var (
		u        User
		roles    []string
		approved sql.NullBool
		fee      decimal.Decimal
	)
	err := d.db.QueryRowContext(ctx, getUserQuery, id).Scan(
		&u.ID, &u.FullName, &u.Email, &u.IsActive, pq.Array(&roles), &approved, &fee,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("users: get user: %w", err)
	}
	for _, r := range roles {
		u.Roles = append(u.Roles, Role(r))
	}
	if approved.Valid {
		v := approved.Bool
		u.DoctorApproved = &v
	}
	u.ConsultationFee = fee
	return &u, nil
}
