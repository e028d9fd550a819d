package users

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role is an account role granted to a user.
type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
	RoleAdmin   Role = "ADMIN"
)

// ErrUserNotFound is returned when no user has the requested id.
var ErrUserNotFound = errors.New("users: user not found")

// User is the booking-relevant projection of an account. Roles only lists
// roles that are currently active. DoctorApproved is nil for users without a
// doctor profile.
type User struct {
	ID              uuid.UUID       `json:"id"`
	FullName        string          `json:"full_name"`
	Email           string          `json:"email"`
	IsActive        bool            `json:"is_active"`
	Roles           []Role          `json:"roles"`
	DoctorApproved  *bool           `json:"doctor_approved,omitempty"`
	ConsultationFee decimal.Decimal `json:"consultation_fee"`
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ApprovedDoctor reports whether the doctor profile exists and is approved.
func (u *User) ApprovedDoctor() bool {
	return u.DoctorApproved != nil && *u.DoctorApproved
}

// Directory looks up users by id.
type Directory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}

// StaticDirectory serves a fixed set of users, for development and tests.
type StaticDirectory struct {
	users map[uuid.UUID]User
}

// NewStaticDirectory indexes the given users by id.
func NewStaticDirectory(list ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[uuid.UUID]User, len(list))}
	for _, u := range list {
		d.users[u.ID] = u
	}
	return d
}

func (d *StaticDirectory) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}
