package bootstrap

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/internal/store/memory"
	"github.com/wolfman30/clinic-booking/internal/users"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Fixed ids so local requests can be scripted.
var (
	DevDoctorID  = uuid.MustParse("00000000-0000-4000-8000-00000000d0c1")
	DevPatientID = uuid.MustParse("00000000-0000-4000-8000-00000000fa71")
)

const (
	devSlotDays   = 7
	devDayStart   = 9 * time.Hour
	devDayEnd     = 12 * time.Hour
	devSlotLength = 30 * time.Minute
)

// SeedDevelopment fills an in-memory store with one approved doctor, one
// patient and a week of half-hour morning slots starting tomorrow.
func SeedDevelopment(store *memory.Store, loc *time.Location, logger *logging.Logger) *users.StaticDirectory {
	if loc == nil {
		loc = time.UTC
	}
	approved := true
	doctor := users.User{
		ID:              DevDoctorID,
		FullName:        "Dr. Dev Doctor",
		Email:           "doctor@clinic.local",
		IsActive:        true,
		Roles:           []users.Role{users.RoleDoctor},
		DoctorApproved:  &approved,
		ConsultationFee: decimal.NewFromInt(500000),
	}
	patient := users.User{
		ID:       DevPatientID,
		FullName: "Dev Patient",
		Email:    "patient@clinic.local",
		IsActive: true,
		Roles:    []users.Role{users.RolePatient},
	}

	now := time.Now().In(loc)
	first := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	count := 0
	for day := 0; day < devSlotDays; day++ {
		date := first.AddDate(0, 0, day)
		for start := devDayStart; start+devSlotLength <= devDayEnd; start += devSlotLength {
			store.AddSlot(scheduling.Slot{
				ID:          uuid.New(),
				DoctorID:    doctor.ID,
				Date:        date,
				StartTime:   start,
				EndTime:     start + devSlotLength,
				IsAvailable: true,
				CreatedAt:   now.UTC(),
				UpdatedAt:   now.UTC(),
			})
			count++
		}
	}
	if logger != nil {
		logger.Info("seeded development data", "doctor_id", doctor.ID, "patient_id", patient.ID, "slots", count)
	}
	return users.NewStaticDirectory(doctor, patient)
}
