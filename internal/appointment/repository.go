package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/booking-api/internal/account"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrSlotTaken means the doctor already has an active appointment at that instant.
	ErrSlotTaken = errors.New("slot already has an active appointment")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// GetAccount returns account.ErrAccountNotFound for unknown ids.
	GetAccount(ctx context.Context, id uuid.UUID) (*account.Account, error)

	// Conflict checks and creation
	HasActiveAt(ctx context.Context, doctorID uuid.UUID, at time.Time) (bool, error)
	Insert(ctx context.Context, a *Appointment) error

	GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error)

	// UpdateStatus moves id from `from` to `to`. It returns ErrAppointmentNotFound
	// when no row with that id is currently in `from`.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
	// Delete removes id if it belongs to patientID and is in one of statuses.
	Delete(ctx context.Context, id, patientID uuid.UUID, statuses []Status) error

	ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Detail, error)
	ListForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Detail, error)
	ListPending(ctx context.Context, doctorID uuid.UUID) ([]Detail, error)

	DoctorStats(ctx context.Context, doctorID uuid.UUID) (Stats, error)
	PatientStats(ctx context.Context, patientID uuid.UUID) (Stats, error)

	// Reminder worker
	ListApprovedBetween(ctx context.Context, from, to time.Time) ([]Detail, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
	// MarkReminded records the reminder event for (appointment, day) and
	// reports false if one was already recorded.
	MarkReminded(ctx context.Context, appointmentID uuid.UUID, day string, at time.Time) (bool, error)
}
