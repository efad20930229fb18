package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled" // never stored; cancelling deletes the row
)

// ActiveStatuses are the statuses that hold a doctor's time slot.
var ActiveStatuses = []Status{StatusPending, StatusApproved}

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusDeclined, StatusCancelled},
	StatusApproved: {StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDeclined, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusApproved
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID          uuid.UUID `json:"id"`
	PatientID   uuid.UUID `json:"patient_id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	ScheduledAt time.Time `json:"appointment_date"`
	Reason      string    `json:"reason"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Detail is an appointment joined with the display fields of both parties.
type Detail struct {
	Appointment
	PatientName     string `json:"patient_name"`
	PatientEmail    string `json:"patient_email"`
	DoctorName      string `json:"doctor_name"`
	DoctorEmail     string `json:"doctor_email"`
	DoctorSpecialty string `json:"doctor_specialty,omitempty"`
}

type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Declined int `json:"declined"`
}

func (s *Stats) add(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusApproved:
		s.Approved++
	case StatusDeclined:
		s.Declined++
	}
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
