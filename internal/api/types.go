package api

import (
	"github.com/google/uuid"

	"github.com/medflow/booking-api/internal/account"
)

type RegisterRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	Specialty string `json:"specialty,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string           `json:"token"`
	User  *account.Account `json:"user"`
}

type VerifyResponse struct {
	Valid bool         `json:"valid"`
	ID    uuid.UUID    `json:"id"`
	Role  account.Role `json:"role"`
}

type CreateAppointmentRequest struct {
	DoctorID        string `json:"doctor_id"`
	AppointmentDate string `json:"appointment_date"` // RFC 3339
	Reason          string `json:"reason"`
}
