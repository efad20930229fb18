package account

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor:
		return true
	default:
		return false
	}
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

type Account struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Specialty    *string   `json:"specialty,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Doctor is the public view of a doctor account.
type Doctor struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Specialty string    `json:"specialty"`
	CreatedAt time.Time `json:"created_at"`
}

func (a Account) IsDoctor() bool { return a.Role == RoleDoctor }

func (a Account) AsDoctor() Doctor {
	d := Doctor{ID: a.ID, Name: a.Name, Email: a.Email, CreatedAt: a.CreatedAt}
	if a.Specialty != nil {
		d.Specialty = *a.Specialty
	}
	return d
}

type NewAccount struct {
	Name      string
	Email     string
	Password  string
	Role      string
	Specialty string
}
