package account

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrEmailTaken      = errors.New("email already in use")
)

type Repository interface {
	// Create returns ErrEmailTaken when the email is already registered.
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// ListDoctors returns doctors ordered by name. An empty specialty matches all.
	ListDoctors(ctx context.Context, specialty string) ([]Account, error)
	Specialties(ctx context.Context) ([]string, error)
}
