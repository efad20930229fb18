// Package auth resolves who is calling and decides what they may do.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/medflow/booking-api/internal/account"
	"github.com/medflow/booking-api/internal/apperr"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID   uuid.UUID
	Role account.Role
}

// Anonymous is the caller of an unauthenticated request.
var Anonymous = Caller{}

func (c Caller) IsAnonymous() bool { return c.ID == uuid.Nil }

func (c Caller) Is(role account.Role) bool { return !c.IsAnonymous() && c.Role == role }

// ResolveCaller requires a valid token.
func (i *Issuer) ResolveCaller(raw string) (Caller, error) {
	c, err := i.Parse(raw)
	if err != nil {
		return Anonymous, unauthenticated(err)
	}
	return c, nil
}

// ResolveOptional never fails: a missing or bad token yields Anonymous.
func (i *Issuer) ResolveOptional(raw string) Caller {
	c, err := i.Parse(raw)
	if err != nil {
		return Anonymous
	}
	return c
}

func unauthenticated(err error) error {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return apperr.Unauthenticatedf("Access denied. No token provided.")
	case errors.Is(err, ErrTokenExpired):
		return apperr.Unauthenticatedf("Token expired. Please login again.")
	default:
		return apperr.Unauthenticatedf("Invalid token.")
	}
}

// RequireRole fails unless the caller holds one of roles.
func RequireRole(c Caller, roles ...account.Role) error {
	if c.IsAnonymous() {
		return apperr.Unauthenticatedf("authentication required")
	}
	for _, r := range roles {
		if c.Role == r {
			return nil
		}
	}
	switch c.Role {
	case account.RolePatient:
		return apperr.Forbiddenf("access denied: patients cannot perform this action")
	case account.RoleDoctor:
		return apperr.Forbiddenf("access denied: doctors cannot perform this action")
	default:
		return apperr.Forbiddenf("access denied")
	}
}

// RequireParticipant fails unless the caller is the patient or the doctor of
// an appointment.
func RequireParticipant(c Caller, patientID, doctorID uuid.UUID) error {
	if c.IsAnonymous() {
		return apperr.Unauthenticatedf("authentication required")
	}
	if c.ID == patientID || c.ID == doctorID {
		return nil
	}
	return apperr.Forbiddenf("access denied")
}

type ctxKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// CallerFrom returns Anonymous when no caller was attached.
func CallerFrom(ctx context.Context) Caller {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	if !ok {
		return Anonymous
	}
	return c
}
