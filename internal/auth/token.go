package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/medflow/booking-api/internal/account"
)

var (
	ErrTokenMissing   = errors.New("no token provided")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("invalid token")
)

type Claims struct {
	UserID string       `json:"uid"`
	Role   account.Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) Issue(accountID uuid.UUID, role account.Role) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	c := Claims{
		UserID: accountID.String(),
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, exp, nil
}

// Parse validates raw and returns the caller it identifies. Failures are one of
// ErrTokenMissing, ErrTokenExpired or ErrTokenMalformed.
func (i *Issuer) Parse(raw string) (Caller, error) {
	if raw == "" {
		return Anonymous, ErrTokenMissing
	}

	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		// block alg confusion
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenMalformed
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Anonymous, ErrTokenExpired
		}
		return Anonymous, ErrTokenMalformed
	}

	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return Anonymous, ErrTokenMalformed
	}
	id, err := uuid.Parse(c.UserID)
	if err != nil || !c.Role.Valid() {
		return Anonymous, ErrTokenMalformed
	}
	return Caller{ID: id, Role: c.Role}, nil
}
