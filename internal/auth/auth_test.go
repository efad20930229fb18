package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/booking-api/internal/account"
	"github.com/medflow/booking-api/internal/apperr"
)

func TestIssueAndParse(t *testing.T) {
	iss := NewIssuer("secret", 24*time.Hour)
	id := uuid.New()

	token, exp, err := iss.Issue(id, account.RoleDoctor)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), exp, 5*time.Second)

	c, err := iss.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, Caller{ID: id, Role: account.RoleDoctor}, c)
}

func TestParse_Failures(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	valid, _, err := iss.Issue(uuid.New(), account.RolePatient)
	require.NoError(t, err)

	expired := NewIssuer("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, err := expired.Issue(uuid.New(), account.RolePatient)
	require.NoError(t, err)

	other, _, err := NewIssuer("other-secret", time.Hour).Issue(uuid.New(), account.RolePatient)
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: uuid.NewString(),
		Role:   "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: uuid.NewString(),
		Role:   account.RolePatient,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"missing", "", ErrTokenMissing},
		{"expired", old, ErrTokenExpired},
		{"garbage", "not.a.jwt", ErrTokenMalformed},
		{"tampered", valid[:len(valid)-2] + "xx", ErrTokenMalformed},
		{"wrong secret", other, ErrTokenMalformed},
		{"unknown role", badRole, ErrTokenMalformed},
		{"alg none", none, ErrTokenMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := iss.Parse(tt.token)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, c.IsAnonymous())
		})
	}
}

func TestResolveCaller(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)

	_, err := iss.ResolveCaller("")
	require.ErrorIs(t, err, apperr.Unauthenticated)
	assert.Equal(t, "Access denied. No token provided.", apperr.Message(err))

	_, err = iss.ResolveCaller("junk")
	require.ErrorIs(t, err, apperr.Unauthenticated)
	assert.Equal(t, "Invalid token.", apperr.Message(err))

	assert.True(t, iss.ResolveOptional("junk").IsAnonymous())

	id := uuid.New()
	token, _, err := iss.Issue(id, account.RolePatient)
	require.NoError(t, err)
	assert.Equal(t, id, iss.ResolveOptional(token).ID)
}

func TestRequireRole(t *testing.T) {
	patient := Caller{ID: uuid.New(), Role: account.RolePatient}
	doctor := Caller{ID: uuid.New(), Role: account.RoleDoctor}

	assert.NoError(t, RequireRole(patient, account.RolePatient))
	assert.NoError(t, RequireRole(doctor, account.RolePatient, account.RoleDoctor))

	err := RequireRole(doctor, account.RolePatient)
	assert.ErrorIs(t, err, apperr.Forbidden)
	assert.True(t, strings.Contains(apperr.Message(err), "doctors"))

	assert.ErrorIs(t, RequireRole(Anonymous, account.RolePatient), apperr.Unauthenticated)
}

func TestRequireParticipant(t *testing.T) {
	p, d := uuid.New(), uuid.New()

	assert.NoError(t, RequireParticipant(Caller{ID: p, Role: account.RolePatient}, p, d))
	assert.NoError(t, RequireParticipant(Caller{ID: d, Role: account.RoleDoctor}, p, d))
	assert.ErrorIs(t, RequireParticipant(Caller{ID: uuid.New(), Role: account.RoleDoctor}, p, d), apperr.Forbidden)
}

func TestCallerContext(t *testing.T) {
	ctx := context.Background()
	assert.True(t, CallerFrom(ctx).IsAnonymous())

	c := Caller{ID: uuid.New(), Role: account.RoleDoctor}
	assert.Equal(t, c, CallerFrom(WithCaller(ctx, c)))
	assert.True(t, CallerFrom(WithCaller(ctx, c)).Is(account.RoleDoctor))
}
