package account

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/medflow/booking-api/internal/apperr"
	"github.com/medflow/booking-api/internal/notification"
)

// TokenIssuer mints a session token for an authenticated account.
type TokenIssuer interface {
	Issue(accountID uuid.UUID, role Role) (string, time.Time, error)
}

type Service struct {
	repo     Repository
	issuer   TokenIssuer
	notifier notification.Notifier
	log      zerolog.Logger
	loginURL string
}

func NewService(repo Repository, issuer TokenIssuer, notifier notification.Notifier, log zerolog.Logger, frontendURL string) *Service {
	return &Service{
		repo:     repo,
		issuer:   issuer,
		notifier: notifier,
		log:      log.With().Str("component", "account").Logger(),
		loginURL: strings.TrimRight(frontendURL, "/") + "/login",
	}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) CreateAccount(ctx context.Context, in NewAccount) (*Account, error) {
	name := strings.TrimSpace(in.Name)
	email := NormalizeEmail(in.Email)
	specialty := strings.TrimSpace(in.Specialty)

	if name == "" {
		return nil, apperr.Validationf("name is required")
	}
	if email == "" {
		return nil, apperr.Validationf("email is required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, apperr.Validationf("email is not a valid address")
	}
	if len(in.Password) < MinPasswordLength {
		return nil, apperr.Validationf("password must be at least %d characters", MinPasswordLength)
	}
	role, err := ParseRole(strings.TrimSpace(in.Role))
	if err != nil {
		return nil, apperr.Validationf("role must be patient or doctor")
	}

	var spec *string
	switch role {
	case RoleDoctor:
		if specialty == "" {
			return nil, apperr.Validationf("specialty is required for doctors")
		}
		spec = &specialty
	case RolePatient:
		if specialty != "" {
			return nil, apperr.Validationf("specialty is only allowed for doctors")
		}
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, apperr.Validationf("email already in use")
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, apperr.Wrap(err, "lookup email")
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Wrap(err, "hash password")
	}

	a := &Account{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Specialty:    spec,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, apperr.Validationf("email already in use")
		}
		return nil, apperr.Wrap(err, "create account")
	}

	s.log.Info().Str("account_id", a.ID.String()).Str("role", string(a.Role)).Msg("account created")

	if a.Role == RolePatient {
		s.notifier.Notify(ctx, notification.KindWelcome, notification.Data{
			RecipientName:  a.Name,
			RecipientEmail: a.Email,
			LoginURL:       s.loginURL,
		})
	}
	return a, nil
}

// Authenticate verifies credentials and issues a token. Unknown emails and
// wrong passwords are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Account, string, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, "", apperr.InvalidCredentials
	}

	a, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
			return nil, "", apperr.InvalidCredentials
		}
		return nil, "", apperr.Wrap(err, "lookup account")
	}
	if !CheckPassword(a.PasswordHash, password) {
		return nil, "", apperr.InvalidCredentials
	}

	token, _, err := s.issuer.Issue(a.ID, a.Role)
	if err != nil {
		return nil, "", apperr.Wrap(err, "issue token")
	}
	return a, token, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, apperr.NotFoundf("account not found")
		}
		return nil, apperr.Wrap(err, "get account")
	}
	return a, nil
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, apperr.NotFoundf("doctor not found")
		}
		return nil, apperr.Wrap(err, "get doctor")
	}
	if !a.IsDoctor() {
		return nil, apperr.NotFoundf("user is not a doctor")
	}
	d := a.AsDoctor()
	return &d, nil
}

func (s *Service) ListDoctors(ctx context.Context, specialty string) ([]Doctor, error) {
	accounts, err := s.repo.ListDoctors(ctx, strings.TrimSpace(specialty))
	if err != nil {
		return nil, apperr.Wrap(err, "list doctors")
	}
	out := make([]Doctor, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.AsDoctor())
	}
	return out, nil
}

func (s *Service) Specialties(ctx context.Context) ([]string, error) {
	specs, err := s.repo.Specialties(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, "list specialties")
	}
	return specs, nil
}
