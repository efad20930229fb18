package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medflow/booking-api/internal/account"
	"github.com/medflow/booking-api/internal/config"
	"github.com/medflow/booking-api/internal/db"
	"github.com/medflow/booking-api/internal/logging"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

type seedOptions struct {
	doctors  int
	patients int
	password string
	seed     uint64
}

func main() {
	var opts seedOptions

	rootCmd := &cobra.Command{
		Use:          "seed",
		Short:        "Fill the users table with fake doctors and patients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	rootCmd.Flags().IntVar(&opts.doctors, "doctors", 40, "number of doctors to create")
	rootCmd.Flags().IntVar(&opts.patients, "patients", 500, "number of patients to create")
	rootCmd.Flags().StringVar(&opts.password, "password", "password123", "password shared by every seeded account")
	rootCmd.Flags().Uint64Var(&opts.seed, "seed", 0, "faker seed, 0 picks a random one")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "seed").Logger()

	if len(opts.password) < account.MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", account.MinPasswordLength)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.Connect(connectCtx, cfg.Postgres(logger))
	cancel()
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if _, err := db.NewMigrator(pool, db.Migrations()).Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// one hash for everyone; bcrypt per row would dominate the run
	hash, err := account.HashPassword(opts.password)
	if err != nil {
		return err
	}

	faker := gofakeit.New(opts.seed)
	repo := account.NewPgRepository(pool)

	s := &seeder{repo: repo, faker: faker, hash: hash, log: logger}
	if err := s.seed(ctx, account.RoleDoctor, opts.doctors); err != nil {
		return fmt.Errorf("seed doctors: %w", err)
	}
	if err := s.seed(ctx, account.RolePatient, opts.patients); err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}

	logger.Info().
		Int("doctors", s.created[account.RoleDoctor]).
		Int("patients", s.created[account.RolePatient]).
		Int("skipped", s.skipped).
		Msg("seed complete")
	return nil
}

type seeder struct {
	repo    account.Repository
	faker   *gofakeit.Faker
	hash    string
	log     zerolog.Logger
	created map[account.Role]int
	skipped int
}

func (s *seeder) seed(ctx context.Context, role account.Role, count int) error {
	if s.created == nil {
		s.created = make(map[account.Role]int)
	}
	s.log.Info().Str("role", string(role)).Int("count", count).Msg("seeding")

	for i := 0; i < count; i++ {
		a := s.fakeAccount(role)
		err := s.repo.Create(ctx, a)
		switch {
		case errors.Is(err, account.ErrEmailTaken):
			s.skipped++
			continue
		case err != nil:
			return err
		}
		s.created[role]++

		if (i+1)%100 == 0 {
			s.log.Info().Str("role", string(role)).Int("done", i+1).Int("of", count).Msg("progress")
		}
	}
	return nil
}

func (s *seeder) fakeAccount(role account.Role) *account.Account {
	first, last := s.faker.FirstName(), s.faker.LastName()
	name := first + " " + last
	local := emailLocal(first) + "." + emailLocal(last)

	a := &account.Account{
		ID:           uuid.New(),
		PasswordHash: s.hash,
		Role:         role,
	}
	if role == account.RoleDoctor {
		spec := specialties[s.faker.Number(0, len(specialties)-1)]
		a.Name = "Dr. " + name
		a.Specialty = &spec
		a.Email = account.NormalizeEmail(fmt.Sprintf("%s.%d@clinic.medflow.local", local, s.faker.Number(1, 9999)))
	} else {
		a.Name = name
		a.Email = account.NormalizeEmail(fmt.Sprintf("%s.%d@%s", local, s.faker.Number(1, 9999), s.faker.DomainName()))
	}
	return a
}

func emailLocal(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r
		}
		return -1
	}, strings.ToLower(s))
}
