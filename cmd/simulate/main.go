package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/medflow/booking-api/internal/logging"
)

// SimConfig drives a contention run: every round, all patients race to book
// the same doctor slot and exactly one request may win.
type SimConfig struct {
	APIBaseURL string
	Patients   int
	Rounds     int
	ReadRatio  float64
	SetupRPS   float64
	Password   string
	Timeout    time.Duration
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomeError
)

func classify(status int, err error) outcome {
	switch {
	case err != nil:
		return outcomeError
	case status == http.StatusOK || status == http.StatusCreated:
		return outcomeSuccess
	case status == http.StatusConflict:
		return outcomeConflict
	default:
		return outcomeError
	}
}

func slotForRound(base time.Time, round int) time.Time {
	return base.UTC().Truncate(time.Hour).Add(48 * time.Hour).Add(time.Duration(round) * 30 * time.Minute)
}

type Metrics struct {
	Booking OperationMetrics
	Review  OperationMetrics
	Cancel  OperationMetrics
	Read    OperationMetrics
}

type session struct {
	id    uuid.UUID
	token string
}

type Simulator struct {
	config  SimConfig
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics Metrics

	doctor   session
	patients []session

	// rounds where the number of winners was not exactly one
	violations int
}

func main() {
	var cfg SimConfig

	rootCmd := &cobra.Command{
		Use:          "simulate",
		Short:        "Race concurrent bookings against a running API and verify slot exclusivity",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	f := rootCmd.Flags()
	f.StringVar(&cfg.APIBaseURL, "api", envOr("SIM_API_BASE_URL", "http://localhost:8080"), "API base URL")
	f.IntVar(&cfg.Patients, "patients", 20, "concurrent patients racing per round")
	f.IntVar(&cfg.Rounds, "rounds", 10, "number of contested slots")
	f.Float64Var(&cfg.ReadRatio, "read-ratio", 0.5, "chance a patient reads its list after each round")
	f.Float64Var(&cfg.SetupRPS, "setup-rps", 4, "request rate for register/login so the auth limiter is not tripped")
	f.StringVar(&cfg.Password, "password", "simulate-pass", "password for generated accounts")
	f.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "per-request timeout")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg SimConfig) error {
	if cfg.Patients <= 0 || cfg.Rounds <= 0 {
		return errors.New("patients and rounds must be > 0")
	}
	logger := logging.New(envOr("APP_ENV", "dev"), envOr("LOG_LEVEL", "info")).With().Str("service", "simulate").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := &Simulator{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.SetupRPS), 1),
		log:     logger,
	}

	if err := sim.Setup(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	sim.Run(ctx)
	fmt.Print(sim.Report())

	if sim.violations > 0 {
		return fmt.Errorf("%d round(s) violated slot exclusivity", sim.violations)
	}
	return nil
}

// Setup registers one doctor and the patient pool, then logs each in.
func (s *Simulator) Setup(ctx context.Context) error {
	run := uuid.NewString()[:8]

	doc, err := s.enroll(ctx, "doctor", run, 0)
	if err != nil {
		return fmt.Errorf("doctor: %w", err)
	}
	s.doctor = doc

	for i := 1; i <= s.config.Patients; i++ {
		p, err := s.enroll(ctx, "patient", run, i)
		if err != nil {
			return fmt.Errorf("patient %d: %w", i, err)
		}
		s.patients = append(s.patients, p)
	}
	s.log.Info().Str("doctor_id", s.doctor.id.String()).Int("patients", len(s.patients)).Msg("setup complete")
	return nil
}

func (s *Simulator) enroll(ctx context.Context, role, run string, n int) (session, error) {
	email := fmt.Sprintf("sim-%s-%s-%d@example.com", run, role, n)
	reg := map[string]string{
		"name":     gofakeit.Name(),
		"email":    email,
		"password": s.config.Password,
		"role":     role,
	}
	if role == "doctor" {
		reg["specialty"] = "General Practice"
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return session{}, err
	}
	status, _, err := s.call(ctx, http.MethodPost, "/api/auth/register", "", reg)
	if err != nil {
		return session{}, err
	}
	if status != http.StatusCreated {
		return session{}, fmt.Errorf("register returned %d", status)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return session{}, err
	}
	var login struct {
		Token string `json:"token"`
		User  struct {
			ID uuid.UUID `json:"id"`
		} `json:"user"`
	}
	status, data, err := s.call(ctx, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    email,
		"password": s.config.Password,
	})
	if err != nil {
		return session{}, err
	}
	if status != http.StatusOK {
		return session{}, fmt.Errorf("login returned %d", status)
	}
	if err := json.Unmarshal(data, &login); err != nil {
		return session{}, fmt.Errorf("decode login: %w", err)
	}
	return session{id: login.User.ID, token: login.Token}, nil
}

func (s *Simulator) Run(ctx context.Context) {
	base := time.Now()
	rng := rand.New(rand.NewSource(base.UnixNano()))

	for round := 0; round < s.config.Rounds; round++ {
		if ctx.Err() != nil {
			return
		}
		slot := slotForRound(base, round)
		winner, wins := s.race(ctx, slot)

		if wins != 1 {
			s.violations++
			s.log.Error().Int("round", round).Int("winners", wins).Time("slot", slot).Msg("slot exclusivity violated")
			continue
		}
		s.log.Info().Int("round", round).Time("slot", slot).Msg("slot booked by exactly one patient")

		s.review(ctx, winner, rng)
		s.reads(ctx, rng)
	}
}

// race fires one booking per patient at the same instant and returns the
// winning appointment and the number of 201s.
func (s *Simulator) race(ctx context.Context, slot time.Time) (uuid.UUID, int) {
	body := map[string]string{
		"doctor_id":        s.doctor.id.String(),
		"appointment_date": slot.Format(time.RFC3339),
		"reason":           "simulated contention",
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		winner uuid.UUID
		start  = make(chan struct{})
	)
	for _, p := range s.patients {
		wg.Add(1)
		go func(p session) {
			defer wg.Done()
			<-start

			began := time.Now()
			status, data, err := s.call(ctx, http.MethodPost, "/api/appointments", p.token, body)
			res := classify(status, err)
			s.metrics.Booking.Record(time.Since(began), res)
			if res != outcomeSuccess {
				return
			}

			var appt struct {
				ID uuid.UUID `json:"id"`
			}
			_ = json.Unmarshal(data, &appt)
			mu.Lock()
			wins++
			winner = appt.ID
			mu.Unlock()
		}(p)
	}
	close(start)
	wg.Wait()
	return winner, wins
}

// review has the doctor approve or decline the winner, and sometimes frees the
// slot again by cancelling before review.
func (s *Simulator) review(ctx context.Context, id uuid.UUID, rng *rand.Rand) {
	switch r := rng.Float64(); {
	case r < 0.2:
		owner := s.ownerOf(ctx, id)
		if owner == nil {
			return
		}
		began := time.Now()
		status, _, err := s.call(ctx, http.MethodDelete, "/api/appointments/"+id.String(), owner.token, nil)
		s.metrics.Cancel.Record(time.Since(began), classify(status, err))
	default:
		action := "approve"
		if r < 0.4 {
			action = "decline"
		}
		began := time.Now()
		status, _, err := s.call(ctx, http.MethodPatch, "/api/appointments/"+id.String()+"/"+action, s.doctor.token, nil)
		s.metrics.Review.Record(time.Since(began), classify(status, err))
	}
}

func (s *Simulator) ownerOf(ctx context.Context, id uuid.UUID) *session {
	_, data, err := s.call(ctx, http.MethodGet, "/api/appointments/"+id.String(), s.doctor.token, nil)
	if err != nil {
		return nil
	}
	var appt struct {
		PatientID uuid.UUID `json:"patient_id"`
	}
	if json.Unmarshal(data, &appt) != nil {
		return nil
	}
	for i := range s.patients {
		if s.patients[i].id == appt.PatientID {
			return &s.patients[i]
		}
	}
	return nil
}

func (s *Simulator) reads(ctx context.Context, rng *rand.Rand) {
	for _, p := range s.patients {
		if rng.Float64() >= s.config.ReadRatio {
			continue
		}
		began := time.Now()
		status, _, err := s.call(ctx, http.MethodGet, "/api/appointments/mine", p.token, nil)
		s.metrics.Read.Record(time.Since(began), classify(status, err))
	}
}

// call sends a JSON request and returns the status and the envelope's data.
func (s *Simulator) call(ctx context.Context, method, path, token string, body any) (int, json.RawMessage, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.config.APIBaseURL, "/")+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, nil, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, env.Data, nil
}

func (s *Simulator) Report() string {
	var b strings.Builder
	b.WriteString("\n" + strings.Repeat("=", 80) + "\n")
	b.WriteString("SIMULATION REPORT\n")
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "Patients: %d\nRounds: %d\nExclusivity violations: %d\n\n", len(s.patients), s.config.Rounds, s.violations)

	for _, op := range []struct {
		name string
		m    *OperationMetrics
	}{
		{"Booking", &s.metrics.Booking},
		{"Review", &s.metrics.Review},
		{"Cancel", &s.metrics.Cancel},
		{"Read mine", &s.metrics.Read},
	} {
		if r := op.m.Report(op.name); r != "" {
			b.WriteString(r + "\n")
		}
	}
	return b.String()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
