package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medflow/booking-api/internal/appointment"
	"github.com/medflow/booking-api/internal/config"
	"github.com/medflow/booking-api/internal/db"
	"github.com/medflow/booking-api/internal/logging"
	"github.com/medflow/booking-api/internal/notification"
	redisclient "github.com/medflow/booking-api/internal/redis"
)

func main() {
	var once bool

	rootCmd := &cobra.Command{
		Use:          "reminder-worker",
		Short:        "Email patients about approved appointments due tomorrow",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(once)
		},
	}
	rootCmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "reminder-worker").Logger()
	logger.Info().Str("schedule", cfg.ReminderSchedule).Msg("reminder-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.Connect(pgCtx, cfg.Postgres(logger))
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	var sender notification.Sender = notification.NewLogSender(logger)
	if cfg.SMTPHost != "" {
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
	}
	dispatcher := notification.NewDispatcher(sender, notification.MustRenderer(), logger, cfg.NotifyTimeout)
	defer dispatcher.Wait()

	// reminders never book, so the slot lock is irrelevant here
	svc := appointment.NewService(appointment.NewPgRepository(pgPool), redisclient.NoopLocker{}, dispatcher, logger)

	runOnce(rootCtx, svc, logger)
	if once {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(cfg.ReminderSchedule, func() {
		runOnce(rootCtx, svc, logger)
	}); err != nil {
		return fmt.Errorf("invalid REMINDER_SCHEDULE %q: %w", cfg.ReminderSchedule, err)
	}
	c.Start()

	<-rootCtx.Done()
	logger.Info().Msg("shutdown signal received, stopping reminder worker")
	<-c.Stop().Done()
	return nil
}

func runOnce(ctx context.Context, svc *appointment.Service, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.SendReminders(runCtx, start.Add(24*time.Hour))
	if err != nil {
		logger.Error().Err(err).Msg("reminder run failed")
		return
	}
	logger.Info().Int("reminders", n).Dur("took", time.Since(start)).Msg("reminder run complete")
}
