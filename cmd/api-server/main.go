package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medflow/booking-api/internal/account"
	"github.com/medflow/booking-api/internal/api"
	"github.com/medflow/booking-api/internal/appointment"
	"github.com/medflow/booking-api/internal/auth"
	"github.com/medflow/booking-api/internal/config"
	"github.com/medflow/booking-api/internal/db"
	"github.com/medflow/booking-api/internal/logging"
	"github.com/medflow/booking-api/internal/notification"
	redisclient "github.com/medflow/booking-api/internal/redis"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "api-server",
		Short: "MedFlow appointment booking API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd(), migrateCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "api-server").Logger()
	logger.Info().Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

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

	if cfg.IsDev() {
		n, err := db.NewMigrator(pgPool, db.Migrations()).Up(rootCtx)
		if err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	rdb, locker := connectRedis(rootCtx, cfg, logger)
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
	}

	dispatcher := notification.NewDispatcher(newSender(cfg, logger), notification.MustRenderer(), logger, cfg.NotifyTimeout)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)

	accounts := account.NewService(account.NewPgRepository(pgPool), issuer, dispatcher, logger, cfg.FrontendURL)
	appointments := appointment.NewService(appointment.NewPgRepository(pgPool), locker, dispatcher, logger)

	var redisPinger api.Pinger
	if rdb != nil {
		redisPinger = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	router := api.NewRouter(api.RouterConfig{
		Accounts:      accounts,
		Appointments:  appointments,
		Issuer:        issuer,
		Logger:        logger,
		DB:            pgPool,
		Redis:         redisPinger,
		Env:           cfg.Env,
		Version:       version,
		Debug:         cfg.Debug,
		SecureCookies: !cfg.IsDev(),
		CORSOrigins:   cfg.CORSOrigins,
		AuthRateRPS:   cfg.AuthRateRPS,
		AuthRateBurst: cfg.AuthRateBurst,
		TrustProxy:    cfg.TrustProxy,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	// in-flight emails still hold their own deadline
	dispatcher.Wait()
	logger.Info().Msg("api-server stopped")
	return nil
}

// connectRedis returns a nil client and a NoopLocker when Redis is not
// configured or unreachable; the slot index in Postgres still guards bookings.
func connectRedis(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*redis.Client, redisclient.Locker) {
	if !cfg.Redis().Enabled() {
		logger.Info().Msg("redis not configured, slot lock disabled")
		return nil, redisclient.NoopLocker{}
	}
	rdb, err := redisclient.Connect(ctx, cfg.Redis())
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, slot lock disabled")
		return nil, redisclient.NoopLocker{}
	}
	logger.Info().Msg("connected to Redis")
	return rdb, redisclient.NewSlotLocker(rdb, cfg.LockTTL, cfg.LockWait, logger)
}

func newSender(cfg config.Config, logger zerolog.Logger) notification.Sender {
	if cfg.SMTPHost == "" {
		logger.Info().Msg("SMTP_HOST not set, emails are logged only")
		return notification.NewLogSender(logger)
	}
	return notification.NewSMTPSender(notification.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied " + s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Printf("%03d  %-28s %s\n", s.Version, s.Name, state)
				}
				return nil
			})
		},
	})

	return cmd
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "migrate").Logger()
	pool, err := db.Connect(ctx, cfg.Postgres(logger))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}
