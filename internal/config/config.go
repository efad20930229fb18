package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/medflow/booking-api/internal/db"
	redisclient "github.com/medflow/booking-api/internal/redis"
)

type Config struct {
	Env         string `mapstructure:"APP_ENV"`   // dev, prod
	Debug       bool   `mapstructure:"APP_DEBUG"` // expose internal error detail
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	PostgresDSN string `mapstructure:"POSTGRES_DSN"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL      string `mapstructure:"REDIS_URL"`  // takes precedence over REDIS_ADDR
	RedisAddr     string `mapstructure:"REDIS_ADDR"` // empty with no URL disables the slot lock
	RedisUsername string `mapstructure:"REDIS_USERNAME"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	SMTPHost     string `mapstructure:"SMTP_HOST"` // empty logs mail instead of sending
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUser     string `mapstructure:"SMTP_USER"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	MailFrom     string `mapstructure:"MAIL_FROM"`
	FrontendURL  string `mapstructure:"FRONTEND_URL"`

	ReminderSchedule string   `mapstructure:"REMINDER_SCHEDULE"` // cron spec
	AuthRateRPS      float64  `mapstructure:"AUTH_RATE_RPS"`
	AuthRateBurst    int      `mapstructure:"AUTH_RATE_BURST"`
	CORSOrigins      []string `mapstructure:"-"`
	TrustProxy       bool     `mapstructure:"TRUST_PROXY"` // honour X-Forwarded-For for client IPs

	TokenTTL        time.Duration `mapstructure:"-"` // session token lifetime
	LockTTL         time.Duration `mapstructure:"-"` // how long a Redis slot lock lives
	LockWait        time.Duration `mapstructure:"-"` // how long a contender retries the lock
	ShutdownTimeout time.Duration `mapstructure:"-"` // graceful shutdown timeout
	NotifyTimeout   time.Duration `mapstructure:"-"` // per-email delivery deadline
	SlowQuery       time.Duration `mapstructure:"-"` // log queries at least this slow, 0 disables
}

var keys = []string{
	"APP_ENV", "APP_DEBUG", "LOG_LEVEL", "HTTP_PORT", "POSTGRES_DSN", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_ADDR", "REDIS_USERNAME", "REDIS_PASSWORD", "JWT_SECRET",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASSWORD", "MAIL_FROM", "FRONTEND_URL",
	"REMINDER_SCHEDULE", "AUTH_RATE_RPS", "AUTH_RATE_BURST", "TRUST_PROXY",
}

func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("APP_DEBUG", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("MAIL_FROM", "MedFlow <no-reply@medflow.local>")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("REMINDER_SCHEDULE", "0 8 * * *")
	v.SetDefault("AUTH_RATE_RPS", 5)
	v.SetDefault("AUTH_RATE_BURST", 10)
	v.SetDefault("TRUST_PROXY", false)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.TokenTTL = getDuration("TOKEN_TTL", 24*time.Hour)
	cfg.LockTTL = getDuration("LOCK_TTL", 5*time.Second)
	cfg.LockWait = getDuration("LOCK_WAIT", 250*time.Millisecond)
	cfg.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	cfg.NotifyTimeout = getDuration("NOTIFY_TIMEOUT", 10*time.Second)
	cfg.SlowQuery = getDuration("DB_SLOW_QUERY", 200*time.Millisecond)
	cfg.CORSOrigins = splitList(getEnv("CORS_ORIGINS", "http://localhost:3000"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	if c.LockTTL <= 0 {
		return errors.New("LOCK_TTL must be positive")
	}
	if c.LockWait < 0 {
		return errors.New("LOCK_WAIT must not be negative")
	}
	if c.RedisURL != "" {
		if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return errors.New("REDIS_URL must be a redis:// or rediss:// URL")
		}
	}
	return nil
}

func (c Config) IsDev() bool {
	return c.Env == "dev"
}

// Postgres returns the pool settings; slow queries are reported through log.
func (c Config) Postgres(log zerolog.Logger) db.PoolConfig {
	return db.PoolConfig{
		DSN:       c.PostgresDSN,
		MaxConns:  c.DBMaxConns,
		MinConns:  c.DBMinConns,
		Logger:    &log,
		SlowQuery: c.SlowQuery,
	}
}

// Redis returns the connection options for the optional slot lock.
func (c Config) Redis() redisclient.Options {
	return redisclient.Options{
		URL:      c.RedisURL,
		Addr:     c.RedisAddr,
		Username: c.RedisUsername,
		Password: c.RedisPassword,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		fmt.Fprintf(os.Stderr, "invalid duration for %s=%q, using default %s\n", key, v, def)
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
