// Package db owns the Postgres pool and the embedded schema migrations.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type PoolConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32

	// Queries slower than SlowQuery are logged at warn. Zero disables tracing.
	Logger    *zerolog.Logger
	SlowQuery time.Duration
}

func Connect(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	if pc.Logger != nil && pc.SlowQuery > 0 {
		cfg.ConnConfig.Tracer = &slowQueryTracer{log: *pc.Logger, threshold: pc.SlowQuery}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

type queryStartKey struct{}

type queryStart struct {
	at  time.Time
	sql string
}

type slowQueryTracer struct {
	log       zerolog.Logger
	threshold time.Duration
}

func (t *slowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), sql: data.SQL})
}

func (t *slowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	if took := time.Since(start.at); took >= t.threshold {
		ev := t.log.Warn()
		if data.Err != nil {
			ev = ev.Err(data.Err)
		}
		ev.Dur("took", took).Str("sql", compactSQL(start.sql)).Msg("slow query")
	}
}

// compactSQL collapses whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	out := make([]byte, 0, len(sql))
	space := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			space = len(out) > 0
			continue
		}
		if space {
			out = append(out, ' ')
			space = false
		}
		out = append(out, c)
	}
	return string(out)
}
