package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const accountColumns = `id, name, email, password_hash, role, specialty, created_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Email,
		&a.PasswordHash,
		&a.Role,
		&a.Specialty,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *PgRepository) Create(ctx context.Context, a *Account) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, specialty, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING created_at
	`, a.ID, a.Name, a.Email, a.PasswordHash, a.Role, a.Specialty)

	if err := row.Scan(&a.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id)
	return scanAccount(row)
}

func (r *PgRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE email = $1`, email)
	return scanAccount(row)
}

func (r *PgRepository) ListDoctors(ctx context.Context, specialty string) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE role = 'doctor'
		  AND ($1 = '' OR specialty = $1)
		ORDER BY name, id
	`, specialty)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *PgRepository) Specialties(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT specialty
		FROM users
		WHERE role = 'doctor' AND specialty IS NOT NULL
		ORDER BY specialty
	`)
	if err != nil {
		return nil, fmt.Errorf("list specialties: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
