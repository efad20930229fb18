package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/booking-api/internal/account"
)

const (
	uniqueViolation = "23505"
	slotConstraint  = "appointments_doctor_slot_active"
	detailSelect    = `
		SELECT a.id, a.patient_id, a.doctor_id, a.scheduled_at, a.reason, a.status, a.created_at, a.updated_at,
		       p.name, p.email, d.name, d.email, COALESCE(d.specialty, '')
		FROM appointments a
		JOIN users p ON p.id = a.patient_id
		JOIN users d ON d.id = a.doctor_id
	`
	appointmentReturning = `RETURNING id, patient_id, doctor_id, scheduled_at, reason, status, created_at, updated_at`
)

type PgRepository struct {
	pool     *pgxpool.Pool
	accounts *account.PgRepository
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, accounts: account.NewPgRepository(pool)}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ScheduledAt,
		&a.Reason,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a.normalize()
	return &a, nil
}

func scanDetail(row pgx.Row) (*Detail, error) {
	var d Detail
	err := row.Scan(
		&d.ID,
		&d.PatientID,
		&d.DoctorID,
		&d.ScheduledAt,
		&d.Reason,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.PatientName,
		&d.PatientEmail,
		&d.DoctorName,
		&d.DoctorEmail,
		&d.DoctorSpecialty,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	d.normalize()
	return &d, nil
}

func (a *Appointment) normalize() {
	a.ScheduledAt = a.ScheduledAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
}

func (r *PgRepository) queryDetails(ctx context.Context, sql string, args ...any) ([]Detail, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Detail{}
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Interface methods

func (r *PgRepository) GetAccount(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	return r.accounts.GetByID(ctx, id)
}

func (r *PgRepository) HasActiveAt(ctx context.Context, doctorID uuid.UUID, at time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1
			  AND scheduled_at = $2
			  AND status IN ('pending', 'approved')
		)
	`, doctorID, at).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) Insert(ctx context.Context, a *Appointment) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, scheduled_at, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.PatientID, a.DoctorID, a.ScheduledAt, a.Reason, a.Status)

	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == slotConstraint {
			return ErrSlotTaken
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	a.normalize()
	return nil
}

func (r *PgRepository) GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	return scanDetail(r.pool.QueryRow(ctx, detailSelect+` WHERE a.id = $1`, id))
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		`+appointmentReturning, id, to, from)

	return scanAppointment(row)
}

func (r *PgRepository) Delete(ctx context.Context, id, patientID uuid.UUID, statuses []Status) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE id = $1
		  AND patient_id = $2
		  AND status = ANY($3)
	`, id, patientID, statusStrings(statuses))
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Detail, error) {
	out, err := r.queryDetails(ctx, detailSelect+`
		WHERE a.patient_id = $1
		ORDER BY a.scheduled_at DESC, a.id
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list patient appointments: %w", err)
	}
	return out, nil
}

func (r *PgRepository) ListForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Detail, error) {
	out, err := r.queryDetails(ctx, detailSelect+`
		WHERE a.doctor_id = $1
		ORDER BY a.scheduled_at DESC, a.id
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list doctor appointments: %w", err)
	}
	return out, nil
}

func (r *PgRepository) ListPending(ctx context.Context, doctorID uuid.UUID) ([]Detail, error) {
	out, err := r.queryDetails(ctx, detailSelect+`
		WHERE a.doctor_id = $1
		  AND a.status = 'pending'
		ORDER BY a.scheduled_at ASC, a.id
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list pending appointments: %w", err)
	}
	return out, nil
}

const statsSelect = `
	SELECT COUNT(*),
	       COUNT(*) FILTER (WHERE status = 'pending'),
	       COUNT(*) FILTER (WHERE status = 'approved'),
	       COUNT(*) FILTER (WHERE status = 'declined')
	FROM appointments
`

func (r *PgRepository) stats(ctx context.Context, where string, id uuid.UUID) (Stats, error) {
	var s Stats
	err := r.pool.QueryRow(ctx, statsSelect+where, id).Scan(&s.Total, &s.Pending, &s.Approved, &s.Declined)
	if err != nil {
		return Stats{}, fmt.Errorf("appointment stats: %w", err)
	}
	return s, nil
}

func (r *PgRepository) DoctorStats(ctx context.Context, doctorID uuid.UUID) (Stats, error) {
	return r.stats(ctx, `WHERE doctor_id = $1`, doctorID)
}

func (r *PgRepository) PatientStats(ctx context.Context, patientID uuid.UUID) (Stats, error) {
	return r.stats(ctx, `WHERE patient_id = $1`, patientID)
}

func (r *PgRepository) ListApprovedBetween(ctx context.Context, from, to time.Time) ([]Detail, error) {
	out, err := r.queryDetails(ctx, detailSelect+`
		WHERE a.status = 'approved'
		  AND a.scheduled_at >= $1
		  AND a.scheduled_at < $2
		ORDER BY a.scheduled_at ASC, a.id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list approved appointments: %w", err)
	}
	return out, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (r *PgRepository) MarkReminded(ctx context.Context, appointmentID uuid.UUID, day string, at time.Time) (bool, error) {
	payload, err := json.Marshal(map[string]string{"day": day})
	if err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (appointment_id, (payload->>'day')) WHERE event_type = 'APPOINTMENT_REMINDED'
		DO NOTHING
	`, EventAppointmentReminded, appointmentID, payload, at)
	if err != nil {
		return false, fmt.Errorf("mark reminded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
