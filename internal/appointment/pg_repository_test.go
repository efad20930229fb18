package appointment

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/booking-api/internal/account"
	"github.com/medflow/booking-api/internal/apperr"
	"github.com/medflow/booking-api/internal/db"
	"github.com/medflow/booking-api/internal/notification"
	redisclient "github.com/medflow/booking-api/internal/redis"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, db.PoolConfig{DSN: dsn, MaxConns: 10, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.NewMigrator(pool, db.Migrations()).Up(ctx)
	require.NoError(t, err)
	return pool
}

func pgAccount(t *testing.T, repo *account.PgRepository, role account.Role) *account.Account {
	t.Helper()
	a := &account.Account{
		ID:           uuid.New(),
		Name:         string(role) + "-" + uuid.NewString()[:8],
		Email:        uuid.NewString() + "@example.com",
		PasswordHash: "x",
		Role:         role,
	}
	if role == account.RoleDoctor {
		spec := "Cardiology"
		a.Specialty = &spec
	}
	require.NoError(t, repo.Create(context.Background(), a))
	return a
}

func TestPgRepository_SlotConstraint(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	accounts := account.NewPgRepository(pool)
	repo := NewPgRepository(pool)

	patient := pgAccount(t, accounts, account.RolePatient)
	doctor := pgAccount(t, accounts, account.RoleDoctor)
	at := NormalizeTime(time.Now().Add(72 * time.Hour))

	first := &Appointment{ID: uuid.New(), PatientID: patient.ID, DoctorID: doctor.ID, ScheduledAt: at, Reason: "a", Status: StatusPending}
	require.NoError(t, repo.Insert(ctx, first))

	dup := &Appointment{ID: uuid.New(), PatientID: patient.ID, DoctorID: doctor.ID, ScheduledAt: at, Reason: "b", Status: StatusPending}
	assert.ErrorIs(t, repo.Insert(ctx, dup), ErrSlotTaken)

	_, err := repo.UpdateStatus(ctx, first.ID, StatusPending, StatusDeclined)
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, first.ID, StatusPending, StatusApproved)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	require.NoError(t, repo.Insert(ctx, dup))

	d, err := repo.GetDetail(ctx, dup.ID)
	require.NoError(t, err)
	assert.True(t, d.ScheduledAt.Equal(at))
	assert.Equal(t, "Cardiology", d.DoctorSpecialty)

	st, err := repo.DoctorStats(ctx, doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Pending: 1, Declined: 1}, st)

	assert.ErrorIs(t, repo.Delete(ctx, first.ID, patient.ID, ActiveStatuses), ErrAppointmentNotFound)
	require.NoError(t, repo.Delete(ctx, dup.ID, patient.ID, ActiveStatuses))
	_, err = repo.GetDetail(ctx, dup.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestPgService_ConcurrentBooking(t *testing.T) {
	pool := testPool(t)
	accounts := account.NewPgRepository(pool)
	svc := NewService(NewPgRepository(pool), redisclient.NoopLocker{}, notificationSink{}, zerolog.Nop())

	doctor := pgAccount(t, accounts, account.RoleDoctor)
	at := time.Now().Add(96 * time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)
	for i := 0; i < 8; i++ {
		patient := pgAccount(t, accounts, account.RolePatient)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Book(context.Background(), BookRequest{PatientID: patient.ID, DoctorID: doctor.ID, ScheduledAt: at, Reason: "race"})
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.Conflict)
	}
	assert.Equal(t, 1, ok)
}

type notificationSink struct{}

func (notificationSink) Notify(context.Context, notification.Kind, notification.Data) {}

func TestPgRepository_MarkRemindedOncePerDay(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewPgRepository(pool)
	id := uuid.New()
	at := time.Now().UTC()

	ok, err := repo.MarkReminded(ctx, id, "2030-03-11", at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkReminded(ctx, id, "2030-03-11", at)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.MarkReminded(ctx, id, "2030-03-12", at)
	require.NoError(t, err)
	assert.True(t, ok)
}
