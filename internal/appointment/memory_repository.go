package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/booking-api/internal/account"
)

// AccountLookup is the slice of account.Repository the in-memory store joins against.
type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*account.Account, error)
}

// MemoryRepository is a map-backed Repository. Insert rejects a second active
// appointment for the same doctor and instant, like the partial unique index.
type MemoryRepository struct {
	accounts AccountLookup
	now      func() time.Time

	mu           sync.Mutex
	appointments map[uuid.UUID]Appointment
	events       []EventLog
	reminded     map[string]struct{} // appointment id + "/" + day
}

func NewMemoryRepository(accounts AccountLookup) *MemoryRepository {
	return &MemoryRepository{
		accounts:     accounts,
		now:          func() time.Time { return time.Now().UTC() },
		appointments: make(map[uuid.UUID]Appointment),
		reminded:     make(map[string]struct{}),
	}
}

func (r *MemoryRepository) GetAccount(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	return r.accounts.GetByID(ctx, id)
}

func (r *MemoryRepository) hasActiveAtLocked(doctorID uuid.UUID, at time.Time) bool {
	for _, a := range r.appointments {
		if a.DoctorID == doctorID && a.ScheduledAt.Equal(at) && a.Status.IsActive() {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) HasActiveAt(_ context.Context, doctorID uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasActiveAtLocked(doctorID, at), nil
}

func (r *MemoryRepository) Insert(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.Status.IsActive() && r.hasActiveAtLocked(a.DoctorID, a.ScheduledAt) {
		return ErrSlotTaken
	}
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now
	r.appointments[a.ID] = *a
	return nil
}

func (r *MemoryRepository) detail(ctx context.Context, a Appointment) (Detail, error) {
	d := Detail{Appointment: a}
	p, err := r.accounts.GetByID(ctx, a.PatientID)
	if err != nil {
		return Detail{}, err
	}
	doc, err := r.accounts.GetByID(ctx, a.DoctorID)
	if err != nil {
		return Detail{}, err
	}
	d.PatientName, d.PatientEmail = p.Name, p.Email
	d.DoctorName, d.DoctorEmail = doc.Name, doc.Email
	if doc.Specialty != nil {
		d.DoctorSpecialty = *doc.Specialty
	}
	return d, nil
}

func (r *MemoryRepository) GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	r.mu.Lock()
	a, ok := r.appointments[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	d, err := r.detail(ctx, a)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = r.now()
	r.appointments[id] = a
	return &a, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id, patientID uuid.UUID, statuses []Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || a.PatientID != patientID {
		return ErrAppointmentNotFound
	}
	for _, s := range statuses {
		if a.Status == s {
			delete(r.appointments, id)
			return nil
		}
	}
	return ErrAppointmentNotFound
}

func (r *MemoryRepository) list(ctx context.Context, keep func(Appointment) bool, ascending bool) ([]Detail, error) {
	r.mu.Lock()
	var matched []Appointment
	for _, a := range r.appointments {
		if keep(a) {
			matched = append(matched, a)
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ScheduledAt.Equal(matched[j].ScheduledAt) {
			if ascending {
				return matched[i].ScheduledAt.Before(matched[j].ScheduledAt)
			}
			return matched[i].ScheduledAt.After(matched[j].ScheduledAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	out := make([]Detail, 0, len(matched))
	for _, a := range matched {
		d, err := r.detail(ctx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *MemoryRepository) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Detail, error) {
	return r.list(ctx, func(a Appointment) bool { return a.PatientID == patientID }, false)
}

func (r *MemoryRepository) ListForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Detail, error) {
	return r.list(ctx, func(a Appointment) bool { return a.DoctorID == doctorID }, false)
}

func (r *MemoryRepository) ListPending(ctx context.Context, doctorID uuid.UUID) ([]Detail, error) {
	return r.list(ctx, func(a Appointment) bool {
		return a.DoctorID == doctorID && a.Status == StatusPending
	}, true)
}

func (r *MemoryRepository) stats(keep func(Appointment) bool) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, a := range r.appointments {
		if keep(a) {
			s.add(a.Status)
		}
	}
	return s
}

func (r *MemoryRepository) DoctorStats(_ context.Context, doctorID uuid.UUID) (Stats, error) {
	return r.stats(func(a Appointment) bool { return a.DoctorID == doctorID }), nil
}

func (r *MemoryRepository) PatientStats(_ context.Context, patientID uuid.UUID) (Stats, error) {
	return r.stats(func(a Appointment) bool { return a.PatientID == patientID }), nil
}

func (r *MemoryRepository) ListApprovedBetween(ctx context.Context, from, to time.Time) ([]Detail, error) {
	return r.list(ctx, func(a Appointment) bool {
		return a.Status == StatusApproved && !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to)
	}, true)
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

func (r *MemoryRepository) MarkReminded(_ context.Context, appointmentID uuid.UUID, day string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := appointmentID.String() + "/" + day
	if _, ok := r.reminded[key]; ok {
		return false, nil
	}
	r.reminded[key] = struct{}{}

	id := appointmentID
	r.events = append(r.events, EventLog{
		ID:            int64(len(r.events) + 1),
		EventType:     EventAppointmentReminded,
		AppointmentID: &id,
		Payload:       []byte(`{"day":"` + day + `"}`),
		CreatedAt:     at,
	})
	return true, nil
}

// Events returns a copy of the logged events, oldest first.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}
