package account

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps accounts in a map. It enforces the unique email
// constraint the same way the users table does.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]Account
	byEmail map[string]uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[uuid.UUID]Account),
		byEmail: make(map[string]uuid.UUID),
	}
}

func (r *MemoryRepository) Create(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[a.Email]; ok {
		return ErrEmailTaken
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	r.byID[a.ID] = *a
	r.byEmail[a.Email] = a.ID
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	a := r.byID[id]
	return &a, nil
}

func (r *MemoryRepository) ListDoctors(_ context.Context, specialty string) ([]Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Account
	for _, a := range r.byID {
		if !a.IsDoctor() {
			continue
		}
		if specialty != "" && (a.Specialty == nil || *a.Specialty != specialty) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *MemoryRepository) Specialties(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	out := []string{}
	for _, a := range r.byID {
		if !a.IsDoctor() || a.Specialty == nil {
			continue
		}
		if _, ok := seen[*a.Specialty]; ok {
			continue
		}
		seen[*a.Specialty] = struct{}{}
		out = append(out, *a.Specialty)
	}
	sort.Strings(out)
	return out, nil
}
