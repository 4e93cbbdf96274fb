package users

import (
	"context"
	"sort"
	"sync"
	"time"

	"signals.org/internal/ids"
)

// MemoryRepository is an in-process Repository. It backs tests and local
// runs without a database.
type MemoryRepository struct {
	mu         sync.RWMutex
	byID       map[string]User
	byUsername map[string]string
	now        func() time.Time
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:       make(map[string]User),
		byUsername: make(map[string]string),
		now:        time.Now,
	}
}

// Query implements Repository. Results are ordered by id, which follows
// creation order.
func (m *MemoryRepository) Query(ctx context.Context, f Filter) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0)
	for _, u := range m.byID {
		if f.Match(u) {
			out = append(out, detach(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// QueryByID implements Repository.
func (m *MemoryRepository) QueryByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return detach(u), nil
}

// Create implements Repository. The uniqueness check and the insert happen
// under one lock.
func (m *MemoryRepository) Create(ctx context.Context, u User) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byUsername[u.Username]; taken {
		return User{}, ErrDuplicateUsername
	}
	u = detach(u)
	u.ID = ids.New()
	u.CreatedAt = m.now().UTC().Truncate(time.Microsecond)
	m.byID[u.ID] = u
	m.byUsername[u.Username] = u.ID
	return detach(u), nil
}

// UpdateByID implements Repository.
func (m *MemoryRepository) UpdateByID(ctx context.Context, id string, p Patch) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	next := p.Apply(cur)
	if next.Username != cur.Username {
		if _, taken := m.byUsername[next.Username]; taken {
			return User{}, ErrDuplicateUsername
		}
		delete(m.byUsername, cur.Username)
		m.byUsername[next.Username] = id
	}
	m.byID[id] = next
	return detach(next), nil
}

// DeleteByID implements Repository.
func (m *MemoryRepository) DeleteByID(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		delete(m.byUsername, u.Username)
		delete(m.byID, id)
	}
	return id, nil
}

// detach copies the address so stored records never share memory with
// callers.
func detach(u User) User {
	if u.Address != nil {
		a := *u.Address
		u.Address = &a
	}
	return u
}
