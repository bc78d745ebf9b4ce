package directory

import (
	"context"
	"sort"
	"sync"

	"bizchat/server/chat/domain"
)

// Memory is an in-process directory. Users appear once they are registered,
// which the server does for every identity that connects.
type Memory struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func NewMemory(seed ...domain.User) *Memory {
	m := &Memory{users: map[string]domain.User{}}
	for _, u := range seed {
		m.Register(u)
	}
	return m
}

func (m *Memory) Register(user domain.User) {
	if user.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[user.ID]
	if ok {
		user.Status = existing.Status
	} else if user.Status == "" {
		user.Status = domain.StatusOffline
	}
	m.users[user.ID] = user
}

func (m *Memory) ListEmployees(ctx context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrInvalidUser
	}
	u.Status = domain.StatusOffline
	if active {
		u.Status = domain.StatusActive
	}
	m.users[userID] = u
	return nil
}
