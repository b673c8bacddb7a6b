package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-realtime/internal/models"
)

// ErrDuplicate is returned when a unique key (phone per role) already exists.
var ErrDuplicate = errors.New("storage: duplicate")

// UserStore backs the login collaborator.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	UserByPhone(ctx context.Context, phone string, role models.Role) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type MemoryUsers struct {
	mu    sync.RWMutex
	byID  map[string]*models.User
	index map[string]string
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{byID: make(map[string]*models.User), index: make(map[string]string)}
}

func phoneKey(phone string, role models.Role) string { return string(role) + "|" + phone }

func (m *MemoryUsers) CreateUser(ctx context.Context, u *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := phoneKey(u.Phone, u.Role)
	if _, ok := m.index[k]; ok {
		return ErrDuplicate
	}
	c := *u
	m.byID[u.ID] = &c
	m.index[k] = u.ID
	return nil
}

func (m *MemoryUsers) UserByPhone(ctx context.Context, phone string, role models.Role) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.index[phoneKey(phone, role)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.byID[id]
	return &c, nil
}

func (m *MemoryUsers) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}
