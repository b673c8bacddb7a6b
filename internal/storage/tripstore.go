package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("storage: not found")

// TripFilter selects trips for history queries. Zero fields do not filter.
type TripFilter struct {
	RiderID  string
	DriverID string
	Statuses []models.TripStatus
	Since    time.Time
	Until    time.Time
	Limit    int
}

// TripStore defines persistence operations for trips.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// SwapTrip overwrites the stored trip with t only if the stored status
	// still equals expected. It reports whether the write happened.
	SwapTrip(ctx context.Context, t *models.Trip, expected models.TripStatus) (bool, error)
	ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error)
	ListTrips(ctx context.Context, f TripFilter) ([]*models.Trip, error)
}

// MessageStore persists trip chat. Messages are append-only.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *models.ChatMessage) error
	ListMessages(ctx context.Context, rideID string) ([]*models.ChatMessage, error)
}

// Store is what the server wires: trips, chat and a health check.
type Store interface {
	TripStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}

type MemoryStore struct {
	mu       sync.RWMutex
	trips    map[string]*models.Trip
	messages map[string][]*models.ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:    make(map[string]*models.Trip),
		messages: make(map[string][]*models.ChatMessage),
	}
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return errors.New("storage: duplicate trip id")
	}
	m.trips[t.ID] = cloneTrip(t)
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrip(t), nil
}

func (m *MemoryStore) SwapTrip(ctx context.Context, t *models.Trip, expected models.TripStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != expected {
		return false, nil
	}
	m.trips[t.ID] = cloneTrip(t)
	return true, nil
}

func (m *MemoryStore) ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Trip
	for _, t := range m.trips {
		if t.DriverID != driverID || !t.Status.Active() {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneTrip(found), nil
}

func (m *MemoryStore) ListTrips(ctx context.Context, f TripFilter) ([]*models.Trip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*models.Trip, 0)
	for _, t := range m.trips {
		if f.matches(t) {
			out = append(out, cloneTrip(t))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *msg
	m.messages[msg.RideID] = append(m.messages[msg.RideID], &c)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, rideID string) ([]*models.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.messages[rideID]
	out := make([]*models.ChatMessage, 0, len(src))
	for _, msg := range src {
		c := *msg
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() error { return nil }

func (f TripFilter) matches(t *models.Trip) bool {
	if f.RiderID != "" && t.RiderID != f.RiderID {
		return false
	}
	if f.DriverID != "" && t.DriverID != f.DriverID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !t.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func cloneTrip(t *models.Trip) *models.Trip {
	c := *t
	if t.DriverLocation != nil {
		l := *t.DriverLocation
		c.DriverLocation = &l
	}
	if t.CancelledAt != nil {
		at := *t.CancelledAt
		c.CancelledAt = &at
	}
	if t.Rating.Passenger != nil {
		v := *t.Rating.Passenger
		c.Rating.Passenger = &v
	}
	if t.Rating.Driver != nil {
		v := *t.Rating.Driver
		c.Rating.Driver = &v
	}
	return &c
}

func statusStrings(ss []models.TripStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
