// Package presence tracks per-driver availability and last known location.
// The tracker is the only writer of DriverPresence records.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

// Mirror receives a copy of every presence change, e.g. to keep an external
// geo index warm. Failures are logged and never block the tracker.
type Mirror interface {
	MirrorPresence(ctx context.Context, p models.DriverPresence) error
}

type Tracker struct {
	mu      sync.RWMutex
	drivers map[string]*models.DriverPresence

	mirrors       []Mirror
	mirrorTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

func NewTracker(logger *slog.Logger, mirrors ...Mirror) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		drivers:       make(map[string]*models.DriverPresence),
		mirrors:       mirrors,
		mirrorTimeout: 2 * time.Second,
		logger:        logger,
		now:           time.Now,
	}
}

// update applies fn to the record for driverID under the lock, creating it on
// first use. fn reports whether it changed anything.
func (t *Tracker) update(driverID string, fn func(p *models.DriverPresence) bool) (models.DriverPresence, bool) {
	t.mu.Lock()
	p, ok := t.drivers[driverID]
	if !ok {
		p = &models.DriverPresence{DriverID: driverID, Status: models.DriverOffline}
		t.drivers[driverID] = p
	}
	changed := fn(p)
	if changed {
		p.LastUpdated = t.now()
	}
	snap := snapshot(p)
	available := t.countAvailableLocked()
	t.mu.Unlock()

	if changed {
		observability.DriversAvailable.Set(float64(available))
		t.mirror(snap)
	}
	return snap, changed
}

func (t *Tracker) mirror(p models.DriverPresence) {
	for _, m := range t.mirrors {
		ctx, cancel := context.WithTimeout(context.Background(), t.mirrorTimeout)
		if err := m.MirrorPresence(ctx, p); err != nil {
			t.logger.Warn("presence mirror failed", "driver_id", p.DriverID, "error", err)
		}
		cancel()
	}
}

// SetOnline marks a driver as connected. A driver with an active trip is
// busy, otherwise available.
func (t *Tracker) SetOnline(driverID string, onTrip bool) models.DriverPresence {
	want := models.DriverAvailable
	if onTrip {
		want = models.DriverBusy
	}
	p, _ := t.update(driverID, func(p *models.DriverPresence) bool {
		if p.Status == want {
			return false
		}
		p.Status = want
		return true
	})
	return p
}

func (t *Tracker) SetOffline(driverID string) models.DriverPresence {
	p, _ := t.update(driverID, func(p *models.DriverPresence) bool {
		if p.Status == models.DriverOffline {
			return false
		}
		p.Status = models.DriverOffline
		return true
	})
	return p
}

func (t *Tracker) UpdateLocation(driverID string, loc models.Coord) models.DriverPresence {
	p, _ := t.update(driverID, func(p *models.DriverPresence) bool {
		l := loc
		p.Location = &l
		return true
	})
	return p
}

// Reserve atomically moves an available driver to busy. It is the presence
// half of the accept arbitration.
func (t *Tracker) Reserve(driverID string) bool {
	_, ok := t.update(driverID, func(p *models.DriverPresence) bool {
		if p.Status != models.DriverAvailable {
			return false
		}
		p.Status = models.DriverBusy
		return true
	})
	return ok
}

// Release returns a busy driver to available. Offline drivers stay offline.
func (t *Tracker) Release(driverID string) bool {
	_, ok := t.update(driverID, func(p *models.DriverPresence) bool {
		if p.Status != models.DriverBusy {
			return false
		}
		p.Status = models.DriverAvailable
		return true
	})
	return ok
}

func (t *Tracker) Get(driverID string) (models.DriverPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.drivers[driverID]
	if !ok {
		return models.DriverPresence{DriverID: driverID, Status: models.DriverOffline}, false
	}
	return snapshot(p), true
}

// Available returns a snapshot of available drivers ordered by id.
func (t *Tracker) Available() []models.DriverPresence {
	t.mu.RLock()
	out := make([]models.DriverPresence, 0, len(t.drivers))
	for _, p := range t.drivers {
		if p.Status == models.DriverAvailable {
			out = append(out, snapshot(p))
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

func (t *Tracker) countAvailableLocked() int {
	n := 0
	for _, p := range t.drivers {
		if p.Status == models.DriverAvailable {
			n++
		}
	}
	return n
}

func snapshot(p *models.DriverPresence) models.DriverPresence {
	s := *p
	if p.Location != nil {
		l := *p.Location
		s.Location = &l
	}
	return s
}
