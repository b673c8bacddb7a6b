// Package matcher fans a new ride request out to every available driver.
// It never decides who wins; the trip machine arbitrates accepts.
package matcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/ride-realtime/internal/eta"
	"github.com/example/ride-realtime/internal/events"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/registry"
)

type Presence interface {
	Available() []models.DriverPresence
}

type Channels interface {
	Lookup(userID string) (registry.Channel, bool)
}

type Service struct {
	Presence Presence
	Channels Channels
	// RadiusMeters limits the broadcast to drivers near the origin. Zero
	// notifies every available driver.
	RadiusMeters float64
	ETA          *eta.Estimator // optional
	Logger       *slog.Logger

	mu     sync.Mutex
	offers map[string]*offerSet
}

// offerSet tracks the drivers holding an offer for one trip. Once withdrawn
// it only lives until the broadcast that created it finishes.
type offerSet struct {
	drivers      map[string]struct{}
	broadcasting bool
	withdrawn    bool
	keep         string
}

// Broadcast pushes a ride request to each available driver with a live
// channel and returns how many were reached. Drivers without a channel are
// skipped silently. A withdrawal that lands mid-broadcast stops the fan-out;
// drivers already offered are told the ride is gone.
func (s *Service) Broadcast(ctx context.Context, t *models.Trip) int {
	observability.BroadcastsTotal.Inc()
	set := &offerSet{drivers: make(map[string]struct{}), broadcasting: true}
	s.mu.Lock()
	if s.offers == nil {
		s.offers = make(map[string]*offerSet)
	}
	s.offers[t.ID] = set
	s.mu.Unlock()

	n := 0
	for _, d := range s.Presence.Available() {
		if s.isWithdrawn(set) {
			break
		}
		if !geo.Within(t.Origin.Coord, d.Location, s.RadiusMeters) {
			continue
		}
		ch, ok := s.Channels.Lookup(d.DriverID)
		if !ok {
			continue
		}
		if err := ch.Push(events.RideRequest, s.offer(ctx, t, d)); err != nil {
			s.logger().Debug("ride request push failed", "trip_id", t.ID, "driver_id", d.DriverID, "error", err)
			continue
		}
		n++

		// record after the push so a withdrawal never overtakes the offer
		s.mu.Lock()
		late := set.withdrawn
		if !late {
			set.drivers[d.DriverID] = struct{}{}
		}
		keep := set.keep
		s.mu.Unlock()
		if late && d.DriverID != keep {
			_ = ch.Push(events.RideUnavailable, events.UnavailablePush{RideID: t.ID})
		}
	}

	s.mu.Lock()
	set.broadcasting = false
	if set.withdrawn && s.offers[t.ID] == set {
		delete(s.offers, t.ID)
	}
	s.mu.Unlock()

	observability.DriversNotifiedTotal.Add(float64(n))
	observability.BroadcastFanout.Observe(float64(n))
	s.logger().Info("ride request broadcast", "trip_id", t.ID, "drivers_notified", n)
	return n
}

func (s *Service) isWithdrawn(set *offerSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return set.withdrawn
}

func (s *Service) offer(ctx context.Context, t *models.Trip, d models.DriverPresence) events.RideRequestPush {
	push := events.RideRequestPush{Ride: t}
	if d.Location == nil {
		return push
	}
	var r eta.Route
	if s.ETA != nil {
		r = s.ETA.Route(ctx, *d.Location, t.Origin.Coord)
	} else {
		r = eta.Straight(*d.Location, t.Origin.Coord, 0)
	}
	push.PickupDistance = r.Distance
	push.PickupETA = r.Duration
	return push
}

// Withdraw tells every driver offered tripID, except keep, that the offer is
// gone, and forgets the trip. It returns the number of drivers told.
func (s *Service) Withdraw(tripID, keep string) int {
	s.mu.Lock()
	set, ok := s.offers[tripID]
	if !ok || set.withdrawn {
		s.mu.Unlock()
		return 0
	}
	set.withdrawn = true
	set.keep = keep
	drivers := set.drivers
	set.drivers = nil
	if !set.broadcasting {
		delete(s.offers, tripID)
	}
	s.mu.Unlock()

	n := 0
	for id := range drivers {
		if id == keep {
			continue
		}
		ch, ok := s.Channels.Lookup(id)
		if !ok {
			continue
		}
		if err := ch.Push(events.RideUnavailable, events.UnavailablePush{RideID: tripID}); err == nil {
			n++
		}
	}
	return n
}

// Prune withdraws offers for trips that open reports as no longer pending
// and returns how many it dropped. It catches trips that ended without
// passing through Withdraw.
func (s *Service) Prune(open func(tripID string) bool) int {
	s.mu.Lock()
	var ids []string
	for id, set := range s.offers {
		if !set.broadcasting && !set.withdrawn {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if open(id) {
			continue
		}
		s.Withdraw(id, "")
		n++
	}
	return n
}

// Pending reports how many trips still have outstanding offers.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
