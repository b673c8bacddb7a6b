package trip

import (
	"context"
	"sort"
	"time"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/storage"
)

// defaultRating is reported for drivers nobody has rated yet.
const defaultRating = 5.0

type DailyEarnings struct {
	Date  string  `json:"date"`
	Total float64 `json:"total"`
	Rides int     `json:"rides"`
}

type Earnings struct {
	Total          float64         `json:"total"`
	TotalRides     int             `json:"totalRides"`
	AveragePerRide float64         `json:"averagePerRide"`
	Rating         float64         `json:"rating"`
	DailyEarnings  []DailyEarnings `json:"dailyEarnings"`
}

type Stats struct {
	TotalRides    int     `json:"totalRides"`
	TotalEarnings float64 `json:"totalEarnings"`
	Rating        float64 `json:"rating"`
}

// History lists the finished trips of id, newest first.
func (m *Machine) History(ctx context.Context, id models.Identity) ([]*models.Trip, error) {
	f := storage.TripFilter{Statuses: []models.TripStatus{models.TripCompleted, models.TripCancelled}}
	if id.Role == models.RoleDriver {
		f.DriverID = id.UserID
	} else {
		f.RiderID = id.UserID
	}
	return m.list(ctx, f)
}

func (m *Machine) list(ctx context.Context, f storage.TripFilter) ([]*models.Trip, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	trips, err := m.store.ListTrips(ctx, f)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return trips, nil
}

// Earnings aggregates every completed trip of driverID, grouped by UTC day
// with the most recent day first.
func (m *Machine) Earnings(ctx context.Context, driverID string) (Earnings, error) {
	trips, err := m.list(ctx, storage.TripFilter{
		DriverID: driverID,
		Statuses: []models.TripStatus{models.TripCompleted},
	})
	if err != nil {
		return Earnings{}, err
	}
	e := Earnings{TotalRides: len(trips), Rating: driverRating(trips), DailyEarnings: []DailyEarnings{}}
	byDay := make(map[string]*DailyEarnings)
	for _, t := range trips {
		e.Total += t.Price
		day := t.CreatedAt.UTC().Format(time.DateOnly)
		d, ok := byDay[day]
		if !ok {
			d = &DailyEarnings{Date: day}
			byDay[day] = d
		}
		d.Total += t.Price
		d.Rides++
	}
	if e.TotalRides > 0 {
		e.AveragePerRide = e.Total / float64(e.TotalRides)
	}
	for _, d := range byDay {
		e.DailyEarnings = append(e.DailyEarnings, *d)
	}
	sort.Slice(e.DailyEarnings, func(i, j int) bool { return e.DailyEarnings[i].Date > e.DailyEarnings[j].Date })
	return e, nil
}

// Stats summarises the completed trips of driverID created today in the
// server's local time.
func (m *Machine) Stats(ctx context.Context, driverID string) (Stats, error) {
	now := m.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	trips, err := m.list(ctx, storage.TripFilter{
		DriverID: driverID,
		Statuses: []models.TripStatus{models.TripCompleted},
		Since:    start,
		Until:    start.AddDate(0, 0, 1),
	})
	if err != nil {
		return Stats{}, err
	}
	s := Stats{TotalRides: len(trips), Rating: driverRating(trips)}
	for _, t := range trips {
		s.TotalEarnings += t.Price
	}
	return s, nil
}

func driverRating(trips []*models.Trip) float64 {
	sum, n := 0, 0
	for _, t := range trips {
		if t.Rating.Driver != nil {
			sum += *t.Rating.Driver
			n++
		}
	}
	if n == 0 {
		return defaultRating
	}
	return float64(sum) / float64(n)
}
