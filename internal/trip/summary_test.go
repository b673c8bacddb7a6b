package trip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/presence"
	"github.com/example/ride-realtime/internal/storage"
)

func seedTrip(t *testing.T, s *storage.MemoryStore, id, driver string, status models.TripStatus, price float64, at time.Time, rating *int) {
	t.Helper()
	tr := &models.Trip{
		ID: id, RiderID: "rider1", DriverID: driver, Status: status, Price: price,
		CreatedAt: at, UpdatedAt: at, Rating: models.Rating{Driver: rating},
	}
	if err := s.CreateTrip(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
}

func TestEarningsGroupsByDay(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	four, two := 4, 2
	seedTrip(t, store, "a", "d1", models.TripCompleted, 10, now, &four)
	seedTrip(t, store, "b", "d1", models.TripCompleted, 20, now.Add(-time.Hour), &two)
	seedTrip(t, store, "c", "d1", models.TripCompleted, 30, now.AddDate(0, 0, -1), nil)
	seedTrip(t, store, "d", "d1", models.TripCancelled, 99, now, nil)
	seedTrip(t, store, "e", "d2", models.TripCompleted, 50, now, nil)

	m := NewMachine(store, presence.NewTracker(nil), WithClock(func() time.Time { return now }))
	e, err := m.Earnings(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Total != 60 || e.TotalRides != 3 || e.AveragePerRide != 20 {
		t.Fatalf("unexpected totals %+v", e)
	}
	if e.Rating != 3 {
		t.Fatalf("expected rating 3, got %v", e.Rating)
	}
	if len(e.DailyEarnings) != 2 || e.DailyEarnings[0].Date != "2024-05-10" || e.DailyEarnings[0].Rides != 2 {
		t.Fatalf("unexpected daily breakdown %+v", e.DailyEarnings)
	}

	s, err := m.Stats(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalRides != 2 || s.TotalEarnings != 30 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestEarningsForNewDriverDefaultsRating(t *testing.T) {
	m := NewMachine(storage.NewMemoryStore(), presence.NewTracker(nil))
	e, err := m.Earnings(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if e.Rating != defaultRating || e.TotalRides != 0 || e.DailyEarnings == nil {
		t.Fatalf("unexpected empty earnings %+v", e)
	}
}

func TestHistoryIsPerRole(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now()
	seedTrip(t, store, "a", "d1", models.TripCompleted, 10, now, nil)
	seedTrip(t, store, "b", "d1", models.TripAccepted, 10, now, nil)
	m := NewMachine(store, presence.NewTracker(nil))

	got, err := m.History(context.Background(), models.Identity{UserID: "d1", Role: models.RoleDriver})
	if err != nil || len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("driver history: %v %v", got, err)
	}
	got, err = m.History(context.Background(), models.Identity{UserID: "rider1", Role: models.RoleRider})
	if err != nil || len(got) != 1 {
		t.Fatalf("rider history: %v %v", got, err)
	}
}

func TestChatParticipantsOnly(t *testing.T) {
	m, drivers, _, _ := newFixture(t)
	drivers.SetOnline("d1", false)
	ctx := context.Background()
	tr := mustCreate(t, m)
	if _, _, err := m.SendMessage(ctx, "rider1", tr.ID, "hi"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("chat before accept: %v", err)
	}
	if _, err := m.Accept(ctx, "d1", tr.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.SendMessage(ctx, "rider1", tr.ID, "  on my way  "); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.SendMessage(ctx, "d1", tr.ID, "ok"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.SendMessage(ctx, "stranger", tr.ID, "x"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	msgs, err := m.Messages(ctx, "d1", tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Text != "on my way" || msgs[1].SenderID != "d1" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}
