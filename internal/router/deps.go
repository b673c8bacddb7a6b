package router

import (
	"context"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/trip"
)

// Presence is implemented by *presence.Tracker.
type Presence interface {
	SetOnline(driverID string, onTrip bool) models.DriverPresence
	SetOffline(driverID string) models.DriverPresence
	UpdateLocation(driverID string, loc models.Coord) models.DriverPresence
	Get(driverID string) (models.DriverPresence, bool)
}

// Trips is implemented by *trip.Machine.
type Trips interface {
	Create(ctx context.Context, riderID string, req trip.CreateRequest) (*models.Trip, error)
	Accept(ctx context.Context, driverID, tripID string) (*models.Trip, error)
	Arrive(ctx context.Context, driverID, tripID string) (*models.Trip, error)
	Start(ctx context.Context, driverID, tripID string) (*models.Trip, error)
	Complete(ctx context.Context, driverID, tripID string) (*models.Trip, error)
	Cancel(ctx context.Context, actorID, tripID, reason string) (*models.Trip, error)
	Expire(ctx context.Context, tripID, reason string) (*models.Trip, error)
	Rate(ctx context.Context, userID, tripID string, score int) (*models.Trip, error)
	TrackDriver(ctx context.Context, driverID string, loc models.Coord) (*models.Trip, error)
	Get(ctx context.Context, userID, tripID string) (*models.Trip, error)
	ActiveForDriver(ctx context.Context, driverID string) (*models.Trip, error)
	Pending(ctx context.Context, tripID string) (bool, error)
	History(ctx context.Context, id models.Identity) ([]*models.Trip, error)
	Earnings(ctx context.Context, driverID string) (trip.Earnings, error)
	Stats(ctx context.Context, driverID string) (trip.Stats, error)
	SendMessage(ctx context.Context, senderID, tripID, text string) (*models.ChatMessage, *models.Trip, error)
	Messages(ctx context.Context, userID, tripID string) ([]*models.ChatMessage, error)
}

// Broadcaster is implemented by *matcher.Service.
type Broadcaster interface {
	Broadcast(ctx context.Context, t *models.Trip) int
	Withdraw(tripID, keep string) int
	Prune(open func(tripID string) bool) int
}
