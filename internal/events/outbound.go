package events

import (
	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/trip"
)

// Failure is the acknowledgement of any rejected event. Code is the error
// kind name so clients can tell "ride no longer available" apart.
type Failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func Fail(err error) Failure {
	return Failure{Error: apperr.Public(err), Code: apperr.KindOf(err).String()}
}

type OK struct {
	Success bool `json:"success"`
}

type AuthAck struct {
	Success bool                `json:"success"`
	Role    models.Role         `json:"role"`
	Status  models.DriverStatus `json:"status,omitempty"`
}

type StatusAck struct {
	Success bool                `json:"success"`
	Status  models.DriverStatus `json:"status"`
}

type RideAck struct {
	Success bool         `json:"success"`
	Ride    *models.Trip `json:"ride"`
}

type RequestRideAck struct {
	Success         bool         `json:"success"`
	Ride            *models.Trip `json:"ride"`
	DriversNotified int          `json:"driversNotified"`
}

type RidesAck struct {
	Success bool           `json:"success"`
	Rides   []*models.Trip `json:"rides"`
}

type EarningsAck struct {
	Success  bool          `json:"success"`
	Earnings trip.Earnings `json:"earnings"`
}

type StatsAck struct {
	Success bool       `json:"success"`
	Stats   trip.Stats `json:"stats"`
}

type MessageAck struct {
	Success bool                `json:"success"`
	Message *models.ChatMessage `json:"message"`
}

type MessagesAck struct {
	Success  bool                  `json:"success"`
	Messages []*models.ChatMessage `json:"messages"`
}

type CheckStatusAck struct {
	UserID        string                 `json:"userId,omitempty"`
	Role          models.Role            `json:"role,omitempty"`
	Authenticated bool                   `json:"authenticated"`
	Bound         bool                   `json:"bound"`
	Presence      *models.DriverPresence `json:"presence,omitempty"`
}

// Pushes.

type RidePush struct {
	Ride *models.Trip `json:"ride"`
}

// RideRequestPush offers a pending trip to a driver. Pickup figures are
// from the driver's last known location and are zero when it is unknown.
type RideRequestPush struct {
	Ride           *models.Trip `json:"ride"`
	PickupDistance float64      `json:"pickupDistance,omitempty"`
	PickupETA      float64      `json:"pickupEta,omitempty"`
}

type CancelledPush struct {
	Ride        *models.Trip `json:"ride"`
	Reason      string       `json:"reason,omitempty"`
	CancelledBy string       `json:"cancelledBy"`
}

type LocationPush struct {
	RideID   string       `json:"rideId"`
	Location models.Coord `json:"location"`
}

type UnavailablePush struct {
	RideID string `json:"rideId"`
}

type ChatPush struct {
	Message *models.ChatMessage `json:"message"`
}

type StatusPush struct {
	Status models.DriverStatus `json:"status"`
}

type ErrorPush struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func ErrorFor(event string, err error) ErrorPush {
	return ErrorPush{Event: event, Message: apperr.Public(err), Code: apperr.KindOf(err).String()}
}
