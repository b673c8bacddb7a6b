package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// ParseRole accepts the wire names used by clients. "passenger" is an alias
// for rider.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rider", "passenger":
		return RoleRider, true
	case "driver":
		return RoleDriver, true
	}
	return "", false
}

// Identity is the authenticated user bound to a channel.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

func (i Identity) IsZero() bool { return i.UserID == "" }

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Valid reports whether the coordinate is inside WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Place struct {
	Coord   `bson:",inline"`
	Address string `json:"address,omitempty" bson:"address,omitempty"`
}

type DriverStatus string

const (
	DriverOffline   DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
)

type DriverPresence struct {
	DriverID    string       `json:"driverId"`
	Status      DriverStatus `json:"status"`
	Location    *Coord       `json:"location,omitempty"`
	LastUpdated time.Time    `json:"lastUpdated"`
}

type TripStatus string

const (
	TripPending    TripStatus = "pending"
	TripAccepted   TripStatus = "accepted"
	TripCollecting TripStatus = "collecting"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// Active reports whether a driver is assigned and the trip is not finished.
func (s TripStatus) Active() bool {
	return s == TripAccepted || s == TripCollecting || s == TripInProgress
}

type PaymentMethod string

const (
	PaymentCash       PaymentMethod = "cash"
	PaymentCreditCard PaymentMethod = "credit_card"
	PaymentDebitCard  PaymentMethod = "debit_card"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCash, PaymentCreditCard, PaymentDebitCard:
		return true
	}
	return false
}

type Rating struct {
	Passenger *int `json:"passenger,omitempty" bson:"passenger,omitempty"`
	Driver    *int `json:"driver,omitempty" bson:"driver,omitempty"`
}

// Trip is one ride request. DriverID is empty iff Status is pending.
// Distance is in metres and Duration in seconds.
type Trip struct {
	ID             string        `json:"id" bson:"_id"`
	RiderID        string        `json:"riderId" bson:"rider_id"`
	DriverID       string        `json:"driverId,omitempty" bson:"driver_id,omitempty"`
	Origin         Place         `json:"origin" bson:"origin"`
	Destination    Place         `json:"destination" bson:"destination"`
	Price          float64       `json:"price" bson:"price"`
	Distance       float64       `json:"distance" bson:"distance"`
	Duration       float64       `json:"duration" bson:"duration"`
	PaymentMethod  PaymentMethod `json:"paymentMethod" bson:"payment_method"`
	Status         TripStatus    `json:"status" bson:"status"`
	DriverLocation *Coord        `json:"driverLocation,omitempty" bson:"driver_location,omitempty"`
	CancelReason   string        `json:"cancelReason,omitempty" bson:"cancel_reason,omitempty"`
	CancelledBy    string        `json:"cancelledBy,omitempty" bson:"cancelled_by,omitempty"`
	CancelledAt    *time.Time    `json:"cancelledAt,omitempty" bson:"cancelled_at,omitempty"`
	Rating         Rating        `json:"rating" bson:"rating"`
	CreatedAt      time.Time     `json:"createdAt" bson:"created_at"`
	UpdatedAt      time.Time     `json:"updatedAt" bson:"updated_at"`
}

// MarshalJSON writes driverId as null while no driver is assigned.
func (t Trip) MarshalJSON() ([]byte, error) {
	type plain Trip
	var driver *string
	if t.DriverID != "" {
		driver = &t.DriverID
	}
	return json.Marshal(struct {
		plain
		DriverID *string `json:"driverId"`
	}{plain(t), driver})
}

// Participant reports whether userID is the rider or the assigned driver.
func (t *Trip) Participant(userID string) bool {
	return userID != "" && (t.RiderID == userID || t.DriverID == userID)
}

// Counterpart returns the other participant's id, or "" when none is assigned.
func (t *Trip) Counterpart(userID string) string {
	if userID == t.RiderID {
		return t.DriverID
	}
	return t.RiderID
}

type ChatMessage struct {
	ID        string    `json:"id" bson:"_id"`
	RideID    string    `json:"rideId" bson:"ride_id"`
	SenderID  string    `json:"senderId" bson:"sender_id"`
	Text      string    `json:"text" bson:"text"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// TripEvent is emitted for every successful transition.
type TripEvent struct {
	TripID  string     `json:"tripId"`
	Type    string     `json:"type"`
	Status  TripStatus `json:"status"`
	ActorID string     `json:"actorId"`
	At      time.Time  `json:"at"`
}

// LocationUpdate is the message carried on the driver location stream.
type LocationUpdate struct {
	DriverID string       `json:"driverId"`
	Location Coord        `json:"location"`
	Status   DriverStatus `json:"status"`
	At       time.Time    `json:"at"`
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}
