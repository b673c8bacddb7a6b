package events

import (
	"strings"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
)

type Empty struct{}

func (*Empty) Validate() error { return nil }

// AuthenticatePayload accepts both {identity, role} and the older
// {userId, userType} spelling.
type AuthenticatePayload struct {
	Identity string `json:"identity"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	UserType string `json:"userType"`

	parsed models.Role
}

func (p *AuthenticatePayload) Validate() error {
	if p.Identity == "" {
		p.Identity = p.UserID
	}
	p.Identity = strings.TrimSpace(p.Identity)
	if p.Role == "" {
		p.Role = p.UserType
	}
	if p.Identity == "" {
		return apperr.BadRequest("identity is required")
	}
	role, ok := models.ParseRole(p.Role)
	if !ok {
		return apperr.BadRequest("role must be rider or driver")
	}
	p.parsed = role
	return nil
}

func (p *AuthenticatePayload) Subject() models.Identity {
	return models.Identity{UserID: p.Identity, Role: p.parsed}
}

type StatusPayload struct {
	Status string `json:"status"`
}

func (p *StatusPayload) Validate() error {
	p.Status = strings.ToLower(strings.TrimSpace(p.Status))
	if p.Status != "online" && p.Status != "offline" {
		return apperr.BadRequest("status must be online or offline")
	}
	return nil
}

func (p *StatusPayload) Online() bool { return p.Status == "online" }

// RideRef names one trip.
type RideRef struct {
	RideID string `json:"rideId"`
}

func (p *RideRef) Validate() error {
	p.RideID = strings.TrimSpace(p.RideID)
	if p.RideID == "" {
		return apperr.BadRequest("rideId is required")
	}
	return nil
}

type CancelPayload struct {
	RideRef
	Reason string `json:"reason"`
}

type RatePayload struct {
	RideRef
	Rating int `json:"rating"`
}

func (p *RatePayload) Validate() error {
	if err := p.RideRef.Validate(); err != nil {
		return err
	}
	if p.Rating < 1 || p.Rating > 5 {
		return apperr.BadRequest("rating must be between 1 and 5")
	}
	return nil
}

type ChatPayload struct {
	RideRef
	Text string `json:"text"`
}

func (p *ChatPayload) Validate() error {
	if err := p.RideRef.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Text) == "" {
		return apperr.BadRequest("text is required")
	}
	return nil
}

type LocationPayload struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (p *LocationPayload) Validate() error {
	if p.Lat == nil || p.Lng == nil {
		return apperr.BadRequest("lat and lng are required")
	}
	if !p.Coord().Valid() {
		return apperr.BadRequest("coordinates out of range")
	}
	return nil
}

func (p *LocationPayload) Coord() models.Coord {
	return models.Coord{Lat: *p.Lat, Lng: *p.Lng}
}

// RequestRidePayload is a rider's ride request. Every field but the payment
// method is required.
type RequestRidePayload struct {
	Origin        *models.Place `json:"origin"`
	Destination   *models.Place `json:"destination"`
	Price         *float64      `json:"price"`
	Distance      *float64      `json:"distance"`
	Duration      *float64      `json:"duration"`
	PaymentMethod string        `json:"paymentMethod"`
}

func (p *RequestRidePayload) Validate() error {
	var missing []string
	if p.Origin == nil {
		missing = append(missing, "origin")
	}
	if p.Destination == nil {
		missing = append(missing, "destination")
	}
	if p.Price == nil {
		missing = append(missing, "price")
	}
	if p.Distance == nil {
		missing = append(missing, "distance")
	}
	if p.Duration == nil {
		missing = append(missing, "duration")
	}
	if len(missing) > 0 {
		return apperr.BadRequest("missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
