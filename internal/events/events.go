// Package events defines the realtime wire protocol: the envelope every
// frame travels in, one fixed payload schema per inbound event, and the
// acknowledgement and push payloads the server sends back.
package events

import (
	"encoding/json"
	"strings"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
)

// Inbound event names.
const (
	Authenticate       = "authenticate"
	DriverUpdateStatus = "driver:updateStatus"
	DriverCheckStatus  = "driver:checkStatus"
	PassengerRequest   = "passenger:requestRide"
	DriverAccept       = "driver:acceptRide"
	DriverArrived      = "driver:arrived"
	DriverStart        = "driver:startRide"
	DriverFinish       = "driver:finishRide"
	DriverComplete     = "driver:completeRide"
	RideCancel         = "ride:cancel"
	RideGet            = "ride:get"
	RideRate           = "ride:rate"
	UpdateLocation     = "updateDriverLocation"
	DriverGetRides     = "driver:getRides"
	PassengerGetRides  = "passenger:getRides"
	DriverGetEarnings  = "driver:getEarnings"
	DriverGetStats     = "driver:getStats"
	ChatSend           = "chat:sendMessage"
	ChatGet            = "chat:getMessages"
	Ping               = "ping"
)

// Outbound event names.
const (
	Ack                = "ack"
	Authenticated      = "authenticated"
	StatusUpdated      = "driver:statusUpdated"
	RideRequest        = "driver:rideRequest"
	RideAccepted       = "ride:accepted"
	RideError          = "ride:error"
	RideDriverArrived  = "ride:driverArrived"
	RideStarted        = "ride:started"
	RideCompleted      = "ride:completed"
	RideCancelled      = "ride:cancelled"
	RideUpdated        = "ride:updated"
	RideDriverLocation = "ride:driverLocation"
	RideUnavailable    = "ride:unavailable"
	ChatMessage        = "chat:message"
	Error              = "error"
	Pong               = "pong"
)

// Envelope is one inbound frame. RequestID correlates the acknowledgement.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Outbound is one frame sent to a client.
type Outbound struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Payload is implemented by every inbound schema. Validate may normalise
// the receiver.
type Payload interface {
	Validate() error
}

// Def describes an inbound event: who may send it and its schema.
type Def struct {
	Name string
	New  func() Payload

	// Role restricts the sender; empty means any authenticated role.
	Role models.Role

	// Public events are accepted before authentication.
	Public bool
}

var catalog = map[string]Def{}

func register(s Def) { catalog[s.Name] = s }

func init() {
	empty := func() Payload { return &Empty{} }
	ride := func() Payload { return &RideRef{} }

	register(Def{Name: Authenticate, Public: true, New: func() Payload { return &AuthenticatePayload{} }})
	register(Def{Name: Ping, Public: true, New: empty})
	register(Def{Name: DriverCheckStatus, Public: true, New: empty})

	register(Def{Name: DriverUpdateStatus, Role: models.RoleDriver, New: func() Payload { return &StatusPayload{} }})
	register(Def{Name: DriverAccept, Role: models.RoleDriver, New: ride})
	register(Def{Name: DriverArrived, Role: models.RoleDriver, New: ride})
	register(Def{Name: DriverStart, Role: models.RoleDriver, New: ride})
	register(Def{Name: DriverFinish, Role: models.RoleDriver, New: ride})
	register(Def{Name: DriverComplete, Role: models.RoleDriver, New: ride})
	register(Def{Name: UpdateLocation, Role: models.RoleDriver, New: func() Payload { return &LocationPayload{} }})
	register(Def{Name: DriverGetRides, Role: models.RoleDriver, New: empty})
	register(Def{Name: DriverGetEarnings, Role: models.RoleDriver, New: empty})
	register(Def{Name: DriverGetStats, Role: models.RoleDriver, New: empty})

	register(Def{Name: PassengerRequest, Role: models.RoleRider, New: func() Payload { return &RequestRidePayload{} }})
	register(Def{Name: PassengerGetRides, Role: models.RoleRider, New: empty})

	register(Def{Name: RideCancel, New: func() Payload { return &CancelPayload{} }})
	register(Def{Name: RideGet, New: ride})
	register(Def{Name: RideRate, New: func() Payload { return &RatePayload{} }})
	register(Def{Name: ChatSend, New: func() Payload { return &ChatPayload{} }})
	register(Def{Name: ChatGet, New: ride})
}

// Lookup returns the definition of an inbound event.
func Lookup(name string) (Def, bool) {
	s, ok := catalog[name]
	return s, ok
}

// Decode parses a frame's envelope and finds its definition. Malformed
// frames and unknown events are BadRequest. The payload is left to Parse so
// callers can authorise the event first.
func Decode(raw []byte) (Envelope, Def, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, Def{}, apperr.BadRequest("malformed frame")
	}
	env.Event = strings.TrimSpace(env.Event)
	def, ok := Lookup(env.Event)
	if !ok {
		return env, Def{}, apperr.BadRequest("unknown event %q", env.Event)
	}
	return env, def, nil
}

// Parse decodes and validates the envelope's payload against d's schema.
func (d Def) Parse(env Envelope) (Payload, error) {
	p := d.New()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return nil, apperr.BadRequest("invalid %s payload", env.Event)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
