// Package router turns inbound channel frames into trip, presence and
// broadcast operations and pushes the results to the right channels.
// Errors are answered to the originating channel only.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/events"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/registry"
)

// DefaultSweepInterval is how often dead bindings are pruned.
const DefaultSweepInterval = 30 * time.Second

// ExpiredReason is recorded on trips cancelled by the request timeout.
const ExpiredReason = "no driver accepted"

// Conn is the router's view of a channel.
type Conn interface {
	registry.Channel
	// Reply acknowledges the inbound frame carrying requestID.
	Reply(requestID string, data any) error
	// Verified returns the identity proven by a bearer token, if any.
	Verified() (models.Identity, bool)
}

// LocationPublisher forwards driver positions to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Options struct {
	// RequestTimeout cancels pending trips nobody accepted. Zero disables it.
	RequestTimeout time.Duration
	SweepInterval  time.Duration
	// RequireToken rejects authenticate on channels without a verified
	// bearer identity.
	RequireToken bool
}

type Router struct {
	reg       *registry.Registry
	presence  Presence
	trips     Trips
	matcher   Broadcaster
	locations LocationPublisher
	logger    *slog.Logger
	opts      Options

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool
}

func New(reg *registry.Registry, presence Presence, trips Trips, matcher Broadcaster, logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Router{
		reg:      reg,
		presence: presence,
		trips:    trips,
		matcher:  matcher,
		logger:   logger,
		opts:     opts,
		timers:   make(map[string]*time.Timer),
	}
}

// WithLocations attaches the location stream publisher.
func (r *Router) WithLocations(p LocationPublisher) *Router {
	r.locations = p
	return r
}

// Handle processes one frame from c. It never panics on client input and
// never writes to channels other than those the operation concerns.
func (r *Router) Handle(ctx context.Context, c Conn, frame []byte) {
	env, def, err := events.Decode(frame)
	if err != nil {
		r.reject(c, env, err)
		return
	}
	id, bound := r.reg.IdentityOf(c)
	if !def.Public {
		if !bound {
			r.reject(c, env, apperr.ErrUnauthenticated)
			return
		}
		if def.Role != "" && def.Role != id.Role {
			r.reject(c, env, apperr.Forbidden("%s requires the %s role", env.Event, def.Role))
			return
		}
	}
	payload, err := def.Parse(env)
	if err != nil {
		r.reject(c, env, err)
		return
	}

	resp, err := r.dispatch(ctx, c, id, env.Event, payload)
	if err != nil {
		r.reject(c, env, err)
		return
	}
	observability.EventsTotal.WithLabelValues(env.Event, "ok").Inc()
	if env.RequestID != "" && resp != nil {
		_ = c.Reply(env.RequestID, resp)
	}
}

func (r *Router) dispatch(ctx context.Context, c Conn, id models.Identity, event string, p events.Payload) (any, error) {
	switch event {
	case events.Authenticate:
		return r.authenticate(ctx, c, p.(*events.AuthenticatePayload))
	case events.Ping:
		return events.OK{Success: true}, nil
	case events.DriverCheckStatus:
		return r.checkStatus(c), nil
	case events.DriverUpdateStatus:
		return r.updateStatus(ctx, c, id, p.(*events.StatusPayload))
	case events.UpdateLocation:
		return r.updateLocation(ctx, id, p.(*events.LocationPayload))
	case events.PassengerRequest:
		return r.requestRide(ctx, id, p.(*events.RequestRidePayload))
	case events.DriverAccept:
		return r.accept(ctx, c, id, p.(*events.RideRef))
	case events.DriverArrived:
		return r.advance(ctx, id, p.(*events.RideRef), r.trips.Arrive, events.RideDriverArrived)
	case events.DriverStart:
		return r.advance(ctx, id, p.(*events.RideRef), r.trips.Start, events.RideStarted)
	case events.DriverFinish, events.DriverComplete:
		return r.advance(ctx, id, p.(*events.RideRef), r.trips.Complete, events.RideCompleted)
	case events.RideCancel:
		return r.cancel(ctx, id, p.(*events.CancelPayload))
	case events.RideGet:
		t, err := r.trips.Get(ctx, id.UserID, p.(*events.RideRef).RideID)
		if err != nil {
			return nil, err
		}
		return events.RideAck{Success: true, Ride: t}, nil
	case events.RideRate:
		return r.rate(ctx, id, p.(*events.RatePayload))
	case events.DriverGetRides, events.PassengerGetRides:
		rides, err := r.trips.History(ctx, id)
		if err != nil {
			return nil, err
		}
		return events.RidesAck{Success: true, Rides: rides}, nil
	case events.DriverGetEarnings:
		e, err := r.trips.Earnings(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		return events.EarningsAck{Success: true, Earnings: e}, nil
	case events.DriverGetStats:
		s, err := r.trips.Stats(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		return events.StatsAck{Success: true, Stats: s}, nil
	case events.ChatSend:
		return r.sendMessage(ctx, id, p.(*events.ChatPayload))
	case events.ChatGet:
		msgs, err := r.trips.Messages(ctx, id.UserID, p.(*events.RideRef).RideID)
		if err != nil {
			return nil, err
		}
		return events.MessagesAck{Success: true, Messages: msgs}, nil
	}
	return nil, apperr.BadRequest("unhandled event %q", event)
}

// reject answers a failed frame on the originating channel: an ack when the
// client asked for one, otherwise an error push.
func (r *Router) reject(c Conn, env events.Envelope, err error) {
	kind := apperr.KindOf(err)
	name := env.Event
	if _, ok := events.Lookup(name); !ok {
		name = "unknown"
	}
	observability.EventsTotal.WithLabelValues(name, kind.String()).Inc()
	if kind == apperr.KindInternal || kind == apperr.KindTimeout {
		r.logger.Error("event failed", "event", env.Event, "channel_id", c.ID(), "error", err)
	} else {
		r.logger.Debug("event rejected", "event", env.Event, "channel_id", c.ID(), "error", err)
	}

	if env.Event == events.DriverAccept {
		_ = c.Push(events.RideError, events.ErrorFor(env.Event, err))
	}
	if env.RequestID != "" {
		_ = c.Reply(env.RequestID, events.Fail(err))
		return
	}
	if env.Event != events.DriverAccept {
		_ = c.Push(events.Error, events.ErrorFor(env.Event, err))
	}
}

// push sends to userID's live channel, if any.
func (r *Router) push(userID, event string, data any) bool {
	if userID == "" {
		return false
	}
	ch, ok := r.reg.Lookup(userID)
	if !ok {
		return false
	}
	return ch.Push(event, data) == nil
}

// Closed releases everything tied to c. A channel that was already evicted
// by a newer one leaves the identity's state alone.
func (r *Router) Closed(c Conn) {
	id, ok := r.reg.Unbind(c)
	observability.BoundIdentities.Set(float64(r.reg.Len()))
	if !ok {
		return
	}
	if id.Role == models.RoleDriver {
		r.presence.SetOffline(id.UserID)
	}
	r.logger.Info("channel closed", "user_id", id.UserID, "role", id.Role)
}

// Sweep prunes bindings whose channel died without a close event, and
// offers for trips that are no longer pending.
func (r *Router) Sweep() int {
	if n := r.matcher.Prune(r.stillPending); n > 0 {
		r.logger.Info("pruned stale ride offers", "count", n)
	}

	pruned := r.reg.Sweep()
	for _, id := range pruned {
		if id.Role == models.RoleDriver {
			r.presence.SetOffline(id.UserID)
		}
	}
	if len(pruned) > 0 {
		observability.SweptBindings.Add(float64(len(pruned)))
		r.logger.Info("swept dead bindings", "count", len(pruned))
	}
	observability.BoundIdentities.Set(float64(r.reg.Len()))
	return len(pruned)
}

func (r *Router) stillPending(tripID string) bool {
	ok, err := r.trips.Pending(context.Background(), tripID)
	if err != nil {
		// keep the offers until the store answers
		r.logger.Warn("pending check failed", "trip_id", tripID, "error", err)
		return true
	}
	return ok
}

// Run sweeps on a fixed interval until ctx is done, then stops pending
// request timers.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	defer r.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
