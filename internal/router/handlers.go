package router

import (
	"context"
	"time"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/events"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/trip"
)

func (r *Router) authenticate(ctx context.Context, c Conn, p *events.AuthenticatePayload) (any, error) {
	sub := p.Subject()
	verified, ok := c.Verified()
	switch {
	case ok && verified != sub:
		return nil, apperr.Forbidden("identity does not match the bearer token")
	case !ok && r.opts.RequireToken:
		return nil, apperr.New(apperr.KindUnauthenticated, "bearer token required")
	}

	var active *models.Trip
	if sub.Role == models.RoleDriver {
		var err error
		if active, err = r.trips.ActiveForDriver(ctx, sub.UserID); err != nil {
			return nil, err
		}
	}

	prev, hadPrev := r.reg.IdentityOf(c)
	if evicted := r.reg.Bind(sub, c); evicted != nil {
		r.logger.Info("channel replaced", "user_id", sub.UserID, "old_channel_id", evicted.ID(), "channel_id", c.ID())
	}
	if hadPrev && prev.UserID != sub.UserID && prev.Role == models.RoleDriver {
		r.presence.SetOffline(prev.UserID)
	}
	observability.BoundIdentities.Set(float64(r.reg.Len()))

	ack := events.AuthAck{Success: true, Role: sub.Role}
	if sub.Role == models.RoleDriver {
		ack.Status = r.presence.SetOnline(sub.UserID, active != nil).Status
		_ = c.Push(events.StatusUpdated, events.StatusPush{Status: ack.Status})
	}
	_ = c.Push(events.Authenticated, ack)
	r.logger.Info("channel authenticated", "user_id", sub.UserID, "role", sub.Role, "channel_id", c.ID())
	return ack, nil
}

func (r *Router) checkStatus(c Conn) events.CheckStatusAck {
	id, bound := r.reg.IdentityOf(c)
	out := events.CheckStatusAck{UserID: id.UserID, Role: id.Role, Authenticated: bound}
	if !bound {
		return out
	}
	if ch, ok := r.reg.Lookup(id.UserID); ok && ch.ID() == c.ID() {
		out.Bound = true
	}
	if id.Role == models.RoleDriver {
		p, _ := r.presence.Get(id.UserID)
		out.Presence = &p
	}
	return out
}

func (r *Router) updateStatus(ctx context.Context, c Conn, id models.Identity, p *events.StatusPayload) (any, error) {
	var pres models.DriverPresence
	if p.Online() {
		active, err := r.trips.ActiveForDriver(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		pres = r.presence.SetOnline(id.UserID, active != nil)
	} else {
		pres = r.presence.SetOffline(id.UserID)
	}
	_ = c.Push(events.StatusUpdated, events.StatusPush{Status: pres.Status})
	return events.StatusAck{Success: true, Status: pres.Status}, nil
}

func (r *Router) updateLocation(ctx context.Context, id models.Identity, p *events.LocationPayload) (any, error) {
	loc := p.Coord()
	pres := r.presence.UpdateLocation(id.UserID, loc)
	if r.locations != nil {
		u := models.LocationUpdate{DriverID: id.UserID, Location: loc, Status: pres.Status, At: pres.LastUpdated}
		if err := r.locations.PublishLocation(ctx, u); err != nil {
			r.logger.Warn("publish location failed", "driver_id", id.UserID, "error", err)
		}
	}
	t, err := r.trips.TrackDriver(ctx, id.UserID, loc)
	if err != nil {
		return nil, err
	}
	if t != nil {
		r.push(t.RiderID, events.RideDriverLocation, events.LocationPush{RideID: t.ID, Location: loc})
	}
	return events.OK{Success: true}, nil
}

func (r *Router) requestRide(ctx context.Context, id models.Identity, p *events.RequestRidePayload) (any, error) {
	t, err := r.trips.Create(ctx, id.UserID, trip.CreateRequest{
		Origin:        *p.Origin,
		Destination:   *p.Destination,
		Price:         *p.Price,
		Distance:      *p.Distance,
		Duration:      *p.Duration,
		PaymentMethod: models.PaymentMethod(p.PaymentMethod),
	})
	if err != nil {
		return nil, err
	}
	n := r.matcher.Broadcast(ctx, t)
	r.scheduleExpiry(t.ID)
	return events.RequestRideAck{Success: true, Ride: t, DriversNotified: n}, nil
}

func (r *Router) accept(ctx context.Context, c Conn, id models.Identity, p *events.RideRef) (any, error) {
	t, err := r.trips.Accept(ctx, id.UserID, p.RideID)
	if err != nil {
		return nil, err
	}
	r.stopTimer(t.ID)
	r.matcher.Withdraw(t.ID, id.UserID)
	push := events.RidePush{Ride: t}
	r.push(t.RiderID, events.RideAccepted, push)
	_ = c.Push(events.RideAccepted, push)
	r.push(t.RiderID, events.RideUpdated, t)
	return events.RideAck{Success: true, Ride: t}, nil
}

type driverTransition func(ctx context.Context, driverID, tripID string) (*models.Trip, error)

// advance runs arrive, start or complete and tells the rider.
func (r *Router) advance(ctx context.Context, id models.Identity, p *events.RideRef, fn driverTransition, notice string) (any, error) {
	t, err := fn(ctx, id.UserID, p.RideID)
	if err != nil {
		return nil, err
	}
	r.push(t.RiderID, notice, events.RidePush{Ride: t})
	r.notifyUpdated(t)
	return events.RideAck{Success: true, Ride: t}, nil
}

func (r *Router) cancel(ctx context.Context, id models.Identity, p *events.CancelPayload) (any, error) {
	t, err := r.trips.Cancel(ctx, id.UserID, p.RideID, p.Reason)
	if err != nil {
		return nil, err
	}
	r.stopTimer(t.ID)
	r.matcher.Withdraw(t.ID, "")
	r.push(t.Counterpart(id.UserID), events.RideCancelled, events.CancelledPush{
		Ride:        t,
		Reason:      t.CancelReason,
		CancelledBy: string(id.Role),
	})
	r.notifyUpdated(t)
	return events.RideAck{Success: true, Ride: t}, nil
}

func (r *Router) rate(ctx context.Context, id models.Identity, p *events.RatePayload) (any, error) {
	t, err := r.trips.Rate(ctx, id.UserID, p.RideID, p.Rating)
	if err != nil {
		return nil, err
	}
	r.push(t.Counterpart(id.UserID), events.RideUpdated, t)
	return events.RideAck{Success: true, Ride: t}, nil
}

func (r *Router) sendMessage(ctx context.Context, id models.Identity, p *events.ChatPayload) (any, error) {
	msg, t, err := r.trips.SendMessage(ctx, id.UserID, p.RideID, p.Text)
	if err != nil {
		return nil, err
	}
	push := events.ChatPush{Message: msg}
	r.push(t.RiderID, events.ChatMessage, push)
	r.push(t.DriverID, events.ChatMessage, push)
	return events.MessageAck{Success: true, Message: msg}, nil
}

func (r *Router) notifyUpdated(t *models.Trip) {
	r.push(t.RiderID, events.RideUpdated, t)
	r.push(t.DriverID, events.RideUpdated, t)
}

// scheduleExpiry arms the request timeout for a pending trip.
func (r *Router) scheduleExpiry(tripID string) {
	d := r.opts.RequestTimeout
	if d <= 0 {
		return
	}
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	if r.closed {
		return
	}
	r.timers[tripID] = time.AfterFunc(d, func() { r.expire(tripID) })
}

func (r *Router) stopTimer(tripID string) {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	if t, ok := r.timers[tripID]; ok {
		t.Stop()
		delete(r.timers, tripID)
	}
}

func (r *Router) stopTimers() {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *Router) expire(tripID string) {
	r.timersMu.Lock()
	delete(r.timers, tripID)
	r.timersMu.Unlock()

	t, err := r.trips.Expire(context.Background(), tripID, ExpiredReason)
	if err != nil {
		// accepted or cancelled in the meantime
		r.logger.Debug("ride request not expired", "trip_id", tripID, "error", err)
		return
	}
	r.matcher.Withdraw(t.ID, "")
	r.push(t.RiderID, events.RideCancelled, events.CancelledPush{Ride: t, Reason: t.CancelReason, CancelledBy: trip.SystemActor})
	r.push(t.RiderID, events.RideUpdated, t)
	r.logger.Info("ride request expired", "trip_id", t.ID)
}
