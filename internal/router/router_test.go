package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-realtime/internal/events"
	"github.com/example/ride-realtime/internal/matcher"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/presence"
	"github.com/example/ride-realtime/internal/registry"
	"github.com/example/ride-realtime/internal/storage"
	"github.com/example/ride-realtime/internal/trip"
)

// frame is what a fake connection captured, decoded back from JSON so tests
// see exactly what a client would.
type frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

type fakeConn struct {
	id       string
	verified models.Identity

	mu     sync.Mutex
	dead   bool
	frames []frame
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

func (c *fakeConn) Verified() (models.Identity, bool) { return c.verified, !c.verified.IsZero() }

func (c *fakeConn) record(out events.Outbound) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Push(event string, data any) error {
	return c.record(events.Outbound{Event: event, Data: data})
}

func (c *fakeConn) Reply(requestID string, data any) error {
	return c.record(events.Outbound{Event: events.Ack, RequestID: requestID, Data: data})
}

func (c *fakeConn) named(event string) []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frame
	for _, f := range c.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) ack(t *testing.T, requestID string) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.Event == events.Ack && f.RequestID == requestID {
			var m map[string]any
			if err := json.Unmarshal(f.Data, &m); err != nil {
				t.Fatal(err)
			}
			return m
		}
	}
	t.Fatalf("no ack for %s on %s", requestID, c.id)
	return nil
}

type harness struct {
	router  *Router
	reg     *registry.Registry
	tracker *presence.Tracker
	store   *storage.MemoryStore
	machine *trip.Machine
	matcher *matcher.Service
	seq     int
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg := registry.New()
	tracker := presence.NewTracker(nil)
	store := storage.NewMemoryStore()
	machine := trip.NewMachine(store, tracker)
	bc := &matcher.Service{Presence: tracker, Channels: reg}
	return &harness{
		router:  New(reg, tracker, machine, bc, nil, opts),
		reg:     reg,
		tracker: tracker,
		store:   store,
		machine: machine,
		matcher: bc,
	}
}

// send delivers one frame and returns its request id.
func (h *harness) send(c *fakeConn, event string, data any) string {
	h.seq++
	rid := fmt.Sprintf("req-%d", h.seq)
	b, _ := json.Marshal(map[string]any{"event": event, "requestId": rid, "data": data})
	h.router.Handle(context.Background(), c, b)
	return rid
}

func (h *harness) login(t *testing.T, c *fakeConn, user string, role models.Role) {
	t.Helper()
	rid := h.send(c, events.Authenticate, map[string]string{"identity": user, "role": string(role)})
	if ack := c.ack(t, rid); ack["success"] != true {
		t.Fatalf("authenticate %s failed: %v", user, ack)
	}
}

func rideRequest() map[string]any {
	return map[string]any{
		"origin":        map[string]any{"lat": -23.55, "lng": -46.63, "address": "O"},
		"destination":   map[string]any{"lat": -23.56, "lng": -46.65, "address": "D"},
		"price":         15.00,
		"distance":      3200,
		"duration":      600,
		"paymentMethod": "cash",
	}
}

func (h *harness) requestRide(t *testing.T, rider *fakeConn) (string, float64) {
	t.Helper()
	ack := rider.ack(t, h.send(rider, events.PassengerRequest, rideRequest()))
	if ack["success"] != true {
		t.Fatalf("request ride failed: %v", ack)
	}
	ride := ack["ride"].(map[string]any)
	return ride["id"].(string), ack["driversNotified"].(float64)
}

func code(ack map[string]any) string {
	s, _ := ack["code"].(string)
	return s
}

func TestTwoDriversRaceForOneRide(t *testing.T) {
	h := newHarness(t, Options{})
	rider, d1, d2 := newConn("c-r"), newConn("c-d1"), newConn("c-d2")
	h.login(t, rider, "rider1", models.RoleRider)
	h.login(t, d1, "driver1", models.RoleDriver)
	h.login(t, d2, "driver2", models.RoleDriver)

	rideID, notified := h.requestRide(t, rider)
	if notified != 2 {
		t.Fatalf("expected 2 drivers notified, got %v", notified)
	}
	if len(d1.named(events.RideRequest)) != 1 || len(d2.named(events.RideRequest)) != 1 {
		t.Fatalf("both drivers should have received the request")
	}

	if ack := d1.ack(t, h.send(d1, events.DriverAccept, map[string]string{"rideId": rideID})); ack["success"] != true {
		t.Fatalf("driver1 accept failed: %v", ack)
	}
	ack := d2.ack(t, h.send(d2, events.DriverAccept, map[string]string{"rideId": rideID}))
	if ack["success"] != false || code(ack) != "already_taken" {
		t.Fatalf("driver2 should see already_taken, got %v", ack)
	}
	if len(d2.named(events.RideError)) != 1 {
		t.Fatalf("driver2 should receive ride:error")
	}

	accepted := rider.named(events.RideAccepted)
	if len(accepted) != 1 {
		t.Fatalf("rider should get exactly one ride:accepted, got %d", len(accepted))
	}
	var push struct {
		Ride models.Trip `json:"ride"`
	}
	if err := json.Unmarshal(accepted[0].Data, &push); err != nil {
		t.Fatal(err)
	}
	if push.Ride.DriverID != "driver1" || push.Ride.Status != models.TripAccepted {
		t.Fatalf("unexpected accepted ride %+v", push.Ride)
	}
	if got := d2.named(events.RideUnavailable); len(got) != 1 {
		t.Fatalf("driver2 should be told the ride is gone, got %d", len(got))
	}
	if got := d1.named(events.RideUnavailable); len(got) != 0 {
		t.Fatalf("winner must not get ride:unavailable")
	}
}

func TestDriverLifecycleAndSkippedStep(t *testing.T) {
	h := newHarness(t, Options{})
	rider, d1 := newConn("c-r"), newConn("c-d1")
	h.login(t, rider, "rider1", models.RoleRider)
	h.login(t, d1, "driver1", models.RoleDriver)
	rideID, _ := h.requestRide(t, rider)
	ref := map[string]string{"rideId": rideID}

	h.send(d1, events.DriverAccept, ref)
	ack := d1.ack(t, h.send(d1, events.DriverStart, ref))
	if code(ack) != "invalid_transition" {
		t.Fatalf("start from accepted should be invalid, got %v", ack)
	}
	stored, _ := h.store.GetTrip(context.Background(), rideID)
	if stored.Status != models.TripAccepted {
		t.Fatalf("status moved to %s", stored.Status)
	}

	for _, ev := range []string{events.DriverArrived, events.DriverStart, events.DriverFinish} {
		if ack := d1.ack(t, h.send(d1, ev, ref)); ack["success"] != true {
			t.Fatalf("%s failed: %v", ev, ack)
		}
	}
	for _, ev := range []string{events.RideDriverArrived, events.RideStarted, events.RideCompleted} {
		if len(rider.named(ev)) != 1 {
			t.Fatalf("rider missing %s", ev)
		}
	}
	if p, _ := h.tracker.Get("driver1"); p.Status != models.DriverAvailable {
		t.Fatalf("driver should be available after completion, got %s", p.Status)
	}
}

func TestRiderCancelFreesDriver(t *testing.T) {
	h := newHarness(t, Options{})
	rider, d1 := newConn("c-r"), newConn("c-d1")
	h.login(t, rider, "rider1", models.RoleRider)
	h.login(t, d1, "driver1", models.RoleDriver)
	rideID, _ := h.requestRide(t, rider)
	ref := map[string]string{"rideId": rideID}
	h.send(d1, events.DriverAccept, ref)

	ack := rider.ack(t, h.send(rider, events.RideCancel, map[string]string{"rideId": rideID, "reason": "too slow"}))
	if ack["success"] != true {
		t.Fatalf("cancel failed: %v", ack)
	}
	if p, _ := h.tracker.Get("driver1"); p.Status != models.DriverAvailable {
		t.Fatalf("driver should be available, got %s", p.Status)
	}
	cancelled := d1.named(events.RideCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("driver should be told about the cancel")
	}
	var push events.CancelledPush
	_ = json.Unmarshal(cancelled[0].Data, &push)
	if push.CancelledBy != "rider" || push.Reason != "too slow" {
		t.Fatalf("unexpected cancel push %+v", push)
	}
	if code(d1.ack(t, h.send(d1, events.DriverArrived, ref))) != "invalid_transition" {
		t.Fatalf("arrive after cancel must be invalid")
	}
}

func TestAuthorizationAtBoundary(t *testing.T) {
	h := newHarness(t, Options{})
	anon, rider := newConn("c-a"), newConn("c-r")

	if code(anon.ack(t, h.send(anon, events.PassengerRequest, rideRequest()))) != "unauthenticated" {
		t.Fatalf("unbound channel must be unauthenticated")
	}
	h.login(t, rider, "rider1", models.RoleRider)
	if code(rider.ack(t, h.send(rider, events.DriverAccept, map[string]string{"rideId": "x"}))) != "forbidden" {
		t.Fatalf("rider sending driver event must be forbidden")
	}

	// the role gate answers before payload validation
	if code(anon.ack(t, h.send(anon, events.DriverAccept, map[string]string{}))) != "unauthenticated" {
		t.Fatalf("unbound channel with an empty payload must be unauthenticated")
	}
	if code(rider.ack(t, h.send(rider, events.DriverAccept, map[string]string{}))) != "forbidden" {
		t.Fatalf("rider with an empty payload must be forbidden")
	}

	// no request id: the error is pushed instead of acknowledged
	h.router.Handle(context.Background(), rider, []byte(`{"event":"nope"}`))
	errs := rider.named(events.Error)
	if len(errs) != 1 {
		t.Fatalf("expected an error push, got %d", len(errs))
	}

	stranger := newConn("c-s")
	h.login(t, stranger, "rider2", models.RoleRider)
	rideID, _ := h.requestRide(t, rider)
	if code(stranger.ack(t, h.send(stranger, events.RideGet, map[string]string{"rideId": rideID}))) != "forbidden" {
		t.Fatalf("non participant must not read the ride")
	}
	if code(stranger.ack(t, h.send(stranger, events.RideGet, map[string]string{"rideId": "missing"}))) != "not_found" {
		t.Fatalf("missing ride must be not_found")
	}
}

func TestVerifiedIdentityMustMatch(t *testing.T) {
	h := newHarness(t, Options{RequireToken: true})
	c := newConn("c1")
	if code(c.ack(t, h.send(c, events.Authenticate, map[string]string{"identity": "u1", "role": "rider"}))) != "unauthenticated" {
		t.Fatalf("token should be required")
	}
	c.verified = models.Identity{UserID: "u1", Role: models.RoleRider}
	if code(c.ack(t, h.send(c, events.Authenticate, map[string]string{"identity": "u2", "role": "rider"}))) != "forbidden" {
		t.Fatalf("mismatched identity must be forbidden")
	}
	h.login(t, c, "u1", models.RoleRider)
}

func TestRebindAndStaleClose(t *testing.T) {
	h := newHarness(t, Options{})
	old, fresh := newConn("c-old"), newConn("c-new")
	h.login(t, old, "driver1", models.RoleDriver)
	h.login(t, fresh, "driver1", models.RoleDriver)

	h.router.Closed(old)
	if ch, ok := h.reg.Lookup("driver1"); !ok || ch.ID() != "c-new" {
		t.Fatalf("stale close removed the live binding")
	}
	if p, _ := h.tracker.Get("driver1"); p.Status != models.DriverAvailable {
		t.Fatalf("stale close must not take the driver offline")
	}
	h.router.Closed(fresh)
	if p, _ := h.tracker.Get("driver1"); p.Status != models.DriverOffline {
		t.Fatalf("driver should be offline after disconnect")
	}
}

func TestSweepPrunesDeadChannels(t *testing.T) {
	h := newHarness(t, Options{})
	d1, d2 := newConn("c-d1"), newConn("c-d2")
	h.login(t, d1, "driver1", models.RoleDriver)
	h.login(t, d2, "driver2", models.RoleDriver)
	d1.kill()

	if n := h.router.Sweep(); n != 1 {
		t.Fatalf("expected 1 pruned binding, got %d", n)
	}
	if p, _ := h.tracker.Get("driver1"); p.Status != models.DriverOffline {
		t.Fatalf("swept driver should be offline")
	}
	if _, ok := h.reg.Lookup("driver2"); !ok {
		t.Fatalf("live binding was swept")
	}
}

func TestSweepPrunesOffersForFinishedTrips(t *testing.T) {
	h := newHarness(t, Options{})
	rider, d1 := newConn("c-r"), newConn("c-d1")
	h.login(t, rider, "rider1", models.RoleRider)
	h.login(t, d1, "driver1", models.RoleDriver)
	open, _ := h.requestRide(t, rider)
	gone, _ := h.requestRide(t, rider)
	if h.matcher.Pending() != 2 {
		t.Fatalf("expected offers for both rides, got %d", h.matcher.Pending())
	}

	// ended behind the router's back
	if _, err := h.machine.Cancel(context.Background(), "rider1", gone, "changed plans"); err != nil {
		t.Fatal(err)
	}
	h.router.Sweep()
	if h.matcher.Pending() != 1 {
		t.Fatalf("expected only the pending ride to keep offers, got %d", h.matcher.Pending())
	}
	unavailable := d1.named(events.RideUnavailable)
	if len(unavailable) != 1 {
		t.Fatalf("driver should be told the ride is gone, got %d", len(unavailable))
	}
	var push events.UnavailablePush
	_ = json.Unmarshal(unavailable[0].Data, &push)
	if push.RideID != gone || push.RideID == open {
		t.Fatalf("withdrew the wrong ride %+v", push)
	}
}

func TestLocationReachesRiderDuringTrip(t *testing.T) {
	h := newHarness(t, Options{})
	rider, d1 := newConn("c-r"), newConn("c-d1")
	h.login(t, rider, "rider1", models.RoleRider)
	h.login(t, d1, "driver1", models.RoleDriver)

	h.send(d1, events.UpdateLocation, map[string]float64{"lat": -23.5, "lng": -46.6})
	if len(rider.named(events.RideDriverLocation)) != 0 {
		t.Fatalf("no trip yet, nothing should be forwarded")
	}
	rideID, _ := h.requestRide(t, rider)
	h.send(d1, events.DriverAccept, map[string]string{"rideId": rideID})
	h.send(d1, events.UpdateLocation, map[string]float64{"lat": -23.51, "lng": -46.61})
	got := rider.named(events.RideDriverLocation)
	if len(got) != 1 {
		t.Fatalf("expected one location push, got %d", len(got))
	}
	var push events.LocationPush
	_ = json.Unmarshal(got[0].Data, &push)
	if push.RideID != rideID || push.Location.Lat != -23.51 {
		t.Fatalf("unexpected location push %+v", push)
	}
}

func TestChatAndRating(t *testing.T) {
	h := newHarness(t, Options{})
	rider, d1 := newConn("c-r"), newConn("c-d1")
	h.login(t, rider, "rider1", models.RoleRider)
	h.login(t, d1, "driver1", models.RoleDriver)
	rideID, _ := h.requestRide(t, rider)
	ref := map[string]string{"rideId": rideID}
	h.send(d1, events.DriverAccept, ref)

	h.send(rider, events.ChatSend, map[string]string{"rideId": rideID, "text": "at the gate"})
	if len(d1.named(events.ChatMessage)) != 1 || len(rider.named(events.ChatMessage)) != 1 {
		t.Fatalf("chat should reach both participants")
	}
	msgs := d1.ack(t, h.send(d1, events.ChatGet, ref))["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	for _, ev := range []string{events.DriverArrived, events.DriverStart, events.DriverComplete} {
		h.send(d1, ev, ref)
	}
	ack := rider.ack(t, h.send(rider, events.RideRate, map[string]any{"rideId": rideID, "rating": 5}))
	if ack["success"] != true {
		t.Fatalf("rating failed: %v", ack)
	}
	earn := d1.ack(t, h.send(d1, events.DriverGetEarnings, nil))["earnings"].(map[string]any)
	if earn["total"].(float64) != 15 || earn["rating"].(float64) != 5 {
		t.Fatalf("unexpected earnings %v", earn)
	}
	rides := rider.ack(t, h.send(rider, events.PassengerGetRides, nil))["rides"].([]any)
	if len(rides) != 1 {
		t.Fatalf("expected 1 finished ride, got %d", len(rides))
	}
}

func TestRequestTimeoutCancelsPendingRide(t *testing.T) {
	h := newHarness(t, Options{RequestTimeout: 20 * time.Millisecond})
	rider, d1 := newConn("c-r"), newConn("c-d1")
	h.login(t, rider, "rider1", models.RoleRider)
	h.login(t, d1, "driver1", models.RoleDriver)
	rideID, _ := h.requestRide(t, rider)

	deadline := time.Now().Add(2 * time.Second)
	for len(rider.named(events.RideCancelled)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending ride was not expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stored, _ := h.store.GetTrip(context.Background(), rideID)
	if stored.Status != models.TripCancelled || stored.CancelledBy != trip.SystemActor {
		t.Fatalf("unexpected expired trip %+v", stored)
	}
	if len(d1.named(events.RideUnavailable)) != 1 {
		t.Fatalf("notified driver should be told the ride is gone")
	}
	if code(d1.ack(t, h.send(d1, events.DriverAccept, map[string]string{"rideId": rideID}))) != "invalid_transition" {
		t.Fatalf("accept after expiry must fail")
	}
}
