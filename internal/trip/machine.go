// Package trip owns the ride lifecycle. Every write to a trip record goes
// through Machine, which holds a per-trip lock and commits with a
// compare-and-swap on the stored status.
package trip

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/storage"
)

// Transition names, used for metrics and the event stream.
const (
	OpCreate   = "create"
	OpAccept   = "accept"
	OpArrive   = "arrive"
	OpStart    = "start"
	OpComplete = "complete"
	OpCancel   = "cancel"
	OpRate     = "rate"
)

// SystemActor is recorded as cancelledBy when the server cancels a request.
const SystemActor = "system"

// Drivers is the presence side of a transition.
type Drivers interface {
	Reserve(driverID string) bool
	Release(driverID string) bool
}

// Publisher receives a TripEvent after each committed transition.
type Publisher interface {
	PublishTripEvent(ctx context.Context, ev models.TripEvent) error
}

type Store interface {
	storage.TripStore
	storage.MessageStore
}

// CreateRequest carries the rider supplied fields of a new trip.
type CreateRequest struct {
	Origin        models.Place
	Destination   models.Place
	Price         float64
	Distance      float64
	Duration      float64
	PaymentMethod models.PaymentMethod
}

type Machine struct {
	store        Store
	drivers      Drivers
	publisher    Publisher
	logger       *slog.Logger
	storeTimeout time.Duration
	locks        *keyedMutex
	now          func() time.Time
	newID        func() string
}

type Option func(*Machine)

func WithPublisher(p Publisher) Option { return func(m *Machine) { m.publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithStoreTimeout bounds every persistence call. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option { return func(m *Machine) { m.storeTimeout = d } }

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func NewMachine(store Store, drivers Drivers, opts ...Option) *Machine {
	m := &Machine{
		store:        store,
		drivers:      drivers,
		logger:       slog.Default(),
		storeTimeout: 3 * time.Second,
		locks:        newKeyedMutex(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// step describes one guarded write. apply validates and mutates a fresh copy
// of the trip; rollback undoes side effects of apply when the commit fails;
// commit runs side effects that must follow a successful write.
type step struct {
	op       string
	actorID  string
	apply    func(t *models.Trip) error
	rollback func(t *models.Trip)
	commit   func(t *models.Trip)
	// conflict is returned when the stored status moved under us.
	conflict error
}

func (m *Machine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.storeTimeout)
}

func (m *Machine) run(ctx context.Context, tripID string, s step) (*models.Trip, error) {
	t, err := m.runLocked(ctx, tripID, s)
	if err != nil {
		observability.TransitionsTotal.WithLabelValues(s.op, apperr.KindOf(err).String()).Inc()
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(s.op, "ok").Inc()
	m.publish(ctx, t, s.op, s.actorID)
	return t, nil
}

func (m *Machine) runLocked(ctx context.Context, tripID string, s step) (*models.Trip, error) {
	if tripID == "" {
		return nil, apperr.BadRequest("rideId is required")
	}
	unlock := m.locks.Lock(tripID)
	defer unlock()

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	t, err := m.load(ctx, tripID)
	if err != nil {
		return nil, err
	}
	expected := t.Status
	if err := s.apply(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = m.now()

	ok, err := m.store.SwapTrip(ctx, t, expected)
	if err == nil && !ok {
		err = s.conflict
		if err == nil {
			err = apperr.InvalidTransition("ride changed concurrently")
		}
	}
	if err != nil {
		if s.rollback != nil {
			s.rollback(t)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("ride not found")
		}
		return nil, apperr.FromStore(err)
	}
	if s.commit != nil {
		s.commit(t)
	}
	return t, nil
}

func (m *Machine) load(ctx context.Context, tripID string) (*models.Trip, error) {
	t, err := m.store.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride not found")
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return t, nil
}

func (m *Machine) publish(ctx context.Context, t *models.Trip, op, actorID string) {
	if m.publisher == nil {
		return
	}
	ev := models.TripEvent{TripID: t.ID, Type: op, Status: t.Status, ActorID: actorID, At: t.UpdatedAt}
	ctx, cancel := m.withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	if err := m.publisher.PublishTripEvent(ctx, ev); err != nil {
		m.logger.Warn("publish trip event failed", "trip_id", t.ID, "type", op, "error", err)
	}
}

// Create stores a new pending trip for riderID.
func (m *Machine) Create(ctx context.Context, riderID string, req CreateRequest) (*models.Trip, error) {
	t, err := m.create(ctx, riderID, req)
	if err != nil {
		observability.TransitionsTotal.WithLabelValues(OpCreate, apperr.KindOf(err).String()).Inc()
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(OpCreate, "ok").Inc()
	m.publish(ctx, t, OpCreate, riderID)
	return t, nil
}

func (m *Machine) create(ctx context.Context, riderID string, req CreateRequest) (*models.Trip, error) {
	if riderID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if err := validateCreate(&req); err != nil {
		return nil, err
	}
	now := m.now()
	t := &models.Trip{
		ID:            m.newID(),
		RiderID:       riderID,
		Origin:        req.Origin,
		Destination:   req.Destination,
		Price:         req.Price,
		Distance:      req.Distance,
		Duration:      req.Duration,
		PaymentMethod: req.PaymentMethod,
		Status:        models.TripPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.store.CreateTrip(ctx, t); err != nil {
		return nil, apperr.FromStore(err)
	}
	return t, nil
}

func validateCreate(req *CreateRequest) error {
	if !req.Origin.Valid() {
		return apperr.BadRequest("origin is out of range")
	}
	if !req.Destination.Valid() {
		return apperr.BadRequest("destination is out of range")
	}
	if req.Price < 0 || req.Distance < 0 || req.Duration < 0 {
		return apperr.BadRequest("price, distance and duration must not be negative")
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentCash
	}
	if !req.PaymentMethod.Valid() {
		return apperr.BadRequest("unknown payment method %q", req.PaymentMethod)
	}
	return nil
}

// Accept assigns driverID to a pending trip. Of any number of concurrent
// accepts exactly one succeeds; the rest get AlreadyTaken.
func (m *Machine) Accept(ctx context.Context, driverID, tripID string) (*models.Trip, error) {
	return m.run(ctx, tripID, step{
		op:      OpAccept,
		actorID: driverID,
		apply: func(t *models.Trip) error {
			switch {
			case t.Status == models.TripCancelled:
				return apperr.InvalidTransition("ride was cancelled")
			case t.Status != models.TripPending:
				return apperr.ErrAlreadyTaken
			}
			if !m.drivers.Reserve(driverID) {
				return apperr.InvalidTransition("driver is not available")
			}
			t.DriverID = driverID
			t.Status = models.TripAccepted
			return nil
		},
		rollback: func(*models.Trip) { m.drivers.Release(driverID) },
		conflict: apperr.ErrAlreadyTaken,
	})
}

// driverStep builds the arrive, start and complete steps, which share the
// same shape: assigned driver only, one fixed predecessor status.
func (m *Machine) driverStep(op, driverID string, from, to models.TripStatus) step {
	return step{
		op:      op,
		actorID: driverID,
		apply: func(t *models.Trip) error {
			if t.Status != from {
				return apperr.InvalidTransition("cannot %s a ride that is %s", op, t.Status)
			}
			if t.DriverID != driverID {
				return apperr.InvalidTransition("ride is assigned to another driver")
			}
			t.Status = to
			return nil
		},
	}
}

func (m *Machine) Arrive(ctx context.Context, driverID, tripID string) (*models.Trip, error) {
	return m.run(ctx, tripID, m.driverStep(OpArrive, driverID, models.TripAccepted, models.TripCollecting))
}

func (m *Machine) Start(ctx context.Context, driverID, tripID string) (*models.Trip, error) {
	return m.run(ctx, tripID, m.driverStep(OpStart, driverID, models.TripCollecting, models.TripInProgress))
}

// Complete finishes the trip and returns the driver to available.
func (m *Machine) Complete(ctx context.Context, driverID, tripID string) (*models.Trip, error) {
	s := m.driverStep(OpComplete, driverID, models.TripInProgress, models.TripCompleted)
	s.commit = func(t *models.Trip) { m.drivers.Release(t.DriverID) }
	return m.run(ctx, tripID, s)
}

// Cancel ends a non-terminal trip on behalf of one of its participants. An
// assigned driver goes back to available whoever cancels.
func (m *Machine) Cancel(ctx context.Context, actorID, tripID, reason string) (*models.Trip, error) {
	return m.run(ctx, tripID, step{
		op:      OpCancel,
		actorID: actorID,
		apply: func(t *models.Trip) error {
			if !t.Participant(actorID) {
				return apperr.Forbidden("only ride participants may cancel")
			}
			return m.cancel(t, actorID, reason)
		},
		commit: m.releaseAssigned,
	})
}

// Expire cancels a trip that is still pending, on behalf of the server. It
// is a no-op error (InvalidTransition) once any driver has accepted.
func (m *Machine) Expire(ctx context.Context, tripID, reason string) (*models.Trip, error) {
	return m.run(ctx, tripID, step{
		op:      OpCancel,
		actorID: SystemActor,
		apply: func(t *models.Trip) error {
			if t.Status != models.TripPending {
				return apperr.InvalidTransition("ride is %s", t.Status)
			}
			return m.cancel(t, SystemActor, reason)
		},
	})
}

func (m *Machine) cancel(t *models.Trip, actorID, reason string) error {
	if t.Status.Terminal() {
		return apperr.InvalidTransition("ride is already %s", t.Status)
	}
	at := m.now()
	t.Status = models.TripCancelled
	t.CancelReason = reason
	t.CancelledBy = actorID
	t.CancelledAt = &at
	return nil
}

func (m *Machine) releaseAssigned(t *models.Trip) {
	if t.DriverID != "" {
		m.drivers.Release(t.DriverID)
	}
}

// Rate records a 1..5 score from one participant about the other on a
// completed trip. Each side may rate once.
func (m *Machine) Rate(ctx context.Context, userID, tripID string, score int) (*models.Trip, error) {
	if score < 1 || score > 5 {
		return nil, apperr.BadRequest("rating must be between 1 and 5")
	}
	return m.run(ctx, tripID, step{
		op:      OpRate,
		actorID: userID,
		apply: func(t *models.Trip) error {
			if !t.Participant(userID) {
				return apperr.Forbidden("only ride participants may rate")
			}
			if t.Status != models.TripCompleted {
				return apperr.InvalidTransition("only completed rides can be rated")
			}
			v := score
			slot := &t.Rating.Driver
			if userID == t.DriverID {
				slot = &t.Rating.Passenger
			}
			if *slot != nil {
				return apperr.InvalidTransition("ride already rated")
			}
			*slot = &v
			return nil
		},
	})
}

// TrackDriver stores loc on the driver's active trip, if any, and returns
// that trip. It returns (nil, nil) when the driver has no active trip.
func (m *Machine) TrackDriver(ctx context.Context, driverID string, loc models.Coord) (*models.Trip, error) {
	active, err := m.ActiveForDriver(ctx, driverID)
	if err != nil || active == nil {
		return nil, err
	}
	t, err := m.runLocked(ctx, active.ID, step{
		op: "track",
		apply: func(t *models.Trip) error {
			if t.DriverID != driverID || !t.Status.Active() {
				return apperr.InvalidTransition("ride is no longer active")
			}
			l := loc
			t.DriverLocation = &l
			return nil
		},
	})
	if errors.Is(err, apperr.ErrInvalidTransition) {
		return nil, nil
	}
	return t, err
}

// Get returns the trip if userID takes part in it.
func (m *Machine) Get(ctx context.Context, userID, tripID string) (*models.Trip, error) {
	if tripID == "" {
		return nil, apperr.BadRequest("rideId is required")
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	t, err := m.load(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !t.Participant(userID) {
		return nil, apperr.Forbidden("not a participant of this ride")
	}
	return t, nil
}

// Pending reports whether tripID is still waiting for a driver. A missing
// trip is not pending.
func (m *Machine) Pending(ctx context.Context, tripID string) (bool, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	t, err := m.store.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.FromStore(err)
	}
	return t.Status == models.TripPending, nil
}

// ActiveForDriver returns the driver's accepted, collecting or in-progress
// trip, or nil.
func (m *Machine) ActiveForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	t, err := m.store.ActiveTripForDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return t, nil
}
