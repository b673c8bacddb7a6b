package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/auth"
	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/eta"
	"github.com/example/ride-realtime/internal/events"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/pricing"
	"github.com/example/ride-realtime/internal/ratelimit"
	"github.com/example/ride-realtime/internal/router"
	"github.com/example/ride-realtime/internal/trip"
)

const maxBodyBytes = 1 << 20

// TripQueries is the read side of the trip machine used by REST.
type TripQueries interface {
	History(ctx context.Context, id models.Identity) ([]*models.Trip, error)
	Earnings(ctx context.Context, driverID string) (trip.Earnings, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Router  *router.Router
	Limiter *ratelimit.ConnLimiter
	Tokens  *auth.Issuer
	Auth    *auth.Service
	Trips   TripQueries
	ETA     *eta.Estimator
	Store   Pinger
	Session dispatch.SessionConfig
	Logger  *slog.Logger
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		deps:   d,
		logger: d.Logger,
		mux:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// channels authenticate by token, not origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")
	s.mux.HandleFunc("/api/auth/register", s.handleRegister).Methods("POST")
	s.mux.HandleFunc("/api/auth/login", s.handleLogin).Methods("POST")
	s.mux.HandleFunc("/api/rides", s.withIdentity(s.handleRides)).Methods("GET")
	s.mux.HandleFunc("/api/driver/earnings", s.withIdentity(s.handleEarnings)).Methods("GET")
	s.mux.HandleFunc("/api/rides/estimate", s.handleEstimate).Methods("POST")
	s.mux.HandleFunc("/api/passenger/demand-multiplier", s.handleDemand).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleWS admits, authenticates and upgrades a realtime channel, then
// serves it until it closes. The limiter slot is held for the channel's
// whole life.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)
	if !s.deps.Limiter.Admit(addr) {
		observability.ConnectionsRejected.Inc()
		s.logger.Warn("channel rejected", "remote_addr", addr, "open", s.deps.Limiter.Open(addr))
		writeError(w, apperr.ErrRateLimited)
		return
	}
	defer s.deps.Limiter.Release(addr)

	var verified models.Identity
	if tok := auth.TokenFromRequest(r); tok != "" {
		id, err := s.deps.Tokens.Verify(tok)
		if err != nil {
			writeError(w, err)
			return
		}
		verified = id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered
		s.logger.Debug("upgrade failed", "remote_addr", addr, "error", err)
		return
	}
	sess := dispatch.NewSession(conn, addr, verified, s.deps.Session, s.logger)
	observability.ConnectionsOpen.Inc()
	defer observability.ConnectionsOpen.Dec()
	s.logger.Debug("channel opened", "channel_id", sess.ID(), "remote_addr", addr)

	sess.Run(r.Context(), func(ctx context.Context, c *dispatch.Session, frame []byte) {
		s.deps.Router.Handle(ctx, c, frame)
	})
	s.deps.Router.Closed(sess)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.deps.Auth.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.deps.Auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRides(w http.ResponseWriter, r *http.Request, id models.Identity) {
	rides, err := s.deps.Trips.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events.RidesAck{Success: true, Rides: rides})
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request, id models.Identity) {
	if id.Role != models.RoleDriver {
		writeError(w, apperr.Forbidden("earnings are only available to drivers"))
		return
	}
	e, err := s.deps.Trips.Earnings(r.Context(), id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events.EarningsAck{Success: true, Earnings: e})
}

type estimateRequest struct {
	Origin      *models.Coord `json:"origin"`
	Destination *models.Coord `json:"destination"`
}

type estimateResponse struct {
	Distance   float64         `json:"distance"`
	Duration   float64         `json:"duration"`
	Multiplier float64         `json:"multiplier"`
	Prices     []pricing.Quote `json:"prices"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Origin == nil || req.Destination == nil || !req.Origin.Valid() || !req.Destination.Valid() {
		writeError(w, apperr.BadRequest("origin and destination must be valid coordinates"))
		return
	}
	route := s.deps.ETA.Route(r.Context(), *req.Origin, *req.Destination)
	demand := pricing.DemandMultiplier(s.now())
	writeJSON(w, http.StatusOK, estimateResponse{
		Distance:   route.Distance,
		Duration:   route.Duration,
		Multiplier: demand,
		Prices:     pricing.Estimate(route.Distance, route.Duration, demand),
	})
}

func (s *Server) handleDemand(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"multiplier": pricing.DemandMultiplier(s.now())})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("store not ready", "error", err)
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id models.Identity)

// withIdentity requires a valid bearer token.
func (s *Server) withIdentity(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := auth.TokenFromRequest(r)
		if tok == "" {
			writeError(w, apperr.New(apperr.KindUnauthenticated, "bearer token required"))
			return
		}
		id, err := s.deps.Tokens.Verify(tok)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, id)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the same failure body the realtime channel uses.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), events.Fail(err))
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindBadRequest:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindAlreadyTaken:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
