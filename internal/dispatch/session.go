// Package dispatch carries frames between the router and one WebSocket
// client. Each Session has a read loop and a write loop; all writes go
// through a bounded queue so a slow client never blocks the caller.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-realtime/internal/events"
	"github.com/example/ride-realtime/internal/models"
)

var (
	ErrClosed       = errors.New("dispatch: session closed")
	ErrSlowConsumer = errors.New("dispatch: send queue full")
)

type SessionConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	MaxFrame     int64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 64 << 10
	}
	return c
}

// Handler processes one inbound frame. Frames of a session are handled one
// at a time in arrival order.
type Handler func(ctx context.Context, s *Session, frame []byte)

type Session struct {
	id       string
	conn     *websocket.Conn
	remote   string
	verified models.Identity
	cfg      SessionConfig
	logger   *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool
}

// NewSession wraps an upgraded connection. verified is the identity proven by
// a bearer token during the upgrade, or the zero identity.
func NewSession(conn *websocket.Conn, remote string, verified models.Identity, cfg SessionConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Session{
		id:       uuid.NewString(),
		conn:     conn,
		remote:   remote,
		verified: verified,
		cfg:      cfg,
		logger:   logger,
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() string { return s.remote }

func (s *Session) Alive() bool { return s.alive.Load() }

// Verified returns the identity proven at upgrade time.
func (s *Session) Verified() (models.Identity, bool) {
	return s.verified, !s.verified.IsZero()
}

func (s *Session) Push(event string, data any) error {
	return s.Send(events.Outbound{Event: event, Data: data})
}

// Reply acknowledges the inbound frame carrying requestID.
func (s *Session) Reply(requestID string, data any) error {
	return s.Send(events.Outbound{Event: events.Ack, RequestID: requestID, Data: data})
}

// Send queues msg for the write loop. A full queue closes the session.
func (s *Session) Send(msg events.Outbound) error {
	if !s.Alive() {
		return ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	case s.send <- b:
		return nil
	default:
		s.logger.Warn("closing slow session", "session_id", s.id, "remote_addr", s.remote)
		s.Close()
		return ErrSlowConsumer
	}
}

// Close marks the session dead and stops both loops. The write loop sends a
// close frame and releases the connection. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
	})
}

// Run starts the write loop and reads until the connection fails or ctx is
// cancelled. It closes the session before returning.
func (s *Session) Run(ctx context.Context, handle Handler) {
	defer s.Close()
	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.conn.SetReadLimit(s.cfg.MaxFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		kind, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("session read error", "session_id", s.id, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		handle(ctx, s, frame)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.Close()
				return
			}
		}
	}
}
