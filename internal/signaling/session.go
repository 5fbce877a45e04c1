package signaling

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/advocateshub/session-relay/internal/auth"
	"github.com/advocateshub/session-relay/internal/metrics"
	"github.com/advocateshub/session-relay/internal/ratelimit"
	"github.com/advocateshub/session-relay/internal/room"
)

const sessionWriteWait = 5 * time.Second

// ErrSendQueueFull is returned by Deliver when the session's outbound queue
// has no room. The caller treats it as a dead member and prunes the session.
var ErrSendQueueFull = errors.New("session send queue full")

// SessionConfig carries the per-connection tunables a Session needs.
type SessionConfig struct {
	// SendQueueSize is the capacity of the outbound frame queue.
	SendQueueSize int
	// PingInterval is how often the write pump sends pings. Must be
	// shorter than IdleTimeout.
	PingInterval time.Duration
	// IdleTimeout closes the connection when no client traffic (including
	// pong replies) arrives within it.
	IdleTimeout time.Duration
	// MaxMessageBytes caps inbound WebSocket message size. Oversized
	// messages close the connection.
	MaxMessageBytes int64
	// MessagesPerSecond caps inbound frame rate. Zero disables limiting.
	MessagesPerSecond int
}

// Session is one live WebSocket connection to a booking room. It owns the
// read and write pumps for the connection and implements room.Member so the
// registry can fan frames out to it.
//
// All outbound traffic goes through the send queue; the write pump is the
// only goroutine that writes to the connection.
type Session struct {
	id        string
	bookingID string
	identity  auth.Identity

	conn    *websocket.Conn
	cfg     SessionConfig
	limiter *ratelimit.TokenBucket

	registry *room.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger

	send      chan []byte
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an already-upgraded connection. The caller is expected to
// Join the registry before starting the pumps and the session Leaves it on
// Close.
func NewSession(conn *websocket.Conn, bookingID string, identity auth.Identity, cfg SessionConfig, registry *room.Registry, m *metrics.Metrics, logger *slog.Logger) *Session {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}

	var limiter *ratelimit.TokenBucket
	if cfg.MessagesPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(ratelimit.RealClock{}, int64(cfg.MessagesPerSecond), int64(cfg.MessagesPerSecond))
	}

	id := uuid.NewString()
	return &Session{
		id:        id,
		bookingID: bookingID,
		identity:  identity,
		conn:      conn,
		cfg:       cfg,
		limiter:   limiter,
		registry:  registry,
		metrics:   m,
		log:       logger.With("session_id", id, "booking_id", bookingID),
		send:      make(chan []byte, cfg.SendQueueSize),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// BookingID reports the booking room this session belongs to.
func (s *Session) BookingID() string { return s.bookingID }

// Identity reports the authenticated (or anonymous) identity on the session.
func (s *Session) Identity() auth.Identity { return s.identity }

// Deliver enqueues an outbound frame without blocking. A full queue means the
// client is not draining; the session is closed and the error reported so the
// registry prunes it.
func (s *Session) Deliver(data []byte) error {
	select {
	case <-s.done:
		return errors.New("session closed")
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		s.metrics.Inc(metrics.DropReasonSendQueueFull)
		s.log.Warn("send queue full, closing session")
		s.Close(websocket.CloseTryAgainLater, "send queue full")
		return ErrSendQueueFull
	}
}

// Close tears the session down exactly once: leave the room, send a close
// frame, close the connection, and release both pumps.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.registry != nil {
			s.registry.Leave(room.Topic(s.bookingID), s)
		}
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(sessionWriteWait))
		_ = s.conn.Close()
	})
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the write pump. It must run before anything is Delivered to
// the session so the queue drains; history replay can exceed the queue
// capacity otherwise.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.writePump()
	})
}

// Run drives the session until the connection drops or the session is
// closed. Inbound frames are handed to handle; Run blocks until the read
// pump exits.
func (s *Session) Run(handle func(*Session, []byte)) {
	s.Start()
	s.readPump(handle)
}

func (s *Session) readPump(handle func(*Session, []byte)) {
	defer s.Close(websocket.CloseNormalClosure, "")

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	s.resetReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.resetReadDeadline()
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.Inc(metrics.DropReasonMessageTooLarge)
				s.Close(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		s.resetReadDeadline()
		if msgType != websocket.TextMessage {
			continue
		}
		if s.limiter != nil && !s.limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			s.log.Debug("frame dropped, rate limited")
			continue
		}
		handle(s, data)
	}
}

func (s *Session) writePump() {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker = time.NewTicker(s.cfg.PingInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-tick:
			_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) resetReadDeadline() {
	if s.cfg.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
}
