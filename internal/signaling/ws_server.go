package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/advocateshub/session-relay/internal/auth"
	"github.com/advocateshub/session-relay/internal/config"
	"github.com/advocateshub/session-relay/internal/metrics"
	"github.com/advocateshub/session-relay/internal/origin"
	"github.com/advocateshub/session-relay/internal/room"
)

// WebSocketServer implements GET /ws/video_session/{booking_id}/, the
// realtime endpoint a booking's participants connect to for signaling and
// chat.
//
// Connection order matches the platform's consumer: authenticate, join the
// room, replay the chat backlog to the joiner only, then start relaying live
// frames.
type WebSocketServer struct {
	cfg      config.Config
	verifier auth.Verifier
	origins  *origin.Policy

	registry *room.Registry
	router   *Router
	replayer *Replayer
	metrics  *metrics.Metrics
	log      *slog.Logger

	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg config.Config, registry *room.Registry, router *Router, replayer *Replayer, m *metrics.Metrics, logger *slog.Logger) (*WebSocketServer, error) {
	verifier, err := auth.NewVerifier(auth.Mode(cfg.AuthMode), cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	srv := &WebSocketServer{
		cfg:      cfg,
		verifier: verifier,
		origins:  origin.NewPolicy(cfg.AllowedOrigins),
		registry: registry,
		router:   router,
		replayer: replayer,
		metrics:  m,
		log:      logger,
		upgrader: websocket.Upgrader{},
	}
	srv.upgrader.CheckOrigin = srv.checkOrigin
	return srv, nil
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	return s.origins.Check(strings.TrimSpace(r.Header.Get("Origin")), r.Host)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["booking_id"]
	if bookingID == "" {
		http.Error(w, "missing booking id", http.StatusNotFound)
		return
	}

	// Resolve identity before spending an upgrade on the connection. A
	// missing credential degrades to anonymous; a present-but-invalid one is
	// refused outright.
	identity := auth.AnonymousIdentity()
	if cred, err := auth.CredentialFromQuery(r.URL.Query()); err == nil {
		identity, err = s.verifier.Verify(cred)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusForbidden)
			return
		}
		if identity.Room != "" && identity.Room != bookingID {
			http.Error(w, "token not valid for this booking", http.StatusForbidden)
			return
		}
	} else if !errors.Is(err, auth.ErrMissingCredentials) {
		http.Error(w, "invalid credentials", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := NewSession(conn, bookingID, identity, SessionConfig{
		SendQueueSize:     s.cfg.SendQueueSize,
		PingInterval:      s.cfg.WSPingInterval,
		IdleTimeout:       s.cfg.WSIdleTimeout,
		MaxMessageBytes:   s.cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: s.cfg.MaxSignalingMessagesPerSecond,
	}, s.registry, s.metrics, s.log)

	topic := room.Topic(bookingID)
	sess.Start()
	s.registry.Join(topic, sess)
	s.log.Info("session_connected",
		"session_id", sess.ID(),
		"booking_id", bookingID,
		"user_id", identity.ID,
		"anonymous", identity.Anonymous,
		"remote_addr", r.RemoteAddr)
	defer s.log.Info("session_disconnected", "session_id", sess.ID(), "booking_id", bookingID)

	// Backlog goes only to the joiner and before any live frame it sends, so
	// a client sees history strictly ahead of new traffic. A replay failure
	// leaves the session open with no backlog rather than refusing it.
	if err := s.replayer.SendBacklog(r.Context(), bookingID, sess); err != nil {
		s.log.Error("history_replay_failed", "booking_id", bookingID, "session_id", sess.ID(), "error", err)
	}

	sess.Run(s.router.HandleRaw)
}
