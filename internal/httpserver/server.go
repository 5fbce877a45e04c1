package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/advocateshub/session-relay/internal/auth"
	"github.com/advocateshub/session-relay/internal/booking"
	"github.com/advocateshub/session-relay/internal/config"
	"github.com/advocateshub/session-relay/internal/metrics"
	"github.com/advocateshub/session-relay/internal/store"
	"github.com/advocateshub/session-relay/internal/tokens"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Server hosts the relay's HTTP surface: health/readiness probes, the chat
// history REST endpoint, the per-booking token endpoints, an internal counter
// scrape, and the WebSocket session endpoint mounted by the caller.
type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	store    *store.Store
	bookings booking.Lookup
	issuer   *tokens.Issuer
	verifier auth.Verifier
	metrics  *metrics.Metrics

	ready atomic.Bool

	router *mux.Router
	srv    *http.Server
}

// Deps carries the collaborators the HTTP handlers need. Issuer may be nil
// when token issuance is not configured; the token endpoints then return 503.
type Deps struct {
	Store    *store.Store
	Bookings booking.Lookup
	Issuer   *tokens.Issuer
	Metrics  *metrics.Metrics
}

func New(cfg config.Config, deps Deps, logger *slog.Logger, build BuildInfo) *Server {
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	var verifier auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	}
	s := &Server{
		log:      logger,
		cfg:      cfg,
		build:    build,
		store:    deps.Store,
		bookings: deps.Bookings,
		issuer:   deps.Issuer,
		verifier: verifier,
		metrics:  m,
		router:   mux.NewRouter(),
	}

	s.registerRoutes()

	handler := chain(s.router,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: the WebSocket endpoint holds
		// long-lived connections.
	}

	return s
}

// Router returns the underlying mux for registering additional routes. It
// must only be used during startup before Serve is called.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}).Methods(http.MethodGet)

	s.router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	}).Methods(http.MethodGet)

	s.router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	}).Methods(http.MethodGet)

	s.router.Handle("/statsz", metrics.PrometheusHandler(s.metrics)).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/video_session/{booking_id}").Subrouter()
	api.HandleFunc("/history/", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/video_token/", s.handleVideoToken).Methods(http.MethodGet)
	api.HandleFunc("/chat_token/", s.handleChatToken).Methods(http.MethodGet)
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack delegates to the underlying writer so the WebSocket upgrade works
// behind the middleware chain; gorilla asserts http.Hijacker directly on the
// writer it is handed.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap keeps http.ResponseController working for callers that unwrap
// instead of asserting.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
