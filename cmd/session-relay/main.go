package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/advocateshub/session-relay/internal/booking"
	"github.com/advocateshub/session-relay/internal/config"
	"github.com/advocateshub/session-relay/internal/httpserver"
	"github.com/advocateshub/session-relay/internal/metrics"
	"github.com/advocateshub/session-relay/internal/room"
	"github.com/advocateshub/session-relay/internal/signaling"
	"github.com/advocateshub/session-relay/internal/store"
	"github.com/advocateshub/session-relay/internal/tokens"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A local .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting session-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"db_path", cfg.DBPath,
		"auth_mode", cfg.AuthMode,
		"history_replay_limit", cfg.HistoryReplayLimit,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)
	logStartupSecurityWarnings(logger, cfg)

	st, db, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		logger.Error("failed to open message store", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	bookings := booking.NewSQLLookup(db)

	m := metrics.New()
	registry := room.NewRegistry(logger, m)
	router := signaling.NewRouter(registry, st, m, logger)
	replayer := signaling.NewReplayer(st, cfg.HistoryReplayLimit, m, logger)

	var issuer *tokens.Issuer
	if cfg.JWTSecret != "" {
		issuer, err = tokens.NewIssuer(tokens.IssuerConfig{
			Secret: cfg.JWTSecret,
			TTL:    cfg.TokenTTL,
			Issuer: cfg.TokenIssuer,
		})
		if err != nil {
			logger.Error("failed to configure token issuer", "err", err)
			os.Exit(2)
		}
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, httpserver.Deps{
		Store:    st,
		Bookings: bookings,
		Issuer:   issuer,
		Metrics:  m,
	}, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	ws, err := signaling.NewWebSocketServer(cfg, registry, router, replayer, m, logger)
	if err != nil {
		logger.Error("failed to configure websocket server", "err", err)
		os.Exit(2)
	}
	srv.Router().Handle("/ws/video_session/{booking_id}/", ws).Methods(http.MethodGet)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if cfg.Mode != config.ModeProd {
		return
	}
	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("auth disabled in prod mode; every connection is anonymous")
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			logger.Warn("allowed origins contains wildcard; any site can open sessions")
		}
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
