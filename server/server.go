/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	metrics "github.com/longsleep/go-metrics/loggedwriter"
	"github.com/longsleep/go-metrics/timing"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	cfg "stash.kopano.io/kwm/kwmcall/config"
	"stash.kopano.io/kwm/kwmcall/internal/relay"
	"stash.kopano.io/kwm/kwmcall/server/api"
	apiv0 "stash.kopano.io/kwm/kwmcall/server/api/service"
)

// Server is our HTTP server implementation.
type Server struct {
	config *cfg.Config

	listenAddr string
	logger     logrus.FieldLogger

	requestLog bool
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *cfg.Config) (*Server, error) {
	s := &Server{
		config: c,

		listenAddr: c.ListenAddr,
		logger:     c.Logger,

		requestLog: c.RequestLog,
	}

	return s, nil
}

// WithMetrics adds metrics logging to the provided http.Handler. When the
// handler is done, the context is canceled, logging metrics.
func (s *Server) WithMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		// Create per request cancel context.
		ctx, cancel := context.WithCancel(req.Context())

		loggedWriter := metrics.NewLoggedResponseWriter(rw)
		// Create per request context.
		ctx = timing.NewContext(ctx, func(duration time.Duration) {
			// This is the stop callback, called when complete with duration.
			durationMs := float64(duration) / float64(time.Millisecond)
			// Log request.
			s.logger.WithFields(logrus.Fields{
				"status":     loggedWriter.Status(),
				"method":     req.Method,
				"path":       req.URL.Path,
				"remote":     req.RemoteAddr,
				"duration":   durationMs,
				"referer":    req.Referer(),
				"user-agent": req.UserAgent(),
				"origin":     req.Header.Get("Origin"),
			}).Debug("HTTP request complete")
		})
		rw = loggedWriter

		// Run the request.
		next.ServeHTTP(rw, req.WithContext(ctx))

		// Cancel per request context when done.
		cancel()
	})
}

// WithCORS adds cross origin headers for the configured origins to the
// provided http.Handler.
func (s *Server) WithCORS(next http.Handler) http.Handler {
	allowed := s.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization"},
		Logger: &debugLogger{
			logger: s.logger,
			prefix: "cors ",
		},
	})
	return c.Handler(next)
}

// AddContext adds the accociated server's context to the provided http.Hander
// request.
func (s *Server) AddContext(parent context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(rw, req.WithContext(parent))
	})
}

// AddRoutes add the accociated Servers URL routes to the provided router with
// the provided context.Context.
func (s *Server) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	router.Handle("/health-check", chain.ThenFunc(s.HealthCheckHandler))

	return router
}

// NewRelay creates the signaling relay for the accociated server.
func (s *Server) NewRelay(ctx context.Context) (*relay.Hub, error) {
	return relay.NewHub(ctx, &relay.Options{
		Logger:         s.logger.WithField("scope", "relay"),
		Metrics:        s.config.Metrics,
		JWTSecret:      s.config.JWTSecret,
		AllowedOrigins: s.config.AllowedOrigins,
	})
}

// Handler returns the routes of the accociated server. Relay connections
// are served by hub.
func (s *Server) Handler(ctx context.Context, hub *relay.Hub) http.Handler {
	router := mux.NewRouter()
	chain := alice.New()
	if s.requestLog {
		chain = chain.Append(s.WithMetrics)
	}

	s.AddRoutes(ctx, router, chain)

	// Websocket upgrades need the unwrapped writer.
	router.Handle("/ws", hub)

	services := &api.Services{
		Relay: hub,
	}
	apiv0.NewHTTPService(ctx, s.logger, services).AddRoutes(ctx, router, chain.Append(s.WithCORS))

	return router
}

// Serve starts the relay and the HTTP listener and blocks until a signal,
// ctx or a listener error stops it. Returns error and gracefully stops the
// listener and all relay connections before return.
func (s *Server) Serve(ctx context.Context) error {
	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := s.logger

	hub, err := s.NewRelay(serveCtx)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	logger.WithField("listenAddr", s.listenAddr).Infoln("starting http listener")
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: s.AddContext(serveCtx, s.Handler(serveCtx, hub)),
	}
	errCh := make(chan error, 1)
	go func() {
		serveErr := srv.Serve(listener)
		if serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
		logger.Debugln("http listener stopped")
	}()

	logger.Infoln("ready to handle requests")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case err = <-errCh:
	case reason := <-signalCh:
		logger.WithField("signal", reason).Warnln("received signal")
	case <-ctx.Done():
	}

	logger.Infoln("clean server shutdown start")
	shutDownCtx, shutDownCtxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutDownCtxCancel()
	if shutdownErr := srv.Shutdown(shutDownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warnln("clean server shutdown failed")
	}

	// Shutdown does not track hijacked connections, the relay closes its own
	// when serveCtx is done.
	serveCtxCancel()
	waitForRelay(shutDownCtx, hub, signalCh, logger)

	return err
}

func waitForRelay(ctx context.Context, hub *relay.Hub, signalCh <-chan os.Signal, logger logrus.FieldLogger) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for hub.NumActive() > 0 {
		select {
		case <-ticker.C:
			logger.WithField("connections", hub.NumActive()).Debugln("waiting for relay connections to close")
		case reason := <-signalCh:
			logger.WithField("signal", reason).Warnln("received signal, not waiting for relay")
			return
		case <-ctx.Done():
			logger.WithField("connections", hub.NumActive()).Warnln("relay connections did not close in time")
			return
		}
	}
}
