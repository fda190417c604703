package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dbbenchoor/pkg/config"
	"github.com/ethpandaops/dbbenchoor/pkg/runner"
	"github.com/ethpandaops/dbbenchoor/pkg/sink"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr is the bound listen address, available after Start.
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log         logrus.FieldLogger
	cfg         *config.APIConfig
	store       sink.Store
	coordinator runner.Coordinator
	hub         *sink.Hub

	httpServer *http.Server
	listener   net.Listener
	limiter    *rateLimiterMap
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server. The store, coordinator and hub are
// owned by the caller.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	store sink.Store,
	coordinator runner.Coordinator,
	hub *sink.Hub,
) Server {
	return &server{
		log:         log.WithField("component", "api"),
		cfg:         cfg,
		store:       store,
		coordinator: coordinator,
		hub:         hub,
		done:        make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind synchronously so port conflicts fail fast.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop closes observer connections and shuts the HTTP server down.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.limiter != nil {
		s.limiter.stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

func (s *server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}
