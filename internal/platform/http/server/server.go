// Package server provides HTTP server lifecycle management.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/binomepay/binomepay-go/internal/platform/logutil"
)

// Server wraps an http.Server with logging and graceful shutdown.
type Server struct {
	name       string
	httpServer *http.Server
	logger     *slog.Logger
	listener   net.Listener
}

// New creates a server for handler on addr.
func New(name, addr string, handler http.Handler, logger *slog.Logger) *Server {
	logger = logutil.NoopIfNil(logger)
	return &Server{
		name:   name,
		logger: logger,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Listen binds the address so Addr reports the real port before Start.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("starting server", "server", s.name, "addr", s.Addr())

	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server", "server", s.name)
	return s.httpServer.Shutdown(ctx)
}
