// Package apiserver serves the HTTP status endpoints of a microservice:
// liveness, readiness, metrics and the state of its components and tenant
// engines.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
	"github.com/aiyumi19960310/sitewhere/internal/microservice"
)

// RouteRegistrar is implemented by services that serve additional HTTP
// routes next to the status endpoints.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// ListenerFactory binds the HTTP port.
type ListenerFactory func(port int) (net.Listener, error)

// TCPListener binds all interfaces on port.
func TCPListener(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

// Config configures a Server.
type Config struct {
	Port         int
	Microservice *microservice.Microservice

	// Listen overrides how the port is bound. Nil binds TCP.
	Listen ListenerFactory
}

// Server is the status HTTP server of a microservice. It is a lifecycle
// component: initialize binds the port, start serves, stop drains.
type Server struct {
	*lifecycle.Base

	cfg    Config
	ms     *microservice.Microservice
	router *http.ServeMux
	logger *logging.Logger

	// tenantsMu serializes edits of the tenants file.
	tenantsMu sync.Mutex

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	serveDone chan struct{}
}

// New creates a status server for ms.
func New(cfg Config) *Server {
	if cfg.Listen == nil {
		cfg.Listen = TCPListener
	}
	s := &Server{
		cfg:    cfg,
		ms:     cfg.Microservice,
		router: http.NewServeMux(),
		logger: logging.GetLogger("apiserver"),
	}
	s.registerHandlers()
	s.Base = lifecycle.NewBase(cfg.Microservice.Identifier()+"-status-server", lifecycle.Hooks{
		OnInitialize: s.initialize,
		OnStart:      s.start,
		OnStop:       s.stop,
		OnTerminate:  s.terminate,
	})
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.recoverMiddleware(s.loggingMiddleware(s.router))
}

func (s *Server) bind() error {
	lis, err := s.cfg.Listen(s.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to bind status port %d: %w", s.cfg.Port, err)
	}
	s.listener = lis
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return nil
}

func (s *Server) initialize(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	return s.bind()
}

func (s *Server) start(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		if err := s.bind(); err != nil {
			return err
		}
	}

	srv, lis := s.server, s.listener
	done := make(chan struct{})
	s.serveDone = done
	go func() {
		defer close(done)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	s.logger.Info("Status server started and listening on %s", lis.Addr())
	return nil
}

// stop gracefully shuts the server down. If ctx expires first the remaining
// connections are closed and the timeout is returned.
func (s *Server) stop(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	s.mu.Lock()
	srv, done := s.server, s.serveDone
	s.server, s.listener, s.serveDone = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info("Stopping status server...")
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("Status server shutdown timeout")
		_ = srv.Close()
		return err
	}
	if done != nil {
		<-done
	}
	s.logger.Info("Status server stopped")
	return nil
}

// terminate releases a port that was bound but never served.
func (s *Server) terminate(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	s.mu.Lock()
	srv, lis := s.server, s.listener
	s.server, s.listener, s.serveDone = nil, nil, nil
	s.mu.Unlock()

	if srv != nil {
		_ = srv.Close()
	}
	if lis != nil {
		if err := lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Closing listener: %v", err)
		}
	}
	return nil
}

// Addr returns the bound address, or nil when no listener is held.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GetPort returns the configured port
func (s *Server) GetPort() int {
	return s.cfg.Port
}
