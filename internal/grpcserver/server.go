// Package grpcserver binds a microservice's gRPC service implementation on a
// port, behind the authentication and tracing interceptors, as a lifecycle
// component.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aiyumi19960310/sitewhere/internal/auth"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
	"github.com/aiyumi19960310/sitewhere/internal/tracing"
)

// ListenerFactory creates the listener a server binds to.
type ListenerFactory func(port int) (net.Listener, error)

// TCPListener listens on all interfaces on the given port.
func TCPListener(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

// ServiceImplementation registers the request handlers of a microservice.
type ServiceImplementation interface {
	Register(registrar grpc.ServiceRegistrar)
}

// ServiceFunc adapts a function to ServiceImplementation.
type ServiceFunc func(registrar grpc.ServiceRegistrar)

func (f ServiceFunc) Register(registrar grpc.ServiceRegistrar) {
	f(registrar)
}

// Config configures a Server.
type Config struct {
	Port     int
	Identity Identity

	// Service is registered next to the health and identity services. Optional.
	Service ServiceImplementation

	// Authenticator guards every call. Nil disables authentication.
	Authenticator *auth.Authenticator

	// TracerProvider creates server spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider

	// Listen creates the listener. Nil uses TCPListener.
	Listen ListenerFactory

	ServerOptions []grpc.ServerOption
}

// Server is a gRPC server managed as a lifecycle component. The listener is
// bound on initialize, serving begins on start and stop drains in-flight
// calls until the stop context expires.
type Server struct {
	*lifecycle.Base

	cfg    Config
	logger *logging.Logger

	mu         sync.Mutex
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	serveDone  chan struct{}
}

// New creates a server component named after the microservice identifier.
func New(cfg Config) *Server {
	if cfg.Listen == nil {
		cfg.Listen = TCPListener
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	s := &Server{
		cfg:    cfg,
		logger: logging.GetLogger("grpcserver").WithField("microservice", cfg.Identity.Identifier),
	}
	s.Base = lifecycle.NewBase(cfg.Identity.Identifier+"-grpc-server", lifecycle.Hooks{
		OnInitialize: s.initialize,
		OnStart:      s.start,
		OnStop:       s.stop,
		OnTerminate:  s.terminate,
	})
	return s
}

// interceptors returns the chain: authentication first, then tracing.
func (s *Server) interceptors() ([]grpc.UnaryServerInterceptor, []grpc.StreamServerInterceptor) {
	var unary []grpc.UnaryServerInterceptor
	var stream []grpc.StreamServerInterceptor
	if s.cfg.Authenticator != nil {
		unary = append(unary, s.cfg.Authenticator.UnaryServerInterceptor())
		stream = append(stream, s.cfg.Authenticator.StreamServerInterceptor())
	}
	unary = append(unary, tracing.UnaryServerInterceptor(s.cfg.TracerProvider))
	stream = append(stream, tracing.StreamServerInterceptor(s.cfg.TracerProvider))
	return unary, stream
}

// build binds the listener and registers services. Caller holds s.mu.
func (s *Server) build() error {
	lis, err := s.cfg.Listen(s.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", s.cfg.Port, err)
	}

	unary, stream := s.interceptors()
	opts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}, s.cfg.ServerOptions...)

	gs := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(IdentityServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpc_health_v1.RegisterHealthServer(gs, hs)
	RegisterIdentityServer(gs, &identityService{identity: s.cfg.Identity})
	if s.cfg.Service != nil {
		s.cfg.Service.Register(gs)
	}

	s.grpcServer = gs
	s.health = hs
	s.listener = lis
	return nil
}

func (s *Server) initialize(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcServer != nil {
		return nil
	}
	if err := s.build(); err != nil {
		return err
	}
	s.logger.Info("gRPC server bound to %s", s.listener.Addr())
	return nil
}

func (s *Server) start(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A stopped server cannot be reused; rebuild it for a restart.
	if s.grpcServer == nil {
		if err := s.build(); err != nil {
			return err
		}
	}

	gs, lis := s.grpcServer, s.listener
	done := make(chan struct{})
	s.serveDone = done
	go func() {
		defer close(done)
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server error: %v", err)
		}
	}()

	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(IdentityServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	s.logger.Info("gRPC server started and listening on %s", lis.Addr())
	return nil
}

// stop drains in-flight calls. If ctx expires first the server is stopped
// forcefully; the interruption is logged, not returned.
func (s *Server) stop(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	s.mu.Lock()
	gs, hs, done := s.grpcServer, s.health, s.serveDone
	s.grpcServer, s.health, s.listener, s.serveDone = nil, nil, nil, nil
	s.mu.Unlock()

	if gs == nil {
		return nil
	}

	s.logger.Info("Stopping gRPC server...")
	hs.Shutdown()

	drained := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Interrupted while draining gRPC calls (%v), forcing stop", ctx.Err())
		gs.Stop()
		<-drained
	}

	if done != nil {
		<-done
	}
	return nil
}

// terminate releases a server that was bound but never started or stopped.
func (s *Server) terminate(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	s.mu.Lock()
	gs, lis := s.grpcServer, s.listener
	s.grpcServer, s.health, s.listener, s.serveDone = nil, nil, nil, nil
	s.mu.Unlock()

	if gs != nil {
		gs.Stop()
	}
	if lis != nil {
		// Stop closes listeners only once Serve was called.
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

// Port returns the configured port.
func (s *Server) Port() int {
	return s.cfg.Port
}

// Identity returns the identity served by the identity service.
func (s *Server) Identity() Identity {
	return s.cfg.Identity
}
