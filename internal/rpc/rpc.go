// Package rpc hosts the data-plane RPC front-end of a switch node.
//
// The front-end is a gRPC server bound to the --pd-server address.
// The node itself only registers the standard health service; the
// packet pipeline registers its own services through WithService
// before the server starts.
package rpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	swerrors "p4switch/internal/errors"
	"p4switch/util"
)

// ServiceName is the health-checked name of the data-plane front-end.
const ServiceName = "p4switch.DataPlane"

type service struct {
	desc *grpc.ServiceDesc
	impl any
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *util.Logger) Option {
	return func(s *Server) { s.logger = l.With("rpc") }
}

// WithService registers an additional gRPC service.
func WithService(desc *grpc.ServiceDesc, impl any) Option {
	return func(s *Server) { s.services = append(s.services, service{desc, impl}) }
}

// Server is a running data-plane RPC front-end.
type Server struct {
	logger   *util.Logger
	services []service

	grpc   *grpc.Server
	health *health.Server
	ln     net.Listener

	opCounter atomic.Uint64
	stopOnce  sync.Once
	done      chan struct{}
	err       error
}

// Start binds addr and serves in the background until ctx is cancelled
// or Stop is called. The health status starts as NOT_SERVING.
func Start(ctx context.Context, addr string, opts ...Option) (*Server, error) {
	s := &Server{
		logger: util.Discard(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, swerrors.Wrap("listen", addr, err)
	}
	s.ln = ln

	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor()))
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	for _, svc := range s.services {
		s.grpc.RegisterService(svc.desc, svc.impl)
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		defer close(s.done)
		s.logger.Info("data-plane RPC server listening on %s", ln.Addr())
		if err := s.grpc.Serve(ln); err != nil && err != grpc.ErrServerStopped {
			s.err = swerrors.Wrap("serve", addr, err)
			s.logger.Error("data-plane RPC server: %v", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// SetServing flips the health status reported for ServiceName and for
// the server as a whole.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Stop marks the server NOT_SERVING, drains in-flight calls and waits
// for the serve loop to exit. It returns the serve error, if any.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
	<-s.done
	return s.err
}

// loggingInterceptor numbers every unary call and logs failures.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		op := s.opCounter.Add(1)
		s.logger.Debug("op %d: %s", op, info.FullMethod)
		resp, err := handler(ctx, req)
		if err != nil {
			s.logger.Warn("op %d: %s: %v", op, info.FullMethod, err)
		}
		return resp, err
	}
}
