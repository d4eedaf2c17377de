package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Config holds the peer gRPC server configuration.
type Config struct {
	Port                 int
	MaxConcurrentStreams uint32
	KeepaliveTime        time.Duration
	KeepaliveTimeout     time.Duration
	MaxRecvMsgSize       int
	// StopTimeout bounds the graceful stop before connections are cut.
	StopTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                 9090,
		MaxConcurrentStreams: 1000,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		MaxRecvMsgSize:       16 * 1024 * 1024, // 16MB
		StopTimeout:          30 * time.Second,
	}
}

// Server serves synergy.Consensus and the standard gRPC health service.
type Server struct {
	config  *Config
	handler Handler
	logger  *slog.Logger

	grpcServer *grpc.Server
	health     *health.Server
	serving    atomic.Bool
}

// NewServer creates a server that hands deliveries to h.
func NewServer(cfg *Config, h Handler, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger.With("component", "transport"),
		health:  health.NewServer(),
	}
	s.grpcServer = grpc.NewServer(s.buildServerOptions()...)
	RegisterHandler(s.grpcServer, h)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	return s
}

func (s *Server) buildServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams),
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			s.recoveryInterceptor(),
			s.loggingInterceptor(),
		),
	}
}

// Start listens on the configured port and serves until ctx is cancelled or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	s.logger.Info("gRPC server starting", "address", addr)
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.serving.Store(true)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, forcing it after StopTimeout or when
// ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if !s.serving.Swap(false) {
		return nil
	}
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(s.config.StopTimeout):
		s.logger.Warn("gRPC server graceful stop timed out, forcing stop")
		s.grpcServer.Stop()
	case <-ctx.Done():
		s.logger.Warn("context cancelled, forcing stop")
		s.grpcServer.Stop()
	}
	return nil
}

// IsServing returns whether the server is currently serving requests.
func (s *Server) IsServing() bool {
	return s.serving.Load()
}

// loggingInterceptor logs every delivery at debug; failures at warn.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		attrs := []any{
			"method", info.FullMethod,
			"code", code.String(),
			"duration", time.Since(start),
		}
		if env, ok := req.(*Envelope); ok {
			attrs = append(attrs, "cluster_id", env.ClusterID, "sender", env.Sender, "kind", env.Kind.String())
		}
		if err != nil {
			s.logger.Warn("grpc request failed", append(attrs, "error", err)...)
		} else {
			s.logger.Debug("grpc request", attrs...)
		}
		return resp, err
	}
}

// recoveryInterceptor turns a handler panic into codes.Internal.
func (s *Server) recoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic recovered",
					"method", info.FullMethod,
					"error", r,
					"stack", string(debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
