package handler

import (
	"context"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
)

// ServiceName is the name reported through the gRPC health service.
const ServiceName = "approvals.v1.ApprovalService"

// GRPCHandler owns the gRPC server used for health checks and reflection.
type GRPCHandler struct {
	server *grpc.Server
	health *health.Server
	ping   func(ctx context.Context) error
	log    *logger.Logger
}

// NewGRPCHandler creates a gRPC server with the standard interceptor chain
// and registers the health and reflection services. ping may be nil.
func NewGRPCHandler(ping func(ctx context.Context) error, log *logger.Logger) *GRPCHandler {
	h := &GRPCHandler{
		health: health.NewServer(),
		ping:   ping,
		log:    log.Named("grpc"),
	}
	recoveryOpt := grpc_recovery.WithRecoveryHandlerContext(func(ctx context.Context, p interface{}) error {
		h.log.Error().Interface("panic", p).Msg("gRPC handler panicked")
		return status.Error(codes.Internal, "internal error")
	})
	h.server = grpc.NewServer(
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_ctxtags.StreamServerInterceptor(),
			grpc_recovery.StreamServerInterceptor(recoveryOpt),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			UnaryLogger(h.log),
			grpc_recovery.UnaryServerInterceptor(recoveryOpt),
		)),
	)
	healthpb.RegisterHealthServer(h.server, h.health)
	reflection.Register(h.server)
	return h
}

// Server returns the underlying gRPC server.
func (h *GRPCHandler) Server() *grpc.Server {
	return h.server
}

// Report pings dependencies and publishes the result to the health
// service. It runs on the health tick.
func (h *GRPCHandler) Report(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if h.ping != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := h.ping(pingCtx); err != nil {
			h.log.Warn().Err(err).Msg("Dependency health check failed")
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(ServiceName, st)
}

// Shutdown marks the service as not serving and drains connections.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

// UnaryLogger logs each unary call with its duration and status code.
func UnaryLogger(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		fields := grpc_ctxtags.Extract(ctx).Values()
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Fields(fields).
			Msg("gRPC call")
		return resp, err
	}
}
