package grpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/AgentOS/channels/internal/channel"
)

// recovered turns a handler panic into codes.Internal. A consistency fault
// in the channel core is logged with its channel so the daemon keeps serving
// other channels; the faulted channel should be disposed by its owner.
func recovered(logger *zap.Logger, method string, v any) error {
	fields := []zap.Field{zap.String("method", method), zap.Any("panic", v), zap.Stack("stack")}
	var fault *channel.Fault
	if err, ok := v.(error); ok && errors.As(err, &fault) {
		fields = append(fields,
			zap.String("fault", fault.Kind.String()),
			zap.String("op", fault.Op),
			zap.Int64("channel_id", fault.ChannelID))
		logger.Error("Channel fault in RPC handler", fields...)
		return status.Errorf(codes.Internal, "channel fault: %v", fault)
	}
	logger.Error("Panic in RPC handler", fields...)
	return status.Errorf(codes.Internal, "internal error: %v", v)
}

// RecoveryUnaryInterceptor is the gRPC counterpart of gin.Recovery
func RecoveryUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if v := recover(); v != nil {
				resp, err = nil, recovered(logger, info.FullMethod, v)
			}
		}()
		return handler(ctx, req)
	}
}

// RecoveryStreamInterceptor is RecoveryUnaryInterceptor for streams
func RecoveryStreamInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if v := recover(); v != nil {
				err = recovered(logger, info.FullMethod, v)
			}
		}()
		return handler(srv, ss)
	}
}
