package rpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/jobrelay/internal/coordinator"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Server implements LifecycleServer on top of a Coordinator.
type Server struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewServer creates a gRPC server for coord.
func NewServer(coord *coordinator.Coordinator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{coord: coord, logger: logger}
}

// CreateJob handles jobrelay.v1.Lifecycle/CreateJob.
func (s *Server) CreateJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	def, err := definitionField(req)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.coord.CreateJob(ctx, def)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.respond(encodeResult(res))
}

// AssignJob handles jobrelay.v1.Lifecycle/AssignJob.
func (s *Server) AssignJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringField(req, fieldJobID)
	if err != nil {
		return nil, toStatus(err)
	}
	scope, err := stringField(req, fieldDeviceScope)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.coord.AssignJob(ctx, types.JobID(id), scope)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.respond(encodeResult(res))
}

// DeleteJob handles jobrelay.v1.Lifecycle/DeleteJob.
func (s *Server) DeleteJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringField(req, fieldJobID)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.coord.DeleteJob(ctx, types.JobID(id))
	if err != nil {
		return nil, toStatus(err)
	}
	return s.respond(encodeResult(res))
}

// GetJob handles jobrelay.v1.Lifecycle/GetJob.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringField(req, fieldJobID)
	if err != nil {
		return nil, toStatus(err)
	}
	job, err := s.coord.GetJob(ctx, types.JobID(id))
	if err != nil {
		return nil, toStatus(err)
	}
	return s.respond(encodeJob(job))
}

func (s *Server) respond(out *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

// toStatus maps coordinator errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(Code(err), err.Error())
}

// Code returns the gRPC code for a coordinator error.
func Code(err error) codes.Code {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, coordinator.ErrInvalidState), errors.Is(err, coordinator.ErrPreHookRejected):
		return codes.FailedPrecondition
	case errors.Is(err, coordinator.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, coordinator.ErrStorageFailure):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// UnaryLogger logs every call with its status code and latency.
func UnaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		switch code {
		case codes.OK, codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition, codes.Canceled:
			logger.Debug("rpc", fields...)
		default:
			logger.Warn("rpc", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}
