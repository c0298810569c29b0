// Package rpc exposes the lifecycle coordinator over gRPC.
//
// The service is described by hand instead of generated code. Every request
// and response is a google.protobuf.Struct:
//
//	CreateJob  {definition: <any>}                 -> {job, handler_failures}
//	AssignJob  {job_id: string, device_scope: string} -> {job, handler_failures}
//	DeleteJob  {job_id: string}                    -> {job, handler_failures}
//	GetJob     {job_id: string}                    -> {job}
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "jobrelay.v1.Lifecycle"

// Method names.
const (
	MethodCreateJob = "CreateJob"
	MethodAssignJob = "AssignJob"
	MethodDeleteJob = "DeleteJob"
	MethodGetJob    = "GetJob"
)

// LifecycleServer is the server side of jobrelay.v1.Lifecycle.
type LifecycleServer interface {
	CreateJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AssignJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeleteJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes jobrelay.v1.Lifecycle for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LifecycleServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateJob, LifecycleServer.CreateJob),
		unary(MethodAssignJob, LifecycleServer.AssignJob),
		unary(MethodDeleteJob, LifecycleServer.DeleteJob),
		unary(MethodGetJob, LifecycleServer.GetJob),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobrelay/v1/lifecycle.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv LifecycleServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryCall func(LifecycleServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LifecycleServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(LifecycleServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}
