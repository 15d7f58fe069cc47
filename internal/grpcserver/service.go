package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "steadyscope.v1.Correction"

// Method names, as they appear in the full method path.
const (
	MethodRegisterAgent = "RegisterAgent"
	MethodHeartbeat     = "Heartbeat"
	MethodSubmit        = "Submit"
	MethodGetJob        = "GetJob"
	MethodGetRun        = "GetRun"
)

// CorrectionServer is the server API for the correction service. Requests and
// responses are google.protobuf.Struct values.
type CorrectionServer interface {
	RegisterAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the correction service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CorrectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodRegisterAgent, Handler: unaryHandler(MethodRegisterAgent, CorrectionServer.RegisterAgent)},
		{MethodName: MethodHeartbeat, Handler: unaryHandler(MethodHeartbeat, CorrectionServer.Heartbeat)},
		{MethodName: MethodSubmit, Handler: unaryHandler(MethodSubmit, CorrectionServer.Submit)},
		{MethodName: MethodGetJob, Handler: unaryHandler(MethodGetJob, CorrectionServer.GetJob)},
		{MethodName: MethodGetRun, Handler: unaryHandler(MethodGetRun, CorrectionServer.GetRun)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "steadyscope/v1/correction.proto",
}

// RegisterCorrectionServer attaches srv to s.
func RegisterCorrectionServer(s grpc.ServiceRegistrar, srv CorrectionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the invoke path for a method name.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type structCall func(CorrectionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call structCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CorrectionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CorrectionServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
