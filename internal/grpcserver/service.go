package grpcserver

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "skyguide.v1.Guider"

const (
	methodAction    = "/" + ServiceName + "/Action"
	methodTelemetry = "/" + ServiceName + "/Telemetry"
	methodParams    = "/" + ServiceName + "/SetParams"
	methodWatch     = "/" + ServiceName + "/Watch"
)

// GuiderServer is the server API of skyguide.v1.Guider. Messages are
// google.protobuf.Struct documents carrying the same JSON as the HTTP API.
type GuiderServer interface {
	Action(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Telemetry(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetParams(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*emptypb.Empty, Guider_WatchServer) error
}

// Guider_WatchServer is the server side of the Watch stream.
type Guider_WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type guiderWatchServer struct {
	grpc.ServerStream
}

func (x *guiderWatchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func _Guider_Action_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GuiderServer).Action(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAction}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GuiderServer).Action(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Guider_Telemetry_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GuiderServer).Telemetry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTelemetry}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GuiderServer).Telemetry(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Guider_SetParams_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GuiderServer).SetParams(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodParams}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GuiderServer).SetParams(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Guider_Watch_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(GuiderServer).Watch(m, &guiderWatchServer{stream})
}

// GuiderServiceDesc describes skyguide.v1.Guider for grpc.Server.RegisterService.
var GuiderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GuiderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Action", Handler: _Guider_Action_Handler},
		{MethodName: "Telemetry", Handler: _Guider_Telemetry_Handler},
		{MethodName: "SetParams", Handler: _Guider_SetParams_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: _Guider_Watch_Handler, ServerStreams: true},
	},
	Metadata: "skyguide/v1/guider.proto",
}

// RegisterGuiderServer registers srv with s.
func RegisterGuiderServer(s grpc.ServiceRegistrar, srv GuiderServer) {
	s.RegisterService(&GuiderServiceDesc, srv)
}

// GuiderClient is the client API of skyguide.v1.Guider.
type GuiderClient interface {
	Action(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Telemetry(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	SetParams(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Watch(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (Guider_WatchClient, error)
}

type guiderClient struct {
	cc grpc.ClientConnInterface
}

// NewGuiderClient wraps cc.
func NewGuiderClient(cc grpc.ClientConnInterface) GuiderClient {
	return &guiderClient{cc}
}

func (c *guiderClient) Action(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodAction, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *guiderClient) Telemetry(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodTelemetry, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *guiderClient) SetParams(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodParams, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *guiderClient) Watch(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (Guider_WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &GuiderServiceDesc.Streams[0], methodWatch, opts...)
	if err != nil {
		return nil, err
	}
	x := &guiderWatchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Guider_WatchClient is the client side of the Watch stream.
type Guider_WatchClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type guiderWatchClient struct {
	grpc.ClientStream
}

func (x *guiderWatchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToStruct encodes v through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into out through its JSON form.
func FromStruct(s *structpb.Struct, out any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
