package updates

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

const (
	ServiceName = "helixstream.updates.Updates"

	MethodStreamUpdates = "/" + ServiceName + "/StreamUpdates"
	MethodHealth        = "/" + ServiceName + "/Health"
)

type StreamRequest struct {
	Path        string `json:"path"`
	LastEventID string `json:"last_event_id,omitempty"`
}

type UpdateFrame struct {
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type HealthRequest struct{}

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type UpdatesServer interface {
	StreamUpdates(*StreamRequest, UpdatesStreamServer) error
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

type UpdatesStreamServer interface {
	Send(*UpdateFrame) error
	grpc.ServerStream
}

type updatesStreamServer struct {
	grpc.ServerStream
}

func (s *updatesStreamServer) Send(f *UpdateFrame) error {
	return s.ServerStream.SendMsg(f)
}

func RegisterUpdatesServer(registrar grpc.ServiceRegistrar, srv UpdatesServer) {
	registrar.RegisterService(&UpdatesServiceDesc, srv)
}

var UpdatesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*UpdatesServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Health", Handler: _Updates_Health_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamUpdates", Handler: _Updates_StreamUpdates_Handler, ServerStreams: true},
	},
	Metadata: "proto/updates.proto",
}

func _Updates_Health_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UpdatesServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: MethodHealth,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(UpdatesServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Updates_StreamUpdates_Handler(srv any, stream grpc.ServerStream) error {
	in := new(StreamRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(UpdatesServer).StreamUpdates(in, &updatesStreamServer{ServerStream: stream})
}

type UpdatesClient interface {
	StreamUpdates(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (UpdatesStreamClient, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type updatesClient struct {
	cc grpc.ClientConnInterface
}

func NewUpdatesClient(cc grpc.ClientConnInterface) UpdatesClient {
	return &updatesClient{cc: cc}
}

func (c *updatesClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, MethodHealth, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type UpdatesStreamClient interface {
	Recv() (*UpdateFrame, error)
	grpc.ClientStream
}

type updatesStreamClient struct {
	grpc.ClientStream
}

func (x *updatesStreamClient) Recv() (*UpdateFrame, error) {
	f := new(UpdateFrame)
	if err := x.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *updatesClient) StreamUpdates(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (UpdatesStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &UpdatesServiceDesc.Streams[0], MethodStreamUpdates, opts...)
	if err != nil {
		return nil, err
	}
	client := &updatesStreamClient{ClientStream: stream}
	if err := client.SendMsg(in); err != nil {
		return nil, err
	}
	if err := client.CloseSend(); err != nil {
		return nil, err
	}
	return client, nil
}
