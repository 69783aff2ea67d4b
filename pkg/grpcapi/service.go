package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "dhcp6d.v1.Dhcp6dService"

// Dhcp6dServiceServer is the server API for the control service. Messages
// are protobuf well-known types so no generated code is needed on either
// side.
type Dhcp6dServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetSessions(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	GetLeases(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	GetDHCPClientIdentifiers(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	GetRelayStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ShowConfig(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	ShowText(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Renew(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	ClearDHCPClientIdentifier(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

func newEmpty() *emptypb.Empty { return new(emptypb.Empty) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

// unary builds the method descriptor for one RPC, the way protoc-gen-go-grpc
// does for each method.
func unary[Req proto.Message, Resp proto.Message](method string, newReq func() Req,
	call func(Dhcp6dServiceServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(Dhcp6dServiceServer), ctx, req.(Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes the control service for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Dhcp6dServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", newEmpty, Dhcp6dServiceServer.GetStatus),
		unary("GetSessions", newEmpty, Dhcp6dServiceServer.GetSessions),
		unary("GetLeases", newEmpty, Dhcp6dServiceServer.GetLeases),
		unary("GetDHCPClientIdentifiers", newEmpty, Dhcp6dServiceServer.GetDHCPClientIdentifiers),
		unary("GetRelayStats", newEmpty, Dhcp6dServiceServer.GetRelayStats),
		unary("ShowConfig", newEmpty, Dhcp6dServiceServer.ShowConfig),
		unary("ShowText", newString, Dhcp6dServiceServer.ShowText),
		unary("Renew", newString, Dhcp6dServiceServer.Renew),
		unary("ClearDHCPClientIdentifier", newString, Dhcp6dServiceServer.ClearDHCPClientIdentifier),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dhcp6d/v1/dhcp6d.proto",
}

// RegisterDhcp6dServiceServer registers srv on s.
func RegisterDhcp6dServiceServer(s grpc.ServiceRegistrar, srv Dhcp6dServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the control service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp proto.Message](ctx context.Context, c *Client, method string, in proto.Message, out Resp, opts []grpc.CallOption) (Resp, error) {
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		var zero Resp
		return zero, err
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c, "GetStatus", newEmpty(), new(structpb.Struct), opts)
}

func (c *Client) GetSessions(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke(ctx, c, "GetSessions", newEmpty(), new(structpb.ListValue), opts)
}

func (c *Client) GetLeases(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke(ctx, c, "GetLeases", newEmpty(), new(structpb.ListValue), opts)
}

func (c *Client) GetDHCPClientIdentifiers(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke(ctx, c, "GetDHCPClientIdentifiers", newEmpty(), new(structpb.ListValue), opts)
}

func (c *Client) GetRelayStats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c, "GetRelayStats", newEmpty(), new(structpb.Struct), opts)
}

func (c *Client) ShowConfig(ctx context.Context, opts ...grpc.CallOption) (string, error) {
	out, err := invoke(ctx, c, "ShowConfig", newEmpty(), newString(), opts)
	return out.GetValue(), err
}

func (c *Client) ShowText(ctx context.Context, topic string, opts ...grpc.CallOption) (string, error) {
	out, err := invoke(ctx, c, "ShowText", wrapperspb.String(topic), newString(), opts)
	return out.GetValue(), err
}

func (c *Client) Renew(ctx context.Context, iface string, opts ...grpc.CallOption) (string, error) {
	out, err := invoke(ctx, c, "Renew", wrapperspb.String(iface), newString(), opts)
	return out.GetValue(), err
}

// ClearDHCPClientIdentifier clears the DUID of iface, or of every upstream
// when iface is empty.
func (c *Client) ClearDHCPClientIdentifier(ctx context.Context, iface string, opts ...grpc.CallOption) (string, error) {
	out, err := invoke(ctx, c, "ClearDHCPClientIdentifier", wrapperspb.String(iface), newString(), opts)
	return out.GetValue(), err
}
