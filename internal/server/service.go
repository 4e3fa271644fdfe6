// gRPC service declaration for the content store. Requests and responses
// are google.protobuf.Struct messages so no generated code is needed.
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "contentstore.v1.ContentStore"

// ContentStoreServer is the server API of the content store service
type ContentStoreServer interface {
	GetNode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddNode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetProperty(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveItem(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Move(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Import(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Export(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Checkin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Checkout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VersionHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Health(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(ContentStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ContentStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ContentStoreServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the content store service for grpc.Server
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ContentStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetNode", ContentStoreServer.GetNode),
		unary("AddNode", ContentStoreServer.AddNode),
		unary("SetProperty", ContentStoreServer.SetProperty),
		unary("RemoveItem", ContentStoreServer.RemoveItem),
		unary("Move", ContentStoreServer.Move),
		unary("Import", ContentStoreServer.Import),
		unary("Export", ContentStoreServer.Export),
		unary("Checkin", ContentStoreServer.Checkin),
		unary("Checkout", ContentStoreServer.Checkout),
		unary("VersionHistory", ContentStoreServer.VersionHistory),
		unary("Query", ContentStoreServer.Query),
		unary("Health", ContentStoreServer.Health),
		unary("Stats", ContentStoreServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "contentstore/v1/contentstore.proto",
}

// RegisterContentStoreServer registers srv with s
func RegisterContentStoreServer(s grpc.ServiceRegistrar, srv ContentStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the content store service
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a client over cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with the fields of req
func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
