package cloudrpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "pageledger.cloud.v1.CloudSync"

// Server is the per-page cloud wire surface, implemented directly rather
// than generated from a .proto file.
type Server interface {
	AddCommits(context.Context, *AddCommitsRequest) (*AddCommitsResponse, error)
	GetCommits(context.Context, *GetCommitsRequest) (*GetCommitsResponse, error)
	AddObject(context.Context, *AddObjectRequest) (*AddObjectResponse, error)
	GetObject(context.Context, *GetObjectRequest) (*GetObjectResponse, error)
	SetWatcher(context.Context, *SetWatcherRequest) (*SetWatcherResponse, error)
	GetDiff(context.Context, *GetDiffRequest) (*GetDiffResponse, error)
	UpdateClock(context.Context, *UpdateClockRequest) (*UpdateClockResponse, error)
}

// ServiceDesc registers Server with a *grpc.Server, playing the role a
// protoc-generated _ServiceDesc var would normally play.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddCommits", Handler: addCommitsHandler},
		{MethodName: "GetCommits", Handler: getCommitsHandler},
		{MethodName: "AddObject", Handler: addObjectHandler},
		{MethodName: "GetObject", Handler: getObjectHandler},
		{MethodName: "SetWatcher", Handler: setWatcherHandler},
		{MethodName: "GetDiff", Handler: getDiffHandler},
		{MethodName: "UpdateClock", Handler: updateClockHandler},
	},
	Metadata: "pkg/cloudrpc",
}

func addCommitsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AddCommitsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).AddCommits(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AddCommits"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).AddCommits(ctx, req.(*AddCommitsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getCommitsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetCommitsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetCommits(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetCommits"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).GetCommits(ctx, req.(*GetCommitsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func addObjectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AddObjectRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).AddObject(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AddObject"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).AddObject(ctx, req.(*AddObjectRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getObjectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetObjectRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetObject(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetObject"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).GetObject(ctx, req.(*GetObjectRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func setWatcherHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SetWatcherRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).SetWatcher(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetWatcher"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).SetWatcher(ctx, req.(*SetWatcherRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getDiffHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetDiffRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetDiff(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetDiff"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).GetDiff(ctx, req.(*GetDiffRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func updateClockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdateClockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).UpdateClock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpdateClock"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).UpdateClock(ctx, req.(*UpdateClockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client is the generated-stub equivalent for callers.
type Client interface {
	AddCommits(ctx context.Context, in *AddCommitsRequest, opts ...grpc.CallOption) (*AddCommitsResponse, error)
	GetCommits(ctx context.Context, in *GetCommitsRequest, opts ...grpc.CallOption) (*GetCommitsResponse, error)
	AddObject(ctx context.Context, in *AddObjectRequest, opts ...grpc.CallOption) (*AddObjectResponse, error)
	GetObject(ctx context.Context, in *GetObjectRequest, opts ...grpc.CallOption) (*GetObjectResponse, error)
	SetWatcher(ctx context.Context, in *SetWatcherRequest, opts ...grpc.CallOption) (*SetWatcherResponse, error)
	GetDiff(ctx context.Context, in *GetDiffRequest, opts ...grpc.CallOption) (*GetDiffResponse, error)
	UpdateClock(ctx context.Context, in *UpdateClockRequest, opts ...grpc.CallOption) (*UpdateClockResponse, error)
}

type client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a dialed connection (see Dial) as a Client.
func NewClient(cc grpc.ClientConnInterface) Client {
	return &client{cc: cc}
}

func (c *client) AddCommits(ctx context.Context, in *AddCommitsRequest, opts ...grpc.CallOption) (*AddCommitsResponse, error) {
	out := new(AddCommitsResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/AddCommits", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) GetCommits(ctx context.Context, in *GetCommitsRequest, opts ...grpc.CallOption) (*GetCommitsResponse, error) {
	out := new(GetCommitsResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetCommits", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) AddObject(ctx context.Context, in *AddObjectRequest, opts ...grpc.CallOption) (*AddObjectResponse, error) {
	out := new(AddObjectResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/AddObject", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) GetObject(ctx context.Context, in *GetObjectRequest, opts ...grpc.CallOption) (*GetObjectResponse, error) {
	out := new(GetObjectResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetObject", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) SetWatcher(ctx context.Context, in *SetWatcherRequest, opts ...grpc.CallOption) (*SetWatcherResponse, error) {
	out := new(SetWatcherResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetWatcher", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) GetDiff(ctx context.Context, in *GetDiffRequest, opts ...grpc.CallOption) (*GetDiffResponse, error) {
	out := new(GetDiffResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetDiff", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) UpdateClock(ctx context.Context, in *UpdateClockRequest, opts ...grpc.CallOption) (*UpdateClockResponse, error) {
	out := new(UpdateClockResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/UpdateClock", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterServer attaches impl to grpcServer under ServiceDesc.
func RegisterServer(grpcServer *grpc.Server, impl Server) {
	grpcServer.RegisterService(&ServiceDesc, impl)
}

// Dial opens a client connection using the JSON codec in place of protobuf.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	allOpts := append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	return grpc.Dial(target, allOpts...)
}
