package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// IdentityServiceName is the fully qualified name of the identity service.
	IdentityServiceName = "sitewhere.microservice.Identity"

	// GetIdentityMethod is the full method name of the identity probe.
	GetIdentityMethod = "/" + IdentityServiceName + "/GetIdentity"
)

// Identity describes the microservice behind a server.
type Identity struct {
	Identifier string
	Name       string
	Version    string
	Global     bool
}

// IdentityServer answers identity probes.
type IdentityServer interface {
	GetIdentity(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// IdentityServiceDesc describes the identity service. It is registered on
// every server so dependents can check reachability and identity cheaply.
var IdentityServiceDesc = grpc.ServiceDesc{
	ServiceName: IdentityServiceName,
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetIdentity",
			Handler:    getIdentityHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sitewhere/microservice/identity.proto",
}

func getIdentityHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).GetIdentity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetIdentityMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IdentityServer).GetIdentity(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterIdentityServer registers srv on s.
func RegisterIdentityServer(s grpc.ServiceRegistrar, srv IdentityServer) {
	s.RegisterService(&IdentityServiceDesc, srv)
}

type identityService struct {
	identity Identity
}

func (s *identityService) GetIdentity(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.identity.toStruct()
}

func (i Identity) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"identifier": i.Identifier,
		"name":       i.Name,
		"version":    i.Version,
		"global":     i.Global,
	})
}

func identityFromStruct(s *structpb.Struct) (*Identity, error) {
	fields := s.GetFields()
	identifier := fields["identifier"].GetStringValue()
	if identifier == "" {
		return nil, fmt.Errorf("identity response has no identifier")
	}
	return &Identity{
		Identifier: identifier,
		Name:       fields["name"].GetStringValue(),
		Version:    fields["version"].GetStringValue(),
		Global:     fields["global"].GetBoolValue(),
	}, nil
}

// GetIdentity calls the identity service over cc.
func GetIdentity(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*Identity, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, GetIdentityMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return identityFromStruct(out)
}
