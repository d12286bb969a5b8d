package devicemanagement

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aiyumi19960310/sitewhere/internal/auth"
)

const (
	// ServiceName is the fully qualified name of the device management API.
	ServiceName = "sitewhere.devicemanagement.DeviceManagement"

	GetDeviceMethod      = "/" + ServiceName + "/GetDevice"
	RegisterDeviceMethod = "/" + ServiceName + "/RegisterDevice"
)

// DeviceManagementServer is the server API of device management.
type DeviceManagementServer interface {
	GetDevice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RegisterDevice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the device management API.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetDevice",
			Handler:    unaryHandler(GetDeviceMethod, DeviceManagementServer.GetDevice),
		},
		{
			MethodName: "RegisterDevice",
			Handler:    unaryHandler(RegisterDeviceMethod, DeviceManagementServer.RegisterDevice),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sitewhere/devicemanagement/device_management.proto",
}

type unaryMethod func(DeviceManagementServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DeviceManagementServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(DeviceManagementServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterDeviceManagementServer registers srv on s.
func RegisterDeviceManagementServer(s grpc.ServiceRegistrar, srv DeviceManagementServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// cacheResolver finds the device cache of a tenant.
type cacheResolver interface {
	deviceCache(tenant string) (*DeviceCache, error)
}

type deviceAPI struct {
	caches  cacheResolver
	metrics *Metrics
	now     func() time.Time
}

func (a *deviceAPI) GetDevice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := requestTenant(ctx, in)
	if err != nil {
		return nil, err
	}
	token := in.GetFields()["token"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	cache, err := a.caches.deviceCache(tenant)
	if err != nil {
		return nil, err
	}
	device, ok := cache.Get(token)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "device %s not found in tenant %s", token, tenant)
	}
	return deviceToStruct(tenant, device)
}

func (a *deviceAPI) RegisterDevice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := requestTenant(ctx, in)
	if err != nil {
		return nil, err
	}
	device, err := deviceFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cache, err := a.caches.deviceCache(tenant)
	if err != nil {
		return nil, err
	}
	if existing, ok := cache.peek(device.Token); ok {
		device.CreatedAt = existing.CreatedAt
	} else {
		device.CreatedAt = a.now().UTC()
	}
	if err := cache.Put(device); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	a.metrics.observeRegistered(tenant)
	return deviceToStruct(tenant, device)
}

// requestTenant returns the tenant a call is scoped to. A tenant carried by
// the caller's token must match the requested tenant.
func requestTenant(ctx context.Context, in *structpb.Struct) (string, error) {
	requested := in.GetFields()["tenant"].GetStringValue()
	if claims, ok := auth.ClaimsFromContext(ctx); ok && claims.Tenant != "" {
		if requested != "" && requested != claims.Tenant {
			return "", status.Errorf(codes.PermissionDenied, "token is scoped to tenant %s", claims.Tenant)
		}
		return claims.Tenant, nil
	}
	if requested == "" {
		return "", status.Error(codes.InvalidArgument, "tenant is required")
	}
	return requested, nil
}

func deviceToStruct(tenant string, d *Device) (*structpb.Struct, error) {
	metadata := make(map[string]interface{}, len(d.Metadata))
	for k, v := range d.Metadata {
		metadata[k] = v
	}
	return structpb.NewStruct(map[string]interface{}{
		"tenant":      tenant,
		"token":       d.Token,
		"device_type": d.DeviceType,
		"metadata":    metadata,
		"created_at":  d.CreatedAt.Format(time.RFC3339Nano),
	})
}

func deviceFromStruct(s *structpb.Struct) (*Device, error) {
	fields := s.GetFields()
	token := fields["token"].GetStringValue()
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	d := &Device{
		Token:      token,
		DeviceType: fields["device_type"].GetStringValue(),
		Metadata:   make(map[string]string),
	}
	for k, v := range fields["metadata"].GetStructValue().GetFields() {
		d.Metadata[k] = v.GetStringValue()
	}
	if created := fields["created_at"].GetStringValue(); created != "" {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at %q", created)
		}
		d.CreatedAt = t
	}
	return d, nil
}

// GetDevice looks up a device of a tenant over cc.
func GetDevice(ctx context.Context, cc grpc.ClientConnInterface, tenant, token string, opts ...grpc.CallOption) (*Device, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"tenant": tenant, "token": token})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, GetDeviceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return deviceFromStruct(out)
}

// RegisterDevice registers or replaces a device of a tenant over cc.
func RegisterDevice(ctx context.Context, cc grpc.ClientConnInterface, tenant string, d *Device, opts ...grpc.CallOption) (*Device, error) {
	metadata := make(map[string]interface{}, len(d.Metadata))
	for k, v := range d.Metadata {
		metadata[k] = v
	}
	in, err := structpb.NewStruct(map[string]interface{}{
		"tenant":      tenant,
		"token":       d.Token,
		"device_type": d.DeviceType,
		"metadata":    metadata,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, RegisterDeviceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return deviceFromStruct(out)
}
