package eventsources

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event is a device event decoded by a receiver.
type Event struct {
	Tenant      string
	Source      string
	DeviceToken string
	Type        string
	Payload     *structpb.Struct
	ReceivedAt  time.Time
}

// DecodeEvent parses a JSON event of the form
//
//	{"device_token": "sensor-1", "type": "measurement", "payload": {...}}
func DecodeEvent(data []byte) (*Event, error) {
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	fields := msg.GetFields()
	ev := &Event{
		DeviceToken: fields["device_token"].GetStringValue(),
		Type:        fields["type"].GetStringValue(),
		Payload:     fields["payload"].GetStructValue(),
	}
	if ev.DeviceToken == "" {
		return nil, fmt.Errorf("invalid event: device_token is required")
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("invalid event: type is required")
	}
	if ev.Payload == nil {
		ev.Payload = &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	return ev, nil
}

const (
	// EventManagementServiceName is the fully qualified name of the event management API.
	EventManagementServiceName = "sitewhere.eventmanagement.EventManagement"

	AddDeviceEventMethod = "/" + EventManagementServiceName + "/AddDeviceEvent"
)

// EventManagementServer is the part of the event management API used by
// event sources.
type EventManagementServer interface {
	AddDeviceEvent(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

// EventManagementServiceDesc describes the event management API.
var EventManagementServiceDesc = grpc.ServiceDesc{
	ServiceName: EventManagementServiceName,
	HandlerType: (*EventManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AddDeviceEvent",
			Handler:    addDeviceEventHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sitewhere/eventmanagement/event_management.proto",
}

func addDeviceEventHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventManagementServer).AddDeviceEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: AddDeviceEventMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EventManagementServer).AddDeviceEvent(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterEventManagementServer registers srv on s.
func RegisterEventManagementServer(s grpc.ServiceRegistrar, srv EventManagementServer) {
	s.RegisterService(&EventManagementServiceDesc, srv)
}

// AddDeviceEvent sends an event to event management over cc.
func AddDeviceEvent(ctx context.Context, cc grpc.ClientConnInterface, ev *Event, opts ...grpc.CallOption) error {
	payload := ev.Payload
	if payload == nil {
		payload = &structpb.Struct{}
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"tenant":       structpb.NewStringValue(ev.Tenant),
		"source":       structpb.NewStringValue(ev.Source),
		"device_token": structpb.NewStringValue(ev.DeviceToken),
		"type":         structpb.NewStringValue(ev.Type),
		"received_at":  structpb.NewStringValue(ev.ReceivedAt.UTC().Format(time.RFC3339Nano)),
		"payload":      structpb.NewStructValue(payload),
	}}
	return cc.Invoke(ctx, AddDeviceEventMethod, in, new(emptypb.Empty), opts...)
}

// EventFromStruct is the server-side counterpart of AddDeviceEvent.
func EventFromStruct(s *structpb.Struct) (*Event, error) {
	fields := s.GetFields()
	ev := &Event{
		Tenant:      fields["tenant"].GetStringValue(),
		Source:      fields["source"].GetStringValue(),
		DeviceToken: fields["device_token"].GetStringValue(),
		Type:        fields["type"].GetStringValue(),
		Payload:     fields["payload"].GetStructValue(),
	}
	if raw := fields["received_at"].GetStringValue(); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid received_at %q", raw)
		}
		ev.ReceivedAt = t
	}
	return ev, nil
}
