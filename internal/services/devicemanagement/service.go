// Package devicemanagement implements the device management microservice:
// a tenant-scoped device registry served over gRPC, with API channels to
// event management and asset management.
package devicemanagement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/utils/clock"

	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/demux"
	"github.com/aiyumi19960310/sitewhere/internal/grpcserver"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/microservice"
	"github.com/aiyumi19960310/sitewhere/internal/tenant"
)

// Name is the display name of the microservice.
const Name = "Device Management"

// Tenant configuration attributes.
const (
	AttrCacheSize = "device_cache_size"
	AttrCacheTTL  = "device_cache_ttl"
)

// Options configures the device management service.
type Options struct {
	// Clock ages device cache entries. Nil uses the real clock.
	Clock clock.PassiveClock
}

// Service is the device management microservice.
type Service struct {
	opts Options

	ms      *microservice.Microservice
	once    sync.Once
	metrics *Metrics

	server          *grpcserver.Server
	eventManagement *demux.Channel
	assetManagement *demux.Channel
}

// New creates the device management service.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Service{opts: opts}
}

func (s *Service) Identifier() string { return microservice.DeviceManagement }
func (s *Service) Name() string       { return Name }
func (s *Service) IsGlobal() bool     { return false }

// BuildConfigurationModel describes the per-tenant device cache settings.
func (s *Service) BuildConfigurationModel() *config.Model {
	return config.NewModel(microservice.DeviceManagement, "Device management tenant configuration",
		config.Attribute{
			Name:        AttrCacheSize,
			Type:        config.AttributeInt,
			Description: "Maximum number of devices kept per tenant",
			Default:     10000,
			Rules:       "min=1,max=1000000",
		},
		config.Attribute{
			Name:        AttrCacheTTL,
			Type:        config.AttributeDuration,
			Description: "Age after which a device is dropped; 0 keeps devices until evicted",
			Default:     time.Duration(0),
		},
	)
}

// MicroserviceInitialize creates the gRPC server and the API channels. All
// three are required.
func (s *Service) MicroserviceInitialize(ctx context.Context, ms *microservice.Microservice, step *lifecycle.CompositeStep) error {
	s.once.Do(func() {
		s.ms = ms
		s.metrics = NewMetrics(ms.Registerer())
		api := &deviceAPI{caches: s, metrics: s.metrics, now: s.opts.Clock.Now}
		s.server = ms.NewServer(grpcserver.ServiceFunc(func(r grpc.ServiceRegistrar) {
			RegisterDeviceManagementServer(r, api)
		}))
		s.eventManagement = ms.NewApiChannel(microservice.EventManagement, nil)
		s.assetManagement = ms.NewApiChannel(microservice.AssetManagement, nil)
	})

	step.AddInitializeStep(ms, s.server, true)
	step.AddInitializeStep(ms, s.eventManagement, true)
	step.AddInitializeStep(ms, s.assetManagement, true)
	return nil
}

func (s *Service) MicroserviceStart(ctx context.Context, ms *microservice.Microservice, step *lifecycle.CompositeStep) error {
	step.AddStartStep(ms, s.server, true)
	step.AddStartStep(ms, s.eventManagement, true)
	step.AddStartStep(ms, s.assetManagement, true)
	return nil
}

func (s *Service) MicroserviceStop(ctx context.Context, ms *microservice.Microservice, step *lifecycle.CompositeStep) error {
	step.AddStopStep(ms, s.server)
	step.AddStopStep(ms, s.eventManagement)
	step.AddStopStep(ms, s.assetManagement)
	return nil
}

// Server returns the device management gRPC server.
func (s *Service) Server() *grpcserver.Server {
	return s.server
}

// EventManagement returns the channel to the event management API.
func (s *Service) EventManagement() *demux.Channel {
	return s.eventManagement
}

// AssetManagement returns the channel to the asset management API.
func (s *Service) AssetManagement() *demux.Channel {
	return s.assetManagement
}

// CreateTenantEngine builds the engine of a tenant from its resolved configuration.
func (s *Service) CreateTenantEngine(t tenant.Tenant) (tenant.EngineHooks, error) {
	size, _ := t.Config[AttrCacheSize].(int)
	ttl, _ := t.Config[AttrCacheTTL].(time.Duration)
	if ttl < 0 {
		return nil, fmt.Errorf("%s must not be negative", AttrCacheTTL)
	}
	return &engine{cache: NewDeviceCache(t.ID, size, ttl, s.opts.Clock, s.metrics)}, nil
}

// DeviceCache returns the device cache of a started tenant engine.
func (s *Service) DeviceCache(tenantID string) (*DeviceCache, error) {
	return s.deviceCache(tenantID)
}

func (s *Service) deviceCache(tenantID string) (*DeviceCache, error) {
	if s.ms == nil {
		return nil, status.Error(codes.Unavailable, "device management is not initialized")
	}
	engines, err := s.ms.TenantEngines()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	e, ok := engines.Engine(tenantID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no tenant engine for %s", tenantID)
	}
	if e.State() != lifecycle.StateStarted {
		return nil, status.Errorf(codes.Unavailable, "tenant engine for %s is %s", tenantID, e.State())
	}
	hooks, ok := e.Hooks().(*engine)
	if !ok {
		return nil, status.Errorf(codes.Internal, "unexpected tenant engine for %s", tenantID)
	}
	return hooks.cache, nil
}

// engine holds the tenant-scoped components of device management.
type engine struct {
	cache *DeviceCache
}

func (e *engine) TenantInitialize(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddInitializeStep(te, e.cache, true)
	return nil
}

func (e *engine) TenantStart(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddStartStep(te, e.cache, true)
	return nil
}

func (e *engine) TenantStop(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddStopStep(te, e.cache)
	return nil
}

func (e *engine) TenantTerminate(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddTerminateStep(te, e.cache)
	return nil
}
