// Package eventsources implements the event sources microservice: per-tenant
// receivers that accept device events, check the device with device
// management and forward the event to event management.
package eventsources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/utils/clock"

	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/demux"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
	"github.com/aiyumi19960310/sitewhere/internal/microservice"
	"github.com/aiyumi19960310/sitewhere/internal/services/devicemanagement"
	"github.com/aiyumi19960310/sitewhere/internal/tenant"
)

// Name is the display name of the microservice.
const Name = "Event Sources"

// Tenant configuration attributes.
const (
	AttrSources        = "sources"
	AttrReceiverBuffer = "receiver_buffer"
	AttrForwardTimeout = "forward_timeout"
)

// ErrUnknownSource is returned for a source the tenant does not configure.
var ErrUnknownSource = errors.New("unknown event source")

var validate = validator.New()

// Options configures the event sources service.
type Options struct {
	// Clock stamps received events. Nil uses the real clock.
	Clock clock.PassiveClock
}

// Service is the event sources microservice.
type Service struct {
	opts   Options
	logger *logging.Logger

	ms      *microservice.Microservice
	once    sync.Once
	metrics *Metrics

	deviceManagement *demux.Channel
	eventManagement  *demux.Channel
}

// New creates the event sources service.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Service{opts: opts, logger: logging.GetLogger("eventsources")}
}

func (s *Service) Identifier() string { return microservice.EventSources }
func (s *Service) Name() string       { return Name }
func (s *Service) IsGlobal() bool     { return false }

// BuildConfigurationModel describes the per-tenant receivers.
func (s *Service) BuildConfigurationModel() *config.Model {
	return config.NewModel(microservice.EventSources, "Event sources tenant configuration",
		config.Attribute{
			Name:        AttrSources,
			Type:        config.AttributeString,
			Description: "Comma-separated identifiers of the tenant's event sources",
			Default:     "default",
		},
		config.Attribute{
			Name:        AttrReceiverBuffer,
			Type:        config.AttributeInt,
			Description: "Events buffered per source before new events are rejected",
			Default:     1000,
			Rules:       "min=1,max=100000",
		},
		config.Attribute{
			Name:        AttrForwardTimeout,
			Type:        config.AttributeDuration,
			Description: "Time allowed to check and forward one event",
			Default:     10 * time.Second,
		},
	)
}

// MicroserviceInitialize creates the device management and event management
// API channels. Both are required.
func (s *Service) MicroserviceInitialize(ctx context.Context, ms *microservice.Microservice, step *lifecycle.CompositeStep) error {
	s.once.Do(func() {
		s.ms = ms
		s.metrics = NewMetrics(ms.Registerer())
		s.deviceManagement = ms.NewApiChannel(microservice.DeviceManagement, nil)
		s.eventManagement = ms.NewApiChannel(microservice.EventManagement, nil)
	})

	step.AddInitializeStep(ms, s.deviceManagement, true)
	step.AddInitializeStep(ms, s.eventManagement, true)
	return nil
}

func (s *Service) MicroserviceStart(ctx context.Context, ms *microservice.Microservice, step *lifecycle.CompositeStep) error {
	step.AddStartStep(ms, s.deviceManagement, true)
	step.AddStartStep(ms, s.eventManagement, true)
	return nil
}

func (s *Service) MicroserviceStop(ctx context.Context, ms *microservice.Microservice, step *lifecycle.CompositeStep) error {
	step.AddStopStep(ms, s.deviceManagement)
	step.AddStopStep(ms, s.eventManagement)
	return nil
}

// AfterMicroserviceStarted waits until device management and event
// management answer before the microservice reports ready.
func (s *Service) AfterMicroserviceStarted(ctx context.Context, ms *microservice.Microservice) error {
	if err := ms.WaitForApisAvailable(ctx); err != nil {
		return fmt.Errorf("required APIs not available: %w", err)
	}
	s.logger.Info("All required APIs detected as available")
	return nil
}

// DeviceManagement returns the channel to the device management API.
func (s *Service) DeviceManagement() *demux.Channel {
	return s.deviceManagement
}

// EventManagement returns the channel to the event management API.
func (s *Service) EventManagement() *demux.Channel {
	return s.eventManagement
}

// Forward checks that the event's device is registered and sends the event
// to event management.
func (s *Service) Forward(ctx context.Context, ev *Event) error {
	dm, em := s.deviceManagement.Conn(), s.eventManagement.Conn()
	if dm == nil || em == nil {
		return fmt.Errorf("%w: API channels are not connected", demux.ErrApiNotAvailable)
	}
	if _, err := devicemanagement.GetDevice(ctx, dm, ev.Tenant, ev.DeviceToken); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrUnregisteredDevice, ev.DeviceToken)
		}
		return fmt.Errorf("device lookup for %s failed: %w", ev.DeviceToken, err)
	}
	if err := AddDeviceEvent(ctx, em, ev); err != nil {
		return fmt.Errorf("failed to add event for %s: %w", ev.DeviceToken, err)
	}
	return nil
}

// ParseSources splits a sources attribute into source identifiers.
func ParseSources(raw string) ([]string, error) {
	var sources []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if err := validate.Var(id, "hostname_rfc1123"); err != nil {
			return nil, fmt.Errorf("invalid source id %q", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate source id %q", id)
		}
		seen[id] = true
		sources = append(sources, id)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%s must name at least one source", AttrSources)
	}
	return sources, nil
}

// CreateTenantEngine builds one receiver per configured source.
func (s *Service) CreateTenantEngine(t tenant.Tenant) (tenant.EngineHooks, error) {
	raw, _ := t.Config[AttrSources].(string)
	sources, err := ParseSources(raw)
	if err != nil {
		return nil, err
	}
	buffer, _ := t.Config[AttrReceiverBuffer].(int)
	timeout, _ := t.Config[AttrForwardTimeout].(time.Duration)
	if timeout <= 0 {
		return nil, fmt.Errorf("%s must be positive", AttrForwardTimeout)
	}

	e := &engine{receivers: make(map[string]*Receiver, len(sources))}
	for _, source := range sources {
		r := NewReceiver(ReceiverConfig{
			Tenant:    t.ID,
			Source:    source,
			Buffer:    buffer,
			Timeout:   timeout,
			Forwarder: s,
			Metrics:   s.metrics,
			Clock:     s.opts.Clock,
		})
		e.order = append(e.order, r)
		e.receivers[source] = r
	}
	return e, nil
}

// Receiver returns the receiver of a source of a tenant.
func (s *Service) Receiver(tenantID, source string) (*Receiver, error) {
	if s.ms == nil {
		return nil, fmt.Errorf("%s is not initialized", Name)
	}
	engines, err := s.ms.TenantEngines()
	if err != nil {
		return nil, err
	}
	e, ok := engines.Engine(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tenant.ErrEngineNotFound, tenantID)
	}
	hooks, ok := e.Hooks().(*engine)
	if !ok {
		return nil, fmt.Errorf("unexpected tenant engine for %s", tenantID)
	}
	r, ok := hooks.receivers[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s for tenant %s", ErrUnknownSource, source, tenantID)
	}
	return r, nil
}

// engine holds the receivers of one tenant. Receivers are optional: a
// receiver that fails leaves the others running.
type engine struct {
	order     []*Receiver
	receivers map[string]*Receiver
}

func (e *engine) TenantInitialize(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	for _, r := range e.order {
		step.AddInitializeStep(te, r, false)
	}
	return nil
}

func (e *engine) TenantStart(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	for _, r := range e.order {
		step.AddStartStep(te, r, false)
	}
	return nil
}

func (e *engine) TenantStop(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	for i := len(e.order) - 1; i >= 0; i-- {
		step.AddStopStep(te, e.order[i])
	}
	return nil
}

func (e *engine) TenantTerminate(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	for i := len(e.order) - 1; i >= 0; i-- {
		step.AddTerminateStep(te, e.order[i])
	}
	return nil
}
