// Package batchoperations implements the batch operations microservice. It
// has no infrastructure of its own; every tenant engine runs a worker that
// applies an operation type to a list of elements with bounded concurrency
// and per-element retries.
package batchoperations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
	"github.com/aiyumi19960310/sitewhere/internal/microservice"
	"github.com/aiyumi19960310/sitewhere/internal/tenant"
)

// Name is the display name of the microservice.
const Name = "Batch Operations"

// Tenant configuration attributes.
const (
	AttrConcurrency    = "concurrency"
	AttrQueueSize      = "queue_size"
	AttrHistorySize    = "history_size"
	AttrMaxRetries     = "max_retries"
	AttrRetryInterval  = "retry_interval"
	AttrElementTimeout = "element_timeout"
)

// NoopOperation is always available and succeeds for every element.
const NoopOperation = "noop"

// Options configures the batch operations service.
type Options struct {
	// Handlers maps operation types to their handlers, in addition to NoopOperation.
	Handlers map[string]Handler

	// Clock stamps operations. Nil uses the real clock.
	Clock clock.PassiveClock
}

// Service is the batch operations microservice.
type Service struct {
	opts   Options
	logger *logging.Logger

	ms       *microservice.Microservice
	once     sync.Once
	metrics  *Metrics
	handlers map[string]Handler
}

// New creates the batch operations service.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	handlers := map[string]Handler{
		NoopOperation: HandlerFunc(func(context.Context, Element) error { return nil }),
	}
	for name, h := range opts.Handlers {
		handlers[name] = h
	}
	return &Service{
		opts:     opts,
		logger:   logging.GetLogger("batchoperations"),
		handlers: handlers,
	}
}

func (s *Service) Identifier() string { return microservice.BatchOperations }
func (s *Service) Name() string       { return Name }
func (s *Service) IsGlobal() bool     { return false }

// BuildConfigurationModel describes the per-tenant worker.
func (s *Service) BuildConfigurationModel() *config.Model {
	return config.NewModel(microservice.BatchOperations, "Batch operations tenant configuration",
		config.Attribute{
			Name:        AttrConcurrency,
			Type:        config.AttributeInt,
			Description: "Elements of one operation processed concurrently",
			Default:     4,
			Rules:       "min=1,max=64",
		},
		config.Attribute{
			Name:        AttrQueueSize,
			Type:        config.AttributeInt,
			Description: "Operations waiting for the worker before new ones are rejected",
			Default:     100,
			Rules:       "min=1,max=10000",
		},
		config.Attribute{
			Name:        AttrHistorySize,
			Type:        config.AttributeInt,
			Description: "Recent operations kept for status queries",
			Default:     1000,
			Rules:       "min=1,max=100000",
		},
		config.Attribute{
			Name:        AttrMaxRetries,
			Type:        config.AttributeInt,
			Description: "Retries of a failed element",
			Default:     3,
			Rules:       "min=0,max=20",
		},
		config.Attribute{
			Name:        AttrRetryInterval,
			Type:        config.AttributeDuration,
			Description: "First delay between retries of an element",
			Default:     time.Second,
		},
		config.Attribute{
			Name:        AttrElementTimeout,
			Type:        config.AttributeDuration,
			Description: "Time allowed for one attempt on one element",
			Default:     30 * time.Second,
		},
	)
}

// MicroserviceInitialize prepares metrics. Batch operations has no
// microservice-level components.
func (s *Service) MicroserviceInitialize(ctx context.Context, ms *microservice.Microservice, step *lifecycle.CompositeStep) error {
	s.once.Do(func() {
		s.ms = ms
		s.metrics = NewMetrics(ms.Registerer())
	})
	return nil
}

func (s *Service) MicroserviceStart(ctx context.Context, ms *microservice.Microservice, step *lifecycle.CompositeStep) error {
	return nil
}

func (s *Service) MicroserviceStop(ctx context.Context, ms *microservice.Microservice, step *lifecycle.CompositeStep) error {
	return nil
}

// OperationTypes returns the registered operation types.
func (s *Service) OperationTypes() []string {
	types := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		types = append(types, name)
	}
	return types
}

// CreateTenantEngine builds the tenant's batch worker.
func (s *Service) CreateTenantEngine(t tenant.Tenant) (tenant.EngineHooks, error) {
	retryInterval, _ := t.Config[AttrRetryInterval].(time.Duration)
	if retryInterval <= 0 {
		return nil, fmt.Errorf("%s must be positive", AttrRetryInterval)
	}
	elementTimeout, _ := t.Config[AttrElementTimeout].(time.Duration)
	if elementTimeout < 0 {
		return nil, fmt.Errorf("%s must not be negative", AttrElementTimeout)
	}
	concurrency, _ := t.Config[AttrConcurrency].(int)
	queueSize, _ := t.Config[AttrQueueSize].(int)
	historySize, _ := t.Config[AttrHistorySize].(int)
	maxRetries, _ := t.Config[AttrMaxRetries].(int)

	return &engine{worker: NewWorker(WorkerConfig{
		Tenant:         t.ID,
		Concurrency:    concurrency,
		QueueSize:      queueSize,
		HistorySize:    historySize,
		MaxRetries:     maxRetries,
		RetryInterval:  retryInterval,
		ElementTimeout: elementTimeout,
		Handlers:       s.handlers,
		Metrics:        s.metrics,
		Clock:          s.opts.Clock,
	})}, nil
}

// Worker returns the batch worker of a tenant.
func (s *Service) Worker(tenantID string) (*Worker, error) {
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
	return hooks.worker, nil
}

type engine struct {
	worker *Worker
}

func (e *engine) TenantInitialize(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddInitializeStep(te, e.worker, true)
	return nil
}

func (e *engine) TenantStart(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddStartStep(te, e.worker, true)
	return nil
}

func (e *engine) TenantStop(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddStopStep(te, e.worker)
	return nil
}

func (e *engine) TenantTerminate(ctx context.Context, te *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddTerminateStep(te, e.worker)
	return nil
}
