// Package microservice hosts one platform service in a process: its
// infrastructure components, its tenant engines and its readiness.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"k8s.io/utils/clock"

	"github.com/aiyumi19960310/sitewhere/internal/auth"
	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/demux"
	"github.com/aiyumi19960310/sitewhere/internal/grpcserver"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
	"github.com/aiyumi19960310/sitewhere/internal/tenant"
	"github.com/aiyumi19960310/sitewhere/internal/tracing"
)

// DefaultEventHistory is the number of progress events kept for status output.
const DefaultEventHistory = 256

// Options configures a Microservice.
type Options struct {
	// Settings are the instance settings. Required.
	Settings *config.Config

	// Version is reported by the identity service.
	Version string

	// Registry receives every metric of the process. Nil creates one.
	Registry *prometheus.Registry

	// Clock drives API availability waits. Nil uses the real clock.
	Clock clock.Clock

	// Listen overrides how the gRPC server binds its port.
	Listen grpcserver.ListenerFactory

	// DialOptions are appended to every API channel.
	DialOptions []grpc.DialOption

	// TracingOptions are passed to the tracing provider.
	TracingOptions []tracing.Option

	// EventHistory is the number of progress events kept. Default 256.
	EventHistory int
}

// Microservice runs a Service: it initializes, starts and stops the service's
// infrastructure through composite steps and, unless the service is global,
// manages one tenant engine per enabled tenant.
type Microservice struct {
	*lifecycle.Base

	service  Service
	settings *config.Config
	opts     Options
	logger   *logging.Logger

	model         *config.Model
	tokens        *auth.TokenManager
	authenticator *auth.Authenticator
	tracing       *tracing.TracingProvider
	registry      *prometheus.Registry
	apiMetrics    *demux.Metrics
	recorder      *lifecycle.RecordingMonitor
	monitor       lifecycle.ProgressMonitor
	tenants       *tenant.Manager

	mu         sync.Mutex
	components []lifecycle.Component
	channels   []*demux.Channel
	watcher    *config.TenantsWatcher

	ready atomic.Bool
}

// New creates a microservice for svc.
func New(svc Service, opts Options) (*Microservice, error) {
	if opts.Settings == nil {
		return nil, errors.New("microservice settings are required")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings for %s: %w", svc.Identifier(), err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.EventHistory <= 0 {
		opts.EventHistory = DefaultEventHistory
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	model := svc.BuildConfigurationModel()
	if model == nil {
		return nil, fmt.Errorf("%s returned no configuration model", svc.Identifier())
	}

	tokens, err := auth.NewTokenManager(auth.Config{Secret: opts.Settings.JWTSecret})
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	tp, err := tracing.NewTracingProvider(tracing.Config{
		Enabled:        opts.Settings.Tracing.Enabled,
		Endpoint:       opts.Settings.Tracing.Endpoint,
		TLSCAPath:      opts.Settings.Tracing.TLSCA,
		TLSInsecure:    opts.Settings.Tracing.TLSInsecure,
		ServiceName:    svc.Identifier(),
		ServiceVersion: opts.Version,
	}, opts.TracingOptions...)
	if err != nil {
		return nil, err
	}

	m := &Microservice{
		service:       svc,
		settings:      opts.Settings,
		opts:          opts,
		logger:        logging.GetLogger("microservice").WithField("microservice", svc.Identifier()),
		model:         model,
		tokens:        tokens,
		authenticator: auth.NewAuthenticator(tokens, nil),
		tracing:       tp,
		registry:      opts.Registry,
		apiMetrics:    demux.NewMetrics(opts.Registry),
		recorder:      lifecycle.NewRecordingMonitor(opts.EventHistory),
	}
	m.monitor = lifecycle.Monitors(
		lifecycle.NewLoggingMonitor(m.logger),
		lifecycle.NewMetricsMonitor(opts.Registry),
		m.recorder,
	)

	if !svc.IsGlobal() {
		factory, ok := svc.(TenantEngineFactory)
		if !ok {
			return nil, fmt.Errorf("%s is tenant-scoped but does not create tenant engines", svc.Identifier())
		}
		m.tenants = tenant.NewManager(tenant.ManagerConfig{
			Microservice:     svc.Identifier(),
			Factory:          factory.CreateTenantEngine,
			Model:            model,
			Owner:            m,
			Monitor:          m.monitor,
			RecoveryInterval: opts.Settings.TenantRecoveryInterval,
			StopTimeout:      opts.Settings.ShutdownTimeout,
			Metrics:          tenant.NewMetrics(opts.Registry),
		})
	}

	m.Base = lifecycle.NewBase(svc.Identifier(), lifecycle.Hooks{
		OnInitialize: m.initialize,
		OnStart:      m.start,
		OnStop:       m.stop,
		OnTerminate:  m.terminate,
	})
	return m, nil
}

func (m *Microservice) monitorOr(monitor lifecycle.ProgressMonitor) lifecycle.ProgressMonitor {
	if monitor == nil {
		return m.monitor
	}
	return lifecycle.Monitors(m.monitor, monitor)
}

// Initialize runs the "Initialize <name>" composite step.
func (m *Microservice) Initialize(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	return m.Base.Initialize(ctx, m.monitorOr(monitor))
}

// Start runs the "Start <name>" composite step and then the after-start work:
// the service's AfterStartHook followed by loading the tenants. A failure of
// the after-start work is logged and leaves the microservice running but not
// ready; only a failed start composite is returned.
func (m *Microservice) Start(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	if err := m.Base.Start(ctx, m.monitorOr(monitor)); err != nil {
		return err
	}
	m.afterStarted(ctx)
	return nil
}

// Stop runs the "Stop <name>" composite step. Readiness is cleared first.
func (m *Microservice) Stop(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	m.ready.Store(false)
	return m.Base.Stop(ctx, m.monitorOr(monitor))
}

// Terminate runs the "Terminate <name>" composite step.
func (m *Microservice) Terminate(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	return m.Base.Terminate(ctx, m.monitorOr(monitor))
}

func (m *Microservice) initialize(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	step := lifecycle.NewCompositeStep("Initialize " + m.service.Name())
	step.AddInitializeStep(m, m.tracing, false)
	if err := m.service.MicroserviceInitialize(ctx, m, step); err != nil {
		return err
	}
	if m.tenants != nil {
		step.AddInitializeStep(m, m.tenants, true)
	}
	return m.execute(ctx, step, monitor)
}

func (m *Microservice) start(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	step := lifecycle.NewCompositeStep("Start " + m.service.Name())
	step.AddStartStep(m, m.tracing, false)
	if err := m.service.MicroserviceStart(ctx, m, step); err != nil {
		return err
	}
	if m.tenants != nil {
		step.AddStartStep(m, m.tenants, true)
	}
	return m.execute(ctx, step, monitor)
}

func (m *Microservice) stop(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	m.stopWatcher()

	step := lifecycle.NewCompositeStep("Stop "+m.service.Name(), lifecycle.WithStopTimeout(m.settings.ShutdownTimeout))
	if m.tenants != nil {
		step.AddStopStep(m, m.tenants)
	}
	if err := m.service.MicroserviceStop(ctx, m, step); err != nil {
		return err
	}
	step.AddStopStep(m, m.tracing)
	return m.execute(ctx, step, monitor)
}

func (m *Microservice) terminate(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	m.stopWatcher()

	step := lifecycle.NewCompositeStep("Terminate "+m.service.Name(), lifecycle.WithStopTimeout(m.settings.ShutdownTimeout))
	if m.tenants != nil {
		addTeardown(m, step, m.tenants)
	}
	components := m.Components()
	for i := len(components) - 1; i >= 0; i-- {
		addTeardown(m, step, components[i])
	}
	if t, ok := m.service.(Terminator); ok {
		if err := t.MicroserviceTerminate(ctx, m, step); err != nil {
			return err
		}
	}
	addTeardown(m, step, m.tracing)
	return m.execute(ctx, step, monitor)
}

// addTeardown adds the steps that take c to TERMINATED from its current
// state. A terminate after a failed start finds some components still running.
func addTeardown(owner lifecycle.Component, step *lifecycle.CompositeStep, c lifecycle.Component) {
	switch c.State() {
	case lifecycle.StateStarted:
		step.AddStopStep(owner, c)
		step.AddTerminateStep(owner, c)
	case lifecycle.StateCreated, lifecycle.StateInitialized, lifecycle.StateStopped, lifecycle.StateErrored:
		step.AddTerminateStep(owner, c)
	}
}

func (m *Microservice) execute(ctx context.Context, step *lifecycle.CompositeStep, monitor lifecycle.ProgressMonitor) error {
	err := step.Execute(ctx, monitor)
	for _, f := range step.Failures() {
		m.logger.Warn("%s: tolerated failure: %s", step.Name(), f)
	}
	return err
}

func (m *Microservice) afterStarted(ctx context.Context) {
	if hook, ok := m.service.(AfterStartHook); ok {
		if err := hook.AfterMicroserviceStarted(ctx, m); err != nil {
			m.logger.ErrorWithErr("%s started but is not ready", err, m.service.Name())
			return
		}
	}
	if err := m.loadTenants(ctx); err != nil {
		m.logger.ErrorWithErr("%s started but tenants could not be loaded", err, m.service.Name())
		return
	}
	m.ready.Store(true)
	m.logger.Info("%s is ready", m.service.Name())
}

func (m *Microservice) loadTenants(ctx context.Context) error {
	if m.tenants == nil || m.settings.TenantsConfig == "" {
		return nil
	}
	w, err := config.NewTenantsWatcher(config.TenantsWatcherConfig{FilePath: m.settings.TenantsConfig}, m.reconcile)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	return nil
}

// reconcile applies a tenants file. Per-tenant failures are logged; errored
// engines are left to background recovery.
func (m *Microservice) reconcile(ctx context.Context, tenants *config.TenantsFile) error {
	if err := m.tenants.Reconcile(ctx, tenants.Tenants); err != nil {
		m.logger.WarnWithErr("Some tenant engines failed", err)
	}
	return nil
}

func (m *Microservice) stopWatcher() {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w != nil {
		if err := w.Stop(); err != nil {
			m.logger.WarnWithErr("Failed to stop tenants watcher", err)
		}
	}
}

// Identifier returns the stable short token of the service.
func (m *Microservice) Identifier() string {
	return m.service.Identifier()
}

// IsGlobal reports whether the service runs without tenant engines.
func (m *Microservice) IsGlobal() bool {
	return m.service.IsGlobal()
}

// Version returns the reported service version.
func (m *Microservice) Version() string {
	return m.opts.Version
}

// Service returns the hosted service.
func (m *Microservice) Service() Service {
	return m.service
}

// Identity returns the identity served by the microservice's gRPC server.
func (m *Microservice) Identity() grpcserver.Identity {
	return grpcserver.Identity{
		Identifier: m.service.Identifier(),
		Name:       m.service.Name(),
		Version:    m.opts.Version,
		Global:     m.service.IsGlobal(),
	}
}

// Ready reports whether the microservice started, its after-start work
// succeeded and it has not been stopped since.
func (m *Microservice) Ready() bool {
	return m.ready.Load()
}

func (m *Microservice) Settings() *config.Config {
	return m.settings
}

// ConfigurationModel returns the model built once at construction.
func (m *Microservice) ConfigurationModel() *config.Model {
	return m.model
}

func (m *Microservice) TokenManager() *auth.TokenManager {
	return m.tokens
}

// TracerProvider returns a provider that follows the tracing component.
func (m *Microservice) TracerProvider() trace.TracerProvider {
	return m.tracing.Deferred()
}

// Tracing returns the tracing provider component.
func (m *Microservice) Tracing() *tracing.TracingProvider {
	return m.tracing
}

// Registerer returns the metrics registry of the process.
func (m *Microservice) Registerer() prometheus.Registerer {
	return m.registry
}

// Gatherer returns the metrics registry of the process.
func (m *Microservice) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Monitor returns the progress monitor used for every transition.
func (m *Microservice) Monitor() lifecycle.ProgressMonitor {
	return m.monitor
}

// RecentEvents returns the most recent progress events.
func (m *Microservice) RecentEvents() []lifecycle.ProgressEvent {
	return m.recorder.Events()
}

// TenantEngines returns the tenant engine manager, or ErrGlobalMicroservice.
func (m *Microservice) TenantEngines() (*tenant.Manager, error) {
	if m.tenants == nil {
		return nil, fmt.Errorf("%w: %s", tenant.ErrGlobalMicroservice, m.service.Identifier())
	}
	return m.tenants, nil
}

// CreateTenantEngine creates an engine for a tenant outside of the tenants file.
func (m *Microservice) CreateTenantEngine(ctx context.Context, tc config.TenantConfig) (*tenant.Engine, error) {
	tenants, err := m.TenantEngines()
	if err != nil {
		return nil, err
	}
	return tenants.CreateTenantEngine(ctx, tc)
}

// RemoveTenantEngine removes the engine of a tenant.
func (m *Microservice) RemoveTenantEngine(ctx context.Context, tenantID string) error {
	tenants, err := m.TenantEngines()
	if err != nil {
		return err
	}
	return tenants.RemoveTenantEngine(ctx, tenantID)
}

// Track adds a component to the status output and to terminate.
func (m *Microservice) Track(c lifecycle.Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
}

// Components returns the tracked infrastructure components in creation order.
func (m *Microservice) Components() []lifecycle.Component {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]lifecycle.Component(nil), m.components...)
}

// NewServer creates the microservice's gRPC server for impl. The server
// carries the identity and health services and the authentication and
// tracing interceptors.
func (m *Microservice) NewServer(impl grpcserver.ServiceImplementation) *grpcserver.Server {
	s := grpcserver.New(grpcserver.Config{
		Port:           m.settings.GRPCPort,
		Identity:       m.Identity(),
		Service:        impl,
		Authenticator:  m.authenticator,
		TracerProvider: m.TracerProvider(),
		Listen:         m.opts.Listen,
	})
	m.Track(s)
	return s
}

// NewApiChannel creates a channel to the API of another microservice using
// the configured address and availability settings. A nil probe checks the
// remote identity.
func (m *Microservice) NewApiChannel(target string, probe demux.Probe) *demux.Channel {
	ch := demux.NewChannel(demux.Config{
		Target:          target,
		Address:         m.settings.DependencyAddress(target),
		Caller:          m.service.Identifier(),
		Tokens:          m.tokens,
		TracerProvider:  m.TracerProvider(),
		Probe:           probe,
		Clock:           m.opts.Clock,
		WaitTimeout:     m.settings.APIWaitTimeout,
		InitialInterval: m.settings.ProbeInterval,
		MaxInterval:     m.settings.ProbeMaxInterval,
		ProbeTimeout:    m.settings.ProbeTimeout,
		Metrics:         m.apiMetrics,
		DialOptions:     m.opts.DialOptions,
	})
	m.Track(ch)
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
	return ch
}

// ApiChannels returns every channel created with NewApiChannel.
func (m *Microservice) ApiChannels() []*demux.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*demux.Channel(nil), m.channels...)
}

// WaitForApisAvailable blocks until every API channel is available.
func (m *Microservice) WaitForApisAvailable(ctx context.Context) error {
	channels := m.ApiChannels()
	if len(channels) == 0 {
		return nil
	}
	m.logger.Info("Waiting for %d dependency APIs", len(channels))
	return demux.WaitForAll(ctx, channels...)
}
