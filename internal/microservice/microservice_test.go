package microservice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type timeline struct {
	mu      sync.Mutex
	entries []string
	times   map[string]time.Time
}

func newTimeline() *timeline {
	return &timeline{times: make(map[string]time.Time)}
}

func (tl *timeline) record(entry string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries = append(tl.entries, entry)
	tl.times[entry] = time.Now()
	time.Sleep(time.Millisecond)
}

func (tl *timeline) at(entry string) time.Time {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.times[entry]
}

func (tl *timeline) all() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.entries...)
}

func recordedComponent(name string, tl *timeline, fail map[string]error) *lifecycle.Base {
	hook := func(phase string) lifecycle.HookFunc {
		return func(ctx context.Context, _ lifecycle.ProgressMonitor) error {
			tl.record(name + ":" + phase)
			return fail[name+":"+phase]
		}
	}
	return lifecycle.NewBase(name, lifecycle.Hooks{
		OnInitialize: hook("initialize"),
		OnStart:      hook("start"),
		OnStop:       hook("stop"),
		OnTerminate:  hook("terminate"),
	})
}

// fakeService has two required infrastructure components; a depends on b.
type fakeService struct {
	global     bool
	a, b       *lifecycle.Base
	tl         *timeline
	afterStart func(ctx context.Context) error
	noModel    bool
}

func newFakeService(tl *timeline, fail map[string]error) *fakeService {
	return &fakeService{
		a:  recordedComponent("a", tl, fail),
		b:  recordedComponent("b", tl, fail),
		tl: tl,
	}
}

func (s *fakeService) Identifier() string { return DeviceManagement }
func (s *fakeService) Name() string       { return "Device Management" }
func (s *fakeService) IsGlobal() bool     { return s.global }

func (s *fakeService) BuildConfigurationModel() *config.Model {
	if s.noModel {
		return nil
	}
	return config.NewModel(DeviceManagement, "test",
		config.Attribute{Name: "label", Type: config.AttributeString, Default: "none"})
}

func (s *fakeService) MicroserviceInitialize(ctx context.Context, ms *Microservice, step *lifecycle.CompositeStep) error {
	ms.Track(s.b)
	ms.Track(s.a)
	step.AddInitializeStep(ms, s.b, true)
	step.AddInitializeStep(ms, s.a, true)
	return nil
}

func (s *fakeService) MicroserviceStart(ctx context.Context, ms *Microservice, step *lifecycle.CompositeStep) error {
	step.AddStartStep(ms, s.b, true)
	step.AddStartStep(ms, s.a, true)
	return nil
}

func (s *fakeService) MicroserviceStop(ctx context.Context, ms *Microservice, step *lifecycle.CompositeStep) error {
	step.AddStopStep(ms, s.a)
	step.AddStopStep(ms, s.b)
	return nil
}

func (s *fakeService) AfterMicroserviceStarted(ctx context.Context, ms *Microservice) error {
	if s.afterStart != nil {
		return s.afterStart(ctx)
	}
	return nil
}

func (s *fakeService) CreateTenantEngine(t tenant.Tenant) (tenant.EngineHooks, error) {
	return &engineHooks{component: recordedComponent(t.ID+"-engine-component", s.tl, nil)}, nil
}

type engineHooks struct {
	component lifecycle.Component
}

func (h *engineHooks) TenantInitialize(ctx context.Context, e *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddInitializeStep(e, h.component, true)
	return nil
}

func (h *engineHooks) TenantStart(ctx context.Context, e *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddStartStep(e, h.component, true)
	return nil
}

func (h *engineHooks) TenantStop(ctx context.Context, e *tenant.Engine, step *lifecycle.CompositeStep) error {
	step.AddStopStep(e, h.component)
	return nil
}

func testSettings() *config.Config {
	cfg := config.Default()
	cfg.JWTSecret = testSecret
	cfg.TenantRecoveryInterval = 0
	return cfg
}

func newTestMicroservice(t *testing.T, svc Service, settings *config.Config) *Microservice {
	t.Helper()
	ms, err := New(svc, Options{Settings: settings, Version: "3.0.0"})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		if ms.State() == lifecycle.StateStarted {
			_ = ms.Stop(ctx, nil)
		}
		_ = ms.Terminate(ctx, nil)
	})
	return ms
}

func TestDependencyOrder(t *testing.T) {
	tl := newTimeline()
	svc := newFakeService(tl, nil)
	ms := newTestMicroservice(t, svc, testSettings())
	ctx := context.Background()

	require.NoError(t, ms.Initialize(ctx, nil))
	require.NoError(t, ms.Start(ctx, nil))

	assert.True(t, tl.at("b:initialize").Before(tl.at("a:initialize")))
	assert.True(t, tl.at("b:start").Before(tl.at("a:start")))
	assert.True(t, tl.at("a:initialize").Before(tl.at("b:start")), "initialize pass completes before start pass")
	assert.Equal(t, lifecycle.StateStarted, ms.State())
	assert.Equal(t, lifecycle.StateStarted, svc.a.State())
	assert.True(t, ms.Ready())

	require.NoError(t, ms.Stop(ctx, nil))
	assert.False(t, ms.Ready())
	assert.Equal(t, []string{
		"b:initialize", "a:initialize", "b:start", "a:start", "a:stop", "b:stop",
	}, tl.all())

	require.NoError(t, ms.Terminate(ctx, nil))
	assert.Equal(t, lifecycle.StateTerminated, svc.a.State())
	assert.Equal(t, lifecycle.StateTerminated, svc.b.State())
}

func TestRequiredInitializeFailureStopsStartup(t *testing.T) {
	tl := newTimeline()
	boom := errors.New("port in use")
	svc := newFakeService(tl, map[string]error{"b:initialize": boom})
	ms := newTestMicroservice(t, svc, testSettings())

	err := ms.Initialize(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, lifecycle.StateErrored, ms.State())
	assert.Equal(t, lifecycle.StateCreated, svc.a.State(), "a never runs after b fails")
	assert.False(t, ms.Ready())
}

func TestTerminateAfterFailedStart(t *testing.T) {
	tl := newTimeline()
	svc := newFakeService(tl, map[string]error{"a:start": errors.New("boom")})
	ms := newTestMicroservice(t, svc, testSettings())
	ctx := context.Background()

	require.NoError(t, ms.Initialize(ctx, nil))
	require.Error(t, ms.Start(ctx, nil))
	assert.Equal(t, lifecycle.StateStarted, svc.b.State())

	require.NoError(t, ms.Terminate(ctx, nil))
	assert.Equal(t, lifecycle.StateTerminated, svc.a.State())
	assert.Equal(t, lifecycle.StateTerminated, svc.b.State())
	assert.Contains(t, tl.all(), "b:stop")
}

func TestAfterStartFailureLeavesServiceRunningNotReady(t *testing.T) {
	tl := newTimeline()
	svc := newFakeService(tl, nil)
	svc.afterStart = func(ctx context.Context) error { return errors.New("event-management unavailable") }
	ms := newTestMicroservice(t, svc, testSettings())
	ctx := context.Background()

	require.NoError(t, ms.Initialize(ctx, nil))
	require.NoError(t, ms.Start(ctx, nil))
	assert.Equal(t, lifecycle.StateStarted, ms.State())
	assert.False(t, ms.Ready())
}

func TestProgressEventsAreRecorded(t *testing.T) {
	tl := newTimeline()
	ms := newTestMicroservice(t, newFakeService(tl, nil), testSettings())
	require.NoError(t, ms.Initialize(context.Background(), nil))

	var steps []string
	for _, e := range ms.RecentEvents() {
		if e.Component == "a" && e.Outcome == lifecycle.OutcomeSuccess {
			steps = append(steps, e.Step)
		}
	}
	assert.Equal(t, []string{"Initialize Device Management"}, steps)
}

func TestTenantsFileLoadedAfterStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`schema_version: v1
tenants:
  - id: acme
    enabled: true
  - id: globex
    enabled: false
`), 0644))

	settings := testSettings()
	settings.TenantsConfig = path
	tl := newTimeline()
	ms := newTestMicroservice(t, newFakeService(tl, nil), settings)
	ctx := context.Background()

	require.NoError(t, ms.Initialize(ctx, nil))
	require.NoError(t, ms.Start(ctx, nil))
	require.True(t, ms.Ready())

	engines, err := ms.TenantEngines()
	require.NoError(t, err)
	engine, ok := engines.Engine("acme")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StateStarted, engine.State())
	assert.Equal(t, "none", engine.Tenant().Config["label"])
	assert.Same(t, ms, engine.Owner())
	_, ok = engines.Engine("globex")
	assert.False(t, ok)

	_, err = ms.CreateTenantEngine(ctx, config.TenantConfig{ID: "acme", Enabled: true})
	assert.ErrorIs(t, err, tenant.ErrEngineExists)

	require.NoError(t, ms.Stop(ctx, nil))
	assert.Equal(t, 0, engines.Registry().Len())
	assert.Contains(t, tl.all(), "acme-engine-component:stop")
}

func TestGlobalMicroserviceHasNoTenantEngines(t *testing.T) {
	svc := newFakeService(newTimeline(), nil)
	svc.global = true
	ms := newTestMicroservice(t, svc, testSettings())

	_, err := ms.TenantEngines()
	assert.ErrorIs(t, err, tenant.ErrGlobalMicroservice)
	_, err = ms.CreateTenantEngine(context.Background(), config.TenantConfig{ID: "acme"})
	assert.ErrorIs(t, err, tenant.ErrGlobalMicroservice)
	assert.True(t, ms.Identity().Global)
}

func TestNewRejectsInvalidSetup(t *testing.T) {
	svc := newFakeService(newTimeline(), nil)

	_, err := New(svc, Options{})
	assert.Error(t, err)

	_, err = New(svc, Options{Settings: config.Default()})
	assert.Error(t, err, "missing jwt secret")

	svc.noModel = true
	_, err = New(svc, Options{Settings: testSettings()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configuration model")
}

func TestIdentity(t *testing.T) {
	ms := newTestMicroservice(t, newFakeService(newTimeline(), nil), testSettings())
	id := ms.Identity()
	assert.Equal(t, DeviceManagement, id.Identifier)
	assert.Equal(t, "Device Management", id.Name)
	assert.Equal(t, "3.0.0", id.Version)
	assert.False(t, id.Global)
	assert.NotNil(t, ms.ConfigurationModel())
	assert.Same(t, ms.ConfigurationModel(), ms.ConfigurationModel())
}

func TestStopIsBoundedByShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	tl := newTimeline()
	svc := newFakeService(tl, nil)
	svc.a = lifecycle.NewBase("a", lifecycle.Hooks{
		OnStop: func(context.Context, lifecycle.ProgressMonitor) error {
			<-release
			return nil
		},
	})
	settings := testSettings()
	settings.ShutdownTimeout = 50 * time.Millisecond
	ms := newTestMicroservice(t, svc, settings)
	ctx := context.Background()
	require.NoError(t, ms.Initialize(ctx, nil))
	require.NoError(t, ms.Start(ctx, nil))

	start := time.Now()
	require.NoError(t, ms.Stop(ctx, nil))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, tl.all(), "b:stop")
}
