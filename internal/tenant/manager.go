package tenant

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

// DefaultEngineStopTimeout bounds stopping and terminating one engine.
const DefaultEngineStopTimeout = 30 * time.Second

// maxConcurrentEngineOps limits concurrent engine creation and teardown.
const maxConcurrentEngineOps = 8

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Microservice is the identifier of the owning microservice.
	Microservice string

	// Factory builds the hooks of each new engine.
	Factory Factory

	// Model validates tenant configuration. Nil accepts any configuration.
	Model *config.Model

	// Owner is set as the owner of every engine.
	Owner lifecycle.Component

	// Monitor receives progress of engine transitions.
	Monitor lifecycle.ProgressMonitor

	// RecoveryInterval is how often errored engines are recreated. 0 disables recovery.
	RecoveryInterval time.Duration

	// StopTimeout bounds stopping and terminating one engine.
	StopTimeout time.Duration

	// Clock drives the recovery ticker. Nil uses the real clock.
	Clock clock.WithTicker

	Metrics *Metrics
}

// Manager creates and removes tenant engines. Operations on the same tenant
// are serialized; different tenants proceed concurrently.
type Manager struct {
	*lifecycle.Base

	cfg      ManagerConfig
	registry *Registry
	logger   *logging.Logger

	locksMu sync.Mutex
	locks   map[string]*tenantLock

	recoveryMu     sync.Mutex
	recoveryCancel context.CancelFunc
	recoveryDone   chan struct{}
}

// NewManager creates a tenant engine manager component.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultEngineStopTimeout
	}
	m := &Manager{
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   logging.GetLogger("tenant").WithField("microservice", cfg.Microservice),
		locks:    make(map[string]*tenantLock),
	}
	m.Base = lifecycle.NewBase(cfg.Microservice+"-tenant-engine-manager", lifecycle.Hooks{
		OnStart:     m.start,
		OnStop:      m.stop,
		OnTerminate: m.terminate,
	})
	return m
}

// Registry returns the engine registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Engine returns the engine registered for a tenant.
func (m *Manager) Engine(tenantID string) (*Engine, bool) {
	return m.registry.Get(tenantID)
}

// tenantLock serializes operations on one tenant. refs counts the holders
// and waiters so the entry can be dropped once nobody uses it.
type tenantLock struct {
	sync.Mutex
	refs int
}

func (m *Manager) lockTenant(tenantID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &tenantLock{}
		m.locks[tenantID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, tenantID)
		}
		m.locksMu.Unlock()
	}
}

// CreateTenantEngine builds, initializes and starts an engine for a tenant.
// A second engine for a tenant that already has one is rejected with
// ErrEngineExists and the existing engine is left untouched. An engine that
// fails to initialize or start stays registered in state ERRORED and is
// returned together with the error.
func (m *Manager) CreateTenantEngine(ctx context.Context, tc config.TenantConfig) (*Engine, error) {
	unlock := m.lockTenant(tc.ID)
	defer unlock()
	return m.create(ctx, tc)
}

func (m *Manager) create(ctx context.Context, tc config.TenantConfig) (*Engine, error) {
	if _, exists := m.registry.Get(tc.ID); exists {
		return nil, fmt.Errorf("%w: tenant %s in %s", ErrEngineExists, tc.ID, m.cfg.Microservice)
	}

	resolved := tc.Config
	if m.cfg.Model != nil {
		var err error
		if resolved, err = m.cfg.Model.Apply(tc.Config); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tc.ID, err)
		}
	}

	tenant := Tenant{ID: tc.ID, Name: tc.DisplayName(), Config: resolved}
	hooks, err := m.cfg.Factory(tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant engine for %s: %w", tc.ID, err)
	}

	engine := newEngine(m.cfg.Microservice, tenant, tc, hooks, m.cfg.StopTimeout)
	if m.cfg.Owner != nil {
		engine.SetOwner(m.cfg.Owner)
	}
	if !m.registry.add(engine) {
		return nil, fmt.Errorf("%w: tenant %s in %s", ErrEngineExists, tc.ID, m.cfg.Microservice)
	}
	defer m.updateMetrics()

	logger := m.logger.WithField("tenant", tc.ID)
	logger.Info("Creating tenant engine for %s", tenant.Name)

	if err := engine.Initialize(ctx, m.cfg.Monitor); err != nil {
		logger.ErrorWithErr("Tenant engine failed to initialize", err)
		return engine, fmt.Errorf("failed to initialize tenant engine %s: %w", tc.ID, err)
	}
	if err := engine.Start(ctx, m.cfg.Monitor); err != nil {
		logger.ErrorWithErr("Tenant engine failed to start", err)
		return engine, fmt.Errorf("failed to start tenant engine %s: %w", tc.ID, err)
	}

	logger.Info("Tenant engine for %s started", tenant.Name)
	return engine, nil
}

// RemoveTenantEngine stops, terminates and unregisters the engine of a tenant.
// Stop failures are logged; the engine is always unregistered.
func (m *Manager) RemoveTenantEngine(ctx context.Context, tenantID string) error {
	unlock := m.lockTenant(tenantID)
	defer unlock()

	engine, ok := m.registry.Get(tenantID)
	if !ok {
		return fmt.Errorf("%w: tenant %s in %s", ErrEngineNotFound, tenantID, m.cfg.Microservice)
	}
	m.teardown(ctx, engine)
	return nil
}

func (m *Manager) teardown(ctx context.Context, engine *Engine) {
	defer m.updateMetrics()
	defer m.registry.remove(engine)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopTimeout)
	defer cancel()

	logger := m.logger.WithField("tenant", engine.tenant.ID)
	if engine.State() == lifecycle.StateStarted {
		if err := engine.Stop(ctx, m.cfg.Monitor); err != nil {
			logger.WarnWithErr("Tenant engine failed to stop", err)
		}
	}
	switch engine.State() {
	case lifecycle.StateCreated, lifecycle.StateInitialized, lifecycle.StateStopped, lifecycle.StateErrored:
		if err := engine.Terminate(ctx, m.cfg.Monitor); err != nil {
			logger.WarnWithErr("Tenant engine failed to terminate", err)
		}
	}
	logger.Info("Tenant engine for %s removed", engine.tenant.Name)
}

// Reconcile makes the set of engines match the enabled tenants: engines of
// absent or disabled tenants are removed, engines whose configuration changed
// are recreated and missing engines are created. Failures for individual
// tenants do not stop the others and are returned joined.
func (m *Manager) Reconcile(ctx context.Context, tenants []config.TenantConfig) error {
	desired := make(map[string]config.TenantConfig)
	for _, tc := range tenants {
		if tc.Enabled {
			desired[tc.ID] = tc
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentEngineOps)

	for _, engine := range m.registry.List() {
		tc, keep := desired[engine.tenant.ID]
		if keep && reflect.DeepEqual(tc, engine.source) {
			continue
		}
		g.Go(func() error {
			unlock := m.lockTenant(engine.tenant.ID)
			defer unlock()
			if current, ok := m.registry.Get(engine.tenant.ID); ok && current == engine {
				m.teardown(ctx, engine)
			}
			return nil
		})
	}
	_ = g.Wait()

	for id, tc := range desired {
		if _, exists := m.registry.Get(id); exists {
			continue
		}
		g.Go(func() error {
			unlock := m.lockTenant(id)
			defer unlock()
			if _, exists := m.registry.Get(id); exists {
				return nil
			}
			if _, err := m.create(ctx, tc); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// RecoverErrored recreates every engine in state ERRORED from its last
// known tenant configuration.
func (m *Manager) RecoverErrored(ctx context.Context) error {
	var errs []error
	for _, engine := range m.registry.List() {
		if engine.State() != lifecycle.StateErrored {
			continue
		}
		if err := m.recover(ctx, engine); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) recover(ctx context.Context, engine *Engine) error {
	unlock := m.lockTenant(engine.tenant.ID)
	defer unlock()

	if current, ok := m.registry.Get(engine.tenant.ID); !ok || current != engine {
		return nil
	}
	m.logger.WithField("tenant", engine.tenant.ID).Info("Recovering errored tenant engine")
	m.teardown(ctx, engine)
	_, err := m.create(ctx, engine.source)
	return err
}

func (m *Manager) recoveryLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := m.cfg.Clock.NewTicker(m.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := m.RecoverErrored(ctx); err != nil {
				m.logger.WarnWithErr("Tenant engine recovery failed", err)
			}
		}
	}
}

func (m *Manager) start(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	if m.cfg.Factory == nil {
		return fmt.Errorf("no tenant engine factory for %s", m.cfg.Microservice)
	}
	if m.cfg.RecoveryInterval <= 0 {
		return nil
	}

	m.recoveryMu.Lock()
	defer m.recoveryMu.Unlock()
	recoveryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.recoveryCancel = cancel
	m.recoveryDone = make(chan struct{})
	go m.recoveryLoop(recoveryCtx, m.recoveryDone)
	return nil
}

func (m *Manager) stopRecovery() {
	m.recoveryMu.Lock()
	cancel, done := m.recoveryCancel, m.recoveryDone
	m.recoveryCancel, m.recoveryDone = nil, nil
	m.recoveryMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// stop removes every engine concurrently.
func (m *Manager) stop(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	m.stopRecovery()

	var g errgroup.Group
	g.SetLimit(maxConcurrentEngineOps)
	for _, engine := range m.registry.List() {
		g.Go(func() error {
			unlock := m.lockTenant(engine.tenant.ID)
			defer unlock()
			m.teardown(ctx, engine)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) terminate(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	return m.stop(ctx, monitor)
}

func (m *Manager) updateMetrics() {
	m.cfg.Metrics.update(m.cfg.Microservice, m.registry.List())
}
