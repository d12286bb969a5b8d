package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

// Manager orchestrates the top-level components of a process with dependency awareness.
// Components are initialized and started in dependency order through composite steps
// and stopped in reverse order, with timeout protection to prevent indefinite hangs.
type Manager struct {
	components        []Component
	dependencies      map[Component][]Component // component -> its dependencies
	reverseDepMap     map[Component][]Component // component -> what depends on it
	required          map[Component]bool
	shutdownTimeout   time.Duration
	monitor           ProgressMonitor
	mu                sync.RWMutex
	logger            *logging.Logger
	registrationMutex sync.Mutex  // ensures register is not called during start/stop
	ordered           []Component // dependency order computed by the last Start
}

// NewManager creates a new lifecycle manager with default 30-second shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		components:      []Component{},
		dependencies:    make(map[Component][]Component),
		reverseDepMap:   make(map[Component][]Component),
		required:        make(map[Component]bool),
		shutdownTimeout: DefaultStopTimeout,
		monitor:         NopMonitor,
		logger:          logging.GetLogger("lifecycle.manager"),
	}
}

// SetMonitor sets the progress monitor passed to every composite step.
func (m *Manager) SetMonitor(monitor ProgressMonitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitor = orNop(monitor)
}

// Register registers a required component with optional dependencies.
// If dependencies are provided, they must be registered first.
// A component is initialized after its dependencies and stops before them.
//
// Validation:
// - component must not be nil
// - dependencies must be previously registered components
// - no circular dependencies allowed
// - duplicate registration not allowed
func (m *Manager) Register(component Component, dependsOn ...Component) error {
	return m.register(component, true, dependsOn)
}

// RegisterOptional registers a component whose initialize or start failure
// is logged but does not abort startup.
func (m *Manager) RegisterOptional(component Component, dependsOn ...Component) error {
	return m.register(component, false, dependsOn)
}

func (m *Manager) register(component Component, required bool, dependsOn []Component) error {
	m.registrationMutex.Lock()
	defer m.registrationMutex.Unlock()

	if component == nil {
		return fmt.Errorf("cannot register nil component")
	}

	if component.Name() == "" {
		return fmt.Errorf("component must have a non-empty name")
	}

	// Check for duplicate registration
	for _, c := range m.components {
		if c == component {
			return fmt.Errorf("component %s is already registered", component.Name())
		}
	}

	// Check that all dependencies are already registered
	for _, dep := range dependsOn {
		found := false
		for _, registered := range m.components {
			if registered == dep {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("dependency %s is not registered", nameOf(dep))
		}
	}

	// Check for circular dependencies
	if m.wouldCreateCycle(component, dependsOn) {
		return fmt.Errorf("registering %s would create a circular dependency", component.Name())
	}

	m.mu.Lock()
	m.components = append(m.components, component)
	m.dependencies[component] = dependsOn
	m.required[component] = required
	for _, dep := range dependsOn {
		m.reverseDepMap[dep] = append(m.reverseDepMap[dep], component)
	}
	m.mu.Unlock()

	m.logger.Debug("Registered component %s with %d dependencies (required=%t)", component.Name(), len(dependsOn), required)
	return nil
}

func nameOf(c Component) string {
	if c == nil {
		return "<nil>"
	}
	return c.Name()
}

// wouldCreateCycle checks if registering 'component' with 'dependencies' would create a cycle.
func (m *Manager) wouldCreateCycle(component Component, dependencies []Component) bool {
	visited := make(map[Component]bool)
	return m.hasCycleDFS(component, dependencies, visited)
}

func (m *Manager) hasCycleDFS(node Component, dependencies []Component, visited map[Component]bool) bool {
	for _, dep := range dependencies {
		if dep == node {
			return true
		}
		if visited[dep] {
			continue
		}
		visited[dep] = true
		if m.hasCycleDFS(node, m.dependencies[dep], visited) {
			return true
		}
	}
	return false
}

// Start initializes then starts all registered components in dependency order.
// If a required component fails, every component that was initialized or
// started is stopped and terminated in reverse order and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.registrationMutex.Lock()
	defer m.registrationMutex.Unlock()

	m.ordered = m.topologicalSort()
	monitor := m.currentMonitor()
	begin := time.Now()

	initStep := NewCompositeStep("Initialize components")
	for _, c := range m.ordered {
		initStep.AddInitializeStep(nil, c, m.required[c])
	}
	if err := initStep.Execute(ctx, monitor); err != nil {
		m.logger.Error("Initialization failed: %v", err)
		m.rollback()
		return fmt.Errorf("initialization failed: %w", err)
	}

	startStep := NewCompositeStep("Start components")
	for _, c := range m.ordered {
		if c.State() == StateInitialized {
			startStep.AddStartStep(nil, c, m.required[c])
		}
	}
	if err := startStep.Execute(ctx, monitor); err != nil {
		m.logger.Error("Startup failed: %v", err)
		m.rollback()
		return fmt.Errorf("startup failed: %w", err)
	}

	for _, f := range append(initStep.Failures(), startStep.Failures()...) {
		m.logger.Warn("Optional component unavailable: %s", f)
	}
	m.logger.Info("All components started successfully (took %dms)", time.Since(begin).Milliseconds())
	return nil
}

// topologicalSort returns components in dependency order (dependencies before dependents).
func (m *Manager) topologicalSort() []Component {
	visited := make(map[Component]bool)
	sorted := []Component{}

	for _, component := range m.components {
		if !visited[component] {
			m.topologicalSortDFS(component, visited, &sorted)
		}
	}

	return sorted
}

func (m *Manager) topologicalSortDFS(component Component, visited map[Component]bool, sorted *[]Component) {
	visited[component] = true

	for _, dep := range m.dependencies[component] {
		if !visited[dep] {
			m.topologicalSortDFS(dep, visited, sorted)
		}
	}

	*sorted = append(*sorted, component)
}

// rollback tears down components touched by a failed startup attempt, in
// reverse dependency order, with a short timeout per component.
func (m *Manager) rollback() {
	step := NewCompositeStep("Rollback components", WithStopTimeout(5*time.Second))
	m.addTeardown(step)
	if step.Len() == 0 {
		return
	}
	m.logger.Debug("Rolling back %d entries", step.Len())
	_ = step.Execute(context.Background(), m.currentMonitor())
}

func (m *Manager) addTeardown(step *CompositeStep) {
	for i := len(m.ordered) - 1; i >= 0; i-- {
		c := m.ordered[i]
		switch c.State() {
		case StateStarted:
			step.AddStopStep(nil, c)
			step.AddTerminateStep(nil, c)
		case StateInitialized, StateStopped, StateErrored:
			step.AddTerminateStep(nil, c)
		}
	}
}

// Stop stops all started components in reverse dependency order and then
// terminates them. Each component receives its own deadline equal to
// (now + shutdown timeout).
//
// Always returns nil (shutdown errors are logged but don't fail the operation).
func (m *Manager) Stop(ctx context.Context) error {
	m.registrationMutex.Lock()
	defer m.registrationMutex.Unlock()

	m.logger.Info("Stopping all components")
	begin := time.Now()

	m.mu.RLock()
	timeout := m.shutdownTimeout
	m.mu.RUnlock()

	step := NewCompositeStep("Stop components", WithStopTimeout(timeout))
	m.addTeardown(step)
	_ = step.Execute(ctx, m.currentMonitor())

	for _, f := range step.Failures() {
		m.logger.Error("Error during shutdown: %s", f)
	}
	m.logger.Info("All components stopped (took %dms)", time.Since(begin).Milliseconds())
	return nil
}

// IsRunning returns true if the component has successfully started and has not stopped.
func (m *Manager) IsRunning(component Component) bool {
	return component != nil && component.State() == StateStarted
}

// Components returns the registered components in registration order.
func (m *Manager) Components() []Component {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Component, len(m.components))
	copy(out, m.components)
	return out
}

// Dependents returns the components that declared a dependency on component.
func (m *Manager) Dependents(component Component) []Component {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Component(nil), m.reverseDepMap[component]...)
}

// SetShutdownTimeout sets the grace period for graceful shutdown.
// Default is 30 seconds. This is applied per component.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
	m.logger.Debug("Shutdown timeout set to %dms", timeout.Milliseconds())
}

func (m *Manager) currentMonitor() ProgressMonitor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.monitor
}
