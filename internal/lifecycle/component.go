package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

// Component defines the lifecycle interface that all managed components must implement.
// Transitions are driven by composite steps or directly by the owning component.
type Component interface {
	// ID returns a unique identifier assigned at construction.
	ID() string

	// Name returns the human-readable name of the component.
	// Used for logging, error reporting, and dependency declarations.
	Name() string

	// State returns the current lifecycle state.
	State() State

	// Err returns the error that moved the component to ERRORED, if any.
	Err() error

	// Owner returns the component that added this one to a composite step.
	// It is a lookup relation, not ownership.
	Owner() Component

	// Initialize moves the component from CREATED or STOPPED to INITIALIZED.
	Initialize(ctx context.Context, monitor ProgressMonitor) error

	// Start moves the component from INITIALIZED or STOPPED to STARTED.
	Start(ctx context.Context, monitor ProgressMonitor) error

	// Stop moves the component from STARTED to STOPPED. A failure leaves the
	// component ERRORED and is returned, but callers stopping several
	// components must continue with the rest.
	Stop(ctx context.Context, monitor ProgressMonitor) error

	// Terminate releases all resources. Terminal.
	Terminate(ctx context.Context, monitor ProgressMonitor) error
}

// HookFunc implements the work of one lifecycle phase.
type HookFunc func(ctx context.Context, monitor ProgressMonitor) error

// Hooks holds the phase implementations of a component. Nil hooks succeed
// immediately.
type Hooks struct {
	OnInitialize HookFunc
	OnStart      HookFunc
	OnStop       HookFunc
	OnTerminate  HookFunc
}

func (h Hooks) forPhase(p Phase) HookFunc {
	switch p {
	case PhaseInitialize:
		return h.OnInitialize
	case PhaseStart:
		return h.OnStart
	case PhaseStop:
		return h.OnStop
	case PhaseTerminate:
		return h.OnTerminate
	}
	return nil
}

// Base implements Component around a set of hooks. Concrete components embed
// *Base and pass their own methods as hooks:
//
//	s := &Server{}
//	s.Base = lifecycle.NewBase("grpc-server", lifecycle.Hooks{
//	    OnInitialize: s.initialize,
//	    OnStart:      s.start,
//	    OnStop:       s.stop,
//	})
type Base struct {
	id     string
	name   string
	hooks  Hooks
	logger *logging.Logger

	// transition is held for the whole duration of a transition.
	transition sync.Mutex

	mu    sync.RWMutex
	state State
	err   error
	owner Component
}

// NewBase creates a component in state CREATED.
func NewBase(name string, hooks Hooks) *Base {
	return &Base{
		id:     uuid.NewString(),
		name:   name,
		hooks:  hooks,
		logger: logging.GetLogger("lifecycle.component").WithField("component", name),
		state:  StateCreated,
	}
}

func (b *Base) ID() string {
	return b.id
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Base) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

func (b *Base) Owner() Component {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.owner
}

// SetOwner records the owning component. Composite steps call it when an
// entry is added with a non-nil owner.
func (b *Base) SetOwner(owner Component) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owner = owner
}

// Logger returns the component's logger.
func (b *Base) Logger() *logging.Logger {
	return b.logger
}

func (b *Base) Initialize(ctx context.Context, monitor ProgressMonitor) error {
	return b.run(ctx, monitor, PhaseInitialize)
}

func (b *Base) Start(ctx context.Context, monitor ProgressMonitor) error {
	return b.run(ctx, monitor, PhaseStart)
}

func (b *Base) Stop(ctx context.Context, monitor ProgressMonitor) error {
	return b.run(ctx, monitor, PhaseStop)
}

func (b *Base) Terminate(ctx context.Context, monitor ProgressMonitor) error {
	return b.run(ctx, monitor, PhaseTerminate)
}

func (b *Base) run(ctx context.Context, monitor ProgressMonitor, phase Phase) error {
	if !b.transition.TryLock() {
		return ErrTransitionInProgress
	}
	defer b.transition.Unlock()

	rule := transitionRules[phase]
	current := b.State()
	if !rule.allows(current) {
		return &InvalidStateError{Component: b.name, Phase: phase, State: current}
	}

	monitor = orNop(monitor)
	b.setState(rule.during, nil)

	begin := time.Now()
	monitor.Report(ProgressEvent{Component: b.name, Phase: phase, Outcome: OutcomeBegin, Time: begin})

	var err error
	if hook := b.hooks.forPhase(phase); hook != nil {
		err = hook(ctx, monitor)
	}
	elapsed := time.Since(begin)

	if err != nil {
		b.setState(StateErrored, err)
		if phase.tolerant() {
			b.logger.WarnWithErr("Failed to %s %s", err, phase, b.name)
		} else {
			b.logger.ErrorWithErr("Failed to %s %s", err, phase, b.name)
		}
		monitor.Report(ProgressEvent{
			Component: b.name, Phase: phase, Outcome: OutcomeFailure,
			Err: err, Duration: elapsed, Time: time.Now(),
		})
		return err
	}

	b.setState(rule.success, nil)
	b.logger.Debug("%s %s completed (took %dms)", b.name, phase, elapsed.Milliseconds())
	monitor.Report(ProgressEvent{
		Component: b.name, Phase: phase, Outcome: OutcomeSuccess,
		Duration: elapsed, Time: time.Now(),
	})
	return nil
}

func (b *Base) setState(s State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	b.err = err
}

// ownerSetter is implemented by Base.
type ownerSetter interface {
	SetOwner(owner Component)
}
