package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

// DefaultStopTimeout bounds each stop or terminate entry of a composite step.
const DefaultStopTimeout = 30 * time.Second

type stepEntry struct {
	component Component
	phase     Phase
	required  bool
}

// CompositeStep executes an ordered list of lifecycle transitions. Insertion
// order is execution order, so dependencies must be added before dependents.
//
// A failing required entry aborts execution and is returned as a *StepError.
// A failing optional entry is recorded in Failures and execution continues.
// Stop and terminate entries are never required.
//
// A CompositeStep is built for one orchestration pass and is not safe for
// concurrent use.
type CompositeStep struct {
	name        string
	entries     []stepEntry
	stopTimeout time.Duration
	failures    []StepFailure
	logger      *logging.Logger
}

// CompositeOption configures a CompositeStep.
type CompositeOption func(*CompositeStep)

// WithStopTimeout sets the per-entry bound for stop and terminate entries.
func WithStopTimeout(d time.Duration) CompositeOption {
	return func(c *CompositeStep) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// NewCompositeStep creates an empty composite step, e.g. "Initialize device-management".
func NewCompositeStep(name string, opts ...CompositeOption) *CompositeStep {
	c := &CompositeStep{
		name:        name,
		stopTimeout: DefaultStopTimeout,
		logger:      logging.GetLogger("lifecycle.composite").WithField("step", name),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the step name.
func (c *CompositeStep) Name() string {
	return c.name
}

// Len returns the number of entries.
func (c *CompositeStep) Len() int {
	return len(c.entries)
}

// AddInitializeStep appends an initialize entry for component.
func (c *CompositeStep) AddInitializeStep(owner, component Component, required bool) {
	c.add(owner, component, PhaseInitialize, required)
}

// AddStartStep appends a start entry for component.
func (c *CompositeStep) AddStartStep(owner, component Component, required bool) {
	c.add(owner, component, PhaseStart, required)
}

// AddStopStep appends a best-effort stop entry for component.
func (c *CompositeStep) AddStopStep(owner, component Component) {
	c.add(owner, component, PhaseStop, false)
}

// AddTerminateStep appends a best-effort terminate entry for component.
func (c *CompositeStep) AddTerminateStep(owner, component Component) {
	c.add(owner, component, PhaseTerminate, false)
}

func (c *CompositeStep) add(owner, component Component, phase Phase, required bool) {
	if owner != nil {
		if s, ok := component.(ownerSetter); ok {
			s.SetOwner(owner)
		}
	}
	c.entries = append(c.entries, stepEntry{component: component, phase: phase, required: required})
}

// OnlyStarted returns a step with the same name and stop timeout holding only
// the entries whose component is STARTED now.
func (c *CompositeStep) OnlyStarted() *CompositeStep {
	out := &CompositeStep{name: c.name, stopTimeout: c.stopTimeout, logger: c.logger}
	for _, e := range c.entries {
		if e.component.State() == StateStarted {
			out.entries = append(out.entries, e)
		}
	}
	return out
}

// Failures returns the tolerated failures of the last Execute.
func (c *CompositeStep) Failures() []StepFailure {
	out := make([]StepFailure, len(c.failures))
	copy(out, c.failures)
	return out
}

// Execute runs every entry in order. Initialize and start entries are skipped
// once ctx is done and the context error is returned. Stop and terminate
// entries always run, each bounded by the stop timeout.
func (c *CompositeStep) Execute(ctx context.Context, monitor ProgressMonitor) error {
	monitor = WithStep(monitor, c.name)
	c.failures = nil

	start := time.Now()
	c.logger.Debug("Executing %d entries", len(c.entries))

	for _, e := range c.entries {
		if e.phase.tolerant() {
			if err := c.runBounded(ctx, e, monitor); err != nil {
				c.record(e, err)
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s interrupted before %s %s: %w", c.name, e.phase, e.component.Name(), err)
		}

		err := invoke(ctx, e, monitor)
		if err == nil {
			continue
		}
		if e.required {
			return &StepError{Step: c.name, Component: e.component.Name(), Phase: e.phase, Err: err}
		}
		c.record(e, err)
	}

	c.logger.Debug("Completed in %dms with %d tolerated failures", time.Since(start).Milliseconds(), len(c.failures))
	return nil
}

func (c *CompositeStep) record(e stepEntry, err error) {
	c.logger.WarnWithErr("Continuing after failure to %s %s", err, e.phase, e.component.Name())
	c.failures = append(c.failures, StepFailure{Component: e.component.Name(), Phase: e.phase, Err: err})
}

// runBounded runs a teardown entry detached from ctx cancellation and gives
// up waiting after the stop timeout. A hook that ignores its context keeps
// running in the background.
func (c *CompositeStep) runBounded(ctx context.Context, e stepEntry, monitor ProgressMonitor) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.stopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- invoke(stopCtx, e, monitor)
	}()

	select {
	case err := <-done:
		return err
	case <-stopCtx.Done():
		c.logger.Warn("%s %s exceeded grace period (%dms timeout), continuing",
			e.component.Name(), e.phase, c.stopTimeout.Milliseconds())
		return stopCtx.Err()
	}
}

func invoke(ctx context.Context, e stepEntry, monitor ProgressMonitor) error {
	switch e.phase {
	case PhaseInitialize:
		return e.component.Initialize(ctx, monitor)
	case PhaseStart:
		return e.component.Start(ctx, monitor)
	case PhaseStop:
		return e.component.Stop(ctx, monitor)
	case PhaseTerminate:
		return e.component.Terminate(ctx, monitor)
	}
	return fmt.Errorf("unknown phase %d", e.phase)
}
