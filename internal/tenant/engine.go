// Package tenant runs one isolated engine per tenant inside a multitenant
// microservice.
package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
)

// Tenant identifies a tenant and carries its resolved configuration.
type Tenant struct {
	ID     string
	Name   string
	Config map[string]interface{}
}

// EngineHooks is the service-specific part of a tenant engine. Each hook adds
// the tenant's components to a fresh composite step, which the engine then
// executes.
type EngineHooks interface {
	TenantInitialize(ctx context.Context, engine *Engine, step *lifecycle.CompositeStep) error
	TenantStart(ctx context.Context, engine *Engine, step *lifecycle.CompositeStep) error
	TenantStop(ctx context.Context, engine *Engine, step *lifecycle.CompositeStep) error
}

// EngineTerminator is implemented by hooks whose components hold resources
// that must be released on terminate.
type EngineTerminator interface {
	TenantTerminate(ctx context.Context, engine *Engine, step *lifecycle.CompositeStep) error
}

// Factory builds the hooks of a new engine for a tenant.
type Factory func(tenant Tenant) (EngineHooks, error)

// Engine is a lifecycle component grouping every tenant-scoped component of
// one microservice for one tenant.
type Engine struct {
	*lifecycle.Base

	tenant       Tenant
	source       config.TenantConfig
	microservice string
	hooks        EngineHooks
	stopTimeout  time.Duration
}

func newEngine(microservice string, tenant Tenant, source config.TenantConfig, hooks EngineHooks, stopTimeout time.Duration) *Engine {
	e := &Engine{
		tenant:       tenant,
		source:       source,
		microservice: microservice,
		hooks:        hooks,
		stopTimeout:  stopTimeout,
	}
	e.Base = lifecycle.NewBase(tenant.ID+"-tenant-engine", lifecycle.Hooks{
		OnInitialize: e.initialize,
		OnStart:      e.start,
		OnStop:       e.stop,
		OnTerminate:  e.terminate,
	})
	return e
}

// Tenant returns the tenant served by the engine.
func (e *Engine) Tenant() Tenant {
	return e.tenant
}

// Microservice returns the identifier of the owning microservice.
func (e *Engine) Microservice() string {
	return e.microservice
}

// Hooks returns the service-specific hooks of the engine.
func (e *Engine) Hooks() EngineHooks {
	return e.hooks
}

func (e *Engine) stepName(op string) string {
	return fmt.Sprintf("%s tenant engine %s (%s)", op, e.tenant.Name, e.microservice)
}

func (e *Engine) initialize(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	step := lifecycle.NewCompositeStep(e.stepName("Initialize"))
	if err := e.hooks.TenantInitialize(ctx, e, step); err != nil {
		return err
	}
	return step.Execute(ctx, monitor)
}

func (e *Engine) start(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	step := lifecycle.NewCompositeStep(e.stepName("Start"))
	if err := e.hooks.TenantStart(ctx, e, step); err != nil {
		return err
	}
	return step.Execute(ctx, monitor)
}

func (e *Engine) stop(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	step, err := e.stopStep(ctx)
	if err != nil {
		return err
	}
	return e.executeStop(ctx, step, monitor)
}

func (e *Engine) stopStep(ctx context.Context) (*lifecycle.CompositeStep, error) {
	step := lifecycle.NewCompositeStep(e.stepName("Stop"), lifecycle.WithStopTimeout(e.stopTimeout))
	if err := e.hooks.TenantStop(ctx, e, step); err != nil {
		return nil, err
	}
	return step, nil
}

func (e *Engine) executeStop(ctx context.Context, step *lifecycle.CompositeStep, monitor lifecycle.ProgressMonitor) error {
	err := step.Execute(ctx, monitor)
	for _, f := range step.Failures() {
		e.Logger().Warn("Tenant component failed to stop: %s", f)
	}
	return err
}

// terminate first stops the components still running after a failed start,
// then runs the terminate step of the hooks.
func (e *Engine) terminate(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	stop, err := e.stopStep(ctx)
	if err != nil {
		return err
	}
	if running := stop.OnlyStarted(); running.Len() > 0 {
		e.Logger().Info("Stopping %d tenant components left running", running.Len())
		if err := e.executeStop(ctx, running, monitor); err != nil {
			return err
		}
	}

	t, ok := e.hooks.(EngineTerminator)
	if !ok {
		return nil
	}
	step := lifecycle.NewCompositeStep(e.stepName("Terminate"), lifecycle.WithStopTimeout(e.stopTimeout))
	if err := t.TenantTerminate(ctx, e, step); err != nil {
		return err
	}
	return step.Execute(ctx, monitor)
}
