package microservice

import (
	"context"

	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/tenant"
)

// Service is the contract a concrete microservice implements. The lifecycle
// hooks add the service's infrastructure components, in dependency order, to
// the composite step the microservice executes.
type Service interface {
	Identifier() string
	Name() string

	// IsGlobal reports whether the service runs without tenant engines.
	IsGlobal() bool

	// BuildConfigurationModel describes the tenant configuration the service accepts.
	BuildConfigurationModel() *config.Model

	MicroserviceInitialize(ctx context.Context, ms *Microservice, step *lifecycle.CompositeStep) error
	MicroserviceStart(ctx context.Context, ms *Microservice, step *lifecycle.CompositeStep) error
	MicroserviceStop(ctx context.Context, ms *Microservice, step *lifecycle.CompositeStep) error
}

// TenantEngineFactory is implemented by tenant-scoped services.
type TenantEngineFactory interface {
	CreateTenantEngine(t tenant.Tenant) (tenant.EngineHooks, error)
}

// AfterStartHook is implemented by services that must do more work before
// reporting ready, typically waiting for the APIs they depend on.
type AfterStartHook interface {
	AfterMicroserviceStarted(ctx context.Context, ms *Microservice) error
}

// Terminator is implemented by services holding resources beyond their
// components' own lifecycles.
type Terminator interface {
	MicroserviceTerminate(ctx context.Context, ms *Microservice, step *lifecycle.CompositeStep) error
}
