package tenant

import "errors"

var (
	// ErrEngineExists is returned when an engine for the tenant is already registered.
	ErrEngineExists = errors.New("tenant engine already exists")

	// ErrEngineNotFound is returned when no engine is registered for the tenant.
	ErrEngineNotFound = errors.New("tenant engine not found")

	// ErrGlobalMicroservice is returned when tenant engines are requested from
	// a globally scoped microservice.
	ErrGlobalMicroservice = errors.New("global microservices do not run tenant engines")
)
