package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRegisterValidation(t *testing.T) {
	m := NewManager()
	a := newTestComponent("a", &journal{})
	b := newTestComponent("b", &journal{})

	assert.Error(t, m.Register(nil))
	assert.Error(t, m.Register(newTestComponent("", &journal{})))
	assert.Error(t, m.Register(a, b), "unregistered dependency")

	require.NoError(t, m.Register(b))
	require.NoError(t, m.Register(a, b))
	assert.Error(t, m.Register(a), "duplicate")
	assert.Error(t, m.Register(b, b), "self dependency is a duplicate and a cycle")

	assert.Equal(t, []Component{a}, m.Dependents(b))
}

func TestManagerStartsInDependencyOrder(t *testing.T) {
	j := &journal{}
	storage := newTestComponent("storage", j)
	server := newTestComponent("server", j)
	api := newTestComponent("api", j)

	m := NewManager()
	require.NoError(t, m.Register(storage))
	require.Error(t, m.Register(api, server), "server not registered yet")
	require.NoError(t, m.Register(server, storage))
	require.NoError(t, m.Register(api, server))

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning(api))

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, StateTerminated, storage.State())

	assert.Equal(t, []string{
		"initialize:storage", "initialize:server", "initialize:api",
		"start:storage", "start:server", "start:api",
		"stop:api", "terminate:api",
		"stop:server", "terminate:server",
		"stop:storage", "terminate:storage",
	}, j.list())
}

func TestManagerRollbackOnStartFailure(t *testing.T) {
	j := &journal{}
	first := newTestComponent("first", j)
	second := newTestComponent("second", j)
	third := newTestComponent("third", j)
	second.failOn[PhaseStart] = errors.New("listen failed")

	m := NewManager()
	require.NoError(t, m.Register(first))
	require.NoError(t, m.Register(second, first))
	require.NoError(t, m.Register(third, second))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")

	assert.Equal(t, StateTerminated, first.State())
	assert.Equal(t, StateTerminated, second.State())
	assert.Equal(t, StateTerminated, third.State())
	assert.NotContains(t, j.list(), "start:third")
	assert.Contains(t, j.list(), "stop:first")
}

func TestManagerOptionalComponentFailure(t *testing.T) {
	j := &journal{}
	tracing := newTestComponent("tracing", j)
	service := newTestComponent("service", j)
	tracing.failOn[PhaseInitialize] = errors.New("no collector")

	m := NewManager()
	require.NoError(t, m.RegisterOptional(tracing))
	require.NoError(t, m.Register(service))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateErrored, tracing.State())
	assert.Equal(t, StateStarted, service.State())
	assert.NotContains(t, j.list(), "start:tracing")
}
