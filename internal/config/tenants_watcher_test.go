package config

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const oneTenant = `schema_version: v1
tenants:
  - id: acme
    enabled: true
`

type tenantsRecorder struct {
	mu    sync.Mutex
	calls atomic.Int32
	last  *TenantsFile
	err   error
}

func (r *tenantsRecorder) callback(ctx context.Context, tenants *TenantsFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = tenants
	r.calls.Add(1)
	return r.err
}

func (r *tenantsRecorder) lastIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	if r.last != nil {
		for _, t := range r.last.Tenants {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func startWatcher(t *testing.T, path string, rec *tenantsRecorder, debounce time.Duration) *TenantsWatcher {
	t.Helper()
	w, err := NewTenantsWatcher(TenantsWatcherConfig{FilePath: path, Debounce: debounce}, rec.callback)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWatcherStartLoadsInitialTenants(t *testing.T) {
	rec := &tenantsRecorder{}
	startWatcher(t, writeTenantsFile(t, oneTenant), rec, 100*time.Millisecond)

	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, []string{"acme"}, rec.lastIDs())
}

func TestWatcherDetectsFileChange(t *testing.T) {
	path := writeTenantsFile(t, oneTenant)
	rec := &tenantsRecorder{}
	startWatcher(t, path, rec, 100*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`schema_version: v1
tenants:
  - id: acme
    enabled: true
  - id: globex
    enabled: true
`), 0644))

	require.Eventually(t, func() bool { return rec.calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"acme", "globex"}, rec.lastIDs())
}

func TestWatcherDebouncing(t *testing.T) {
	path := writeTenantsFile(t, oneTenant)
	rec := &tenantsRecorder{}
	startWatcher(t, path, rec, 200*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(oneTenant), 0644))
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, int32(2), rec.calls.Load(), "rapid writes must coalesce into one reload")
}

func TestWatcherKeepsPreviousTenantsOnInvalidFile(t *testing.T) {
	path := writeTenantsFile(t, oneTenant)
	rec := &tenantsRecorder{}
	startWatcher(t, path, rec, 100*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("schema_version: v999\n"), 0644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), rec.calls.Load())

	require.NoError(t, os.WriteFile(path, []byte(`schema_version: v1
tenants:
  - id: recovered
    enabled: true
`), 0644))
	require.Eventually(t, func() bool { return rec.calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"recovered"}, rec.lastIDs())
}

func TestWatcherContinuesAfterCallbackError(t *testing.T) {
	path := writeTenantsFile(t, oneTenant)
	rec := &tenantsRecorder{}
	startWatcher(t, path, rec, 100*time.Millisecond)

	rec.mu.Lock()
	rec.err = errors.New("reconcile failed")
	rec.mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte(oneTenant), 0644))
	require.Eventually(t, func() bool { return rec.calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(oneTenant), 0644))
	require.Eventually(t, func() bool { return rec.calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherDetectsAtomicWrite(t *testing.T) {
	path := writeTenantsFile(t, oneTenant)
	rec := &tenantsRecorder{}
	startWatcher(t, path, rec, 100*time.Millisecond)

	require.NoError(t, WriteTenantsFile(path, &TenantsFile{
		SchemaVersion: TenantsSchemaVersion,
		Tenants:       []TenantConfig{{ID: "atomic", Enabled: true}},
	}))

	require.Eventually(t, func() bool { return rec.calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"atomic"}, rec.lastIDs())
}

func TestWatcherInitialCallbackErrorFailsStart(t *testing.T) {
	rec := &tenantsRecorder{err: errors.New("boom")}
	w, err := NewTenantsWatcher(TenantsWatcherConfig{FilePath: writeTenantsFile(t, oneTenant)}, rec.callback)
	require.NoError(t, err)

	err = w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial callback failed")
	assert.NoError(t, w.Stop())
}

func TestWatcherStopGraceful(t *testing.T) {
	rec := &tenantsRecorder{}
	w := startWatcher(t, writeTenantsFile(t, oneTenant), rec, 100*time.Millisecond)

	start := time.Now()
	require.NoError(t, w.Stop())
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestNewTenantsWatcherValidation(t *testing.T) {
	rec := &tenantsRecorder{}

	_, err := NewTenantsWatcher(TenantsWatcherConfig{}, rec.callback)
	assert.Error(t, err)

	_, err = NewTenantsWatcher(TenantsWatcherConfig{FilePath: "/tmp/tenants.yaml"}, nil)
	assert.Error(t, err)

	w, err := NewTenantsWatcher(TenantsWatcherConfig{FilePath: "/tmp/tenants.yaml"}, rec.callback)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, w.config.Debounce)
}
