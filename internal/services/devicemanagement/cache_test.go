package devicemanagement

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
)

func newInitializedCache(t *testing.T, size int, ttl time.Duration, clk *testingclock.FakeClock, metrics *Metrics) *DeviceCache {
	t.Helper()
	c := NewDeviceCache("acme", size, ttl, clk, metrics)
	require.NoError(t, c.Initialize(context.Background(), nil))
	return c
}

func TestDeviceCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newInitializedCache(t, 2, 0, testingclock.NewFakeClock(time.Now()), nil)

	require.NoError(t, c.Put(&Device{Token: "a"}))
	require.NoError(t, c.Put(&Device{Token: "b"}))
	_, ok := c.Get("a")
	require.True(t, ok)
	require.NoError(t, c.Put(&Device{Token: "c"}))

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Items)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestDeviceCacheExpiresEntries(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	c := newInitializedCache(t, 10, time.Minute, clk, nil)

	require.NoError(t, c.Put(&Device{Token: "a"}))
	clk.Step(59 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clk.Step(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Expired)
	assert.Equal(t, 0, c.Stats().Items)
}

func TestDeviceCacheLifecycle(t *testing.T) {
	c := NewDeviceCache("acme", 10, 0, nil, nil)
	assert.ErrorIs(t, c.Put(&Device{Token: "a"}), ErrCacheNotReady)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, nil))
	require.NoError(t, c.Start(ctx, nil))
	require.NoError(t, c.Put(&Device{Token: "a"}))
	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))

	require.NoError(t, c.Stop(ctx, nil))
	require.NoError(t, c.Terminate(ctx, nil))
	assert.Equal(t, lifecycle.StateTerminated, c.State())
	assert.ErrorIs(t, c.Put(&Device{Token: "a"}), ErrCacheNotReady)
}

func TestDeviceCacheRejectsInvalidSize(t *testing.T) {
	c := NewDeviceCache("acme", 0, 0, nil, nil)
	err := c.Initialize(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, lifecycle.StateErrored, c.State())
}

func TestDeviceCacheMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	c := newInitializedCache(t, 10, 0, testingclock.NewFakeClock(time.Now()), metrics)

	require.NoError(t, c.Put(&Device{Token: "a"}))
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("acme", "hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("acme", "miss")))
}
