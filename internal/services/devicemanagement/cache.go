package devicemanagement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"

	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

// ErrCacheNotReady is returned when the cache is used before it is initialized
// or after it is terminated.
var ErrCacheNotReady = errors.New("device cache not initialized")

// Device is a device registered with one tenant.
type Device struct {
	Token      string
	DeviceType string
	Metadata   map[string]string
	CreatedAt  time.Time
}

type cachedDevice struct {
	device    *Device
	expiresAt time.Time // zero when entries never expire
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size      int
	Items     int
	Hits      uint64
	Misses    uint64
	Evictions uint64 // Items dropped to make room
	Expired   uint64 // Items dropped because they were older than the TTL
}

// DeviceCache keeps the most recently used devices of one tenant. It is
// bounded by size and, when the TTL is positive, by entry age.
type DeviceCache struct {
	*lifecycle.Base

	tenant  string
	size    int
	ttl     time.Duration
	clock   clock.PassiveClock
	metrics *Metrics
	logger  *logging.Logger

	mu  sync.RWMutex
	lru *lru.Cache[string, *cachedDevice]

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64
}

// NewDeviceCache creates the device cache component of a tenant.
func NewDeviceCache(tenant string, size int, ttl time.Duration, clk clock.PassiveClock, metrics *Metrics) *DeviceCache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	c := &DeviceCache{
		tenant:  tenant,
		size:    size,
		ttl:     ttl,
		clock:   clk,
		metrics: metrics,
		logger:  logging.GetLogger("devicemanagement.cache").WithField("tenant", tenant),
	}
	c.Base = lifecycle.NewBase(tenant+"-device-cache", lifecycle.Hooks{
		OnInitialize: c.initialize,
		OnTerminate:  c.terminate,
	})
	return c
}

func (c *DeviceCache) initialize(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cache, err := lru.New[string, *cachedDevice](c.size)
	if err != nil {
		return fmt.Errorf("failed to create device cache of size %d: %w", c.size, err)
	}
	c.lru = cache
	c.logger.Debug("Device cache initialized: size=%d, ttl=%v", c.size, c.ttl)
	return nil
}

func (c *DeviceCache) terminate(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru != nil {
		c.lru.Purge()
		c.lru = nil
	}
	return nil
}

// Put stores a device, replacing any device with the same token.
func (c *DeviceCache) Put(device *Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru == nil {
		return ErrCacheNotReady
	}
	entry := &cachedDevice{device: device}
	if c.ttl > 0 {
		entry.expiresAt = c.clock.Now().Add(c.ttl)
	}
	if evicted := c.lru.Add(device.Token, entry); evicted {
		c.evictions.Add(1)
	}
	return nil
}

// Get returns the device with the given token. Expired entries are removed
// and reported as misses.
func (c *DeviceCache) Get(token string) (*Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru == nil {
		return nil, false
	}
	entry, ok := c.lru.Get(token)
	if ok && !entry.expiresAt.IsZero() && !c.clock.Now().Before(entry.expiresAt) {
		c.lru.Remove(token)
		c.expired.Add(1)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		c.metrics.observeLookup(c.tenant, false)
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.observeLookup(c.tenant, true)
	return entry.device, true
}

// peek returns a live device without touching recency or statistics.
func (c *DeviceCache) peek(token string) (*Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lru == nil {
		return nil, false
	}
	entry, ok := c.lru.Peek(token)
	if !ok || (!entry.expiresAt.IsZero() && !c.clock.Now().Before(entry.expiresAt)) {
		return nil, false
	}
	return entry.device, true
}

// Remove drops a device and reports whether it was present.
func (c *DeviceCache) Remove(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru == nil {
		return false
	}
	return c.lru.Remove(token)
}

// Stats returns cache statistics
func (c *DeviceCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := 0
	if c.lru != nil {
		items = c.lru.Len()
	}
	return CacheStats{
		Size:      c.size,
		Items:     items,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}
