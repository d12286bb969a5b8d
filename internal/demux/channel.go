// Package demux manages client connections to the APIs of other
// microservices and blocks dependents until those APIs are reachable.
package demux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/utils/clock"

	"github.com/aiyumi19960310/sitewhere/internal/auth"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
	"github.com/aiyumi19960310/sitewhere/internal/tracing"
)

// Availability is the last known reachability of the remote API.
type Availability int32

const (
	AvailabilityUnknown Availability = iota
	AvailabilityUnavailable
	AvailabilityAvailable
)

func (a Availability) String() string {
	switch a {
	case AvailabilityUnavailable:
		return "unavailable"
	case AvailabilityAvailable:
		return "available"
	default:
		return "unknown"
	}
}

// Defaults for the availability loop.
const (
	DefaultWaitTimeout     = 5 * time.Minute
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
)

// Config configures a Channel.
type Config struct {
	// Target is the identifier of the remote microservice.
	Target string

	// Address is the gRPC target, e.g. "device-management:9000".
	Address string

	// Caller is the identifier of the local microservice, used as token subject.
	Caller string

	// Tokens issues the per-call credentials. Nil sends no credentials.
	Tokens *auth.TokenManager

	// TracerProvider creates client spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider

	// Probe checks reachability. Nil uses an IdentityProbe for Target.
	Probe Probe

	// Clock drives the wait loop. Nil uses the real clock.
	Clock clock.Clock

	WaitTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	ProbeTimeout    time.Duration

	Metrics     *Metrics
	DialOptions []grpc.DialOption
}

// Channel is a managed client connection to another microservice's API.
type Channel struct {
	*lifecycle.Base

	cfg     Config
	logger  *logging.Logger
	breaker *gobreaker.CircuitBreaker

	availability atomic.Int32

	mu    sync.RWMutex
	conn  *grpc.ClientConn
	ready chan struct{}
}

// NewChannel creates an API channel component.
func NewChannel(cfg Config) *Channel {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Probe == nil {
		cfg.Probe = &IdentityProbe{Expected: cfg.Target}
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = max(DefaultMaxInterval, cfg.InitialInterval)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	c := &Channel{
		cfg:    cfg,
		logger: logging.GetLogger("demux").WithField("target", cfg.Target),
		ready:  make(chan struct{}),
	}
	c.breaker = newBreaker(cfg.Target, c)
	c.Base = lifecycle.NewBase(cfg.Target+"-api-channel", lifecycle.Hooks{
		OnInitialize: c.initialize,
		OnStart:      c.start,
		OnStop:       c.stop,
		OnTerminate:  c.terminate,
	})
	return c
}

func (c *Channel) dialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(
			tracing.UnaryClientInterceptor(c.cfg.TracerProvider),
			c.breakerInterceptor,
		),
	}
	if c.cfg.Tokens != nil {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.NewTokenCredentials(c.cfg.Tokens, c.cfg.Caller)))
	}
	return append(opts, c.cfg.DialOptions...)
}

// initialize constructs the client connection. Construction does not imply
// that the remote end is reachable.
func (c *Channel) initialize(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	conn, err := grpc.NewClient(c.cfg.Address, c.dialOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create channel to %s at %s: %w", c.cfg.Target, c.cfg.Address, err)
	}
	c.conn = conn
	close(c.ready)
	c.logger.Info("API channel to %s created for %s", c.cfg.Target, c.cfg.Address)
	return nil
}

func (c *Channel) start(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		// Restart after stop.
		if err := c.initialize(ctx, monitor); err != nil {
			return err
		}
		c.mu.RLock()
		conn = c.conn
		c.mu.RUnlock()
	}
	conn.Connect()
	return nil
}

func (c *Channel) stop(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()

	c.setAvailability(AvailabilityUnknown)
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close channel to %s: %w", c.cfg.Target, err)
	}
	return nil
}

func (c *Channel) terminate(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	return c.stop(ctx, monitor)
}

// Target returns the identifier of the remote microservice.
func (c *Channel) Target() string {
	return c.cfg.Target
}

// Availability returns the last known availability of the remote API.
func (c *Channel) Availability() Availability {
	return Availability(c.availability.Load())
}

func (c *Channel) setAvailability(a Availability) {
	if prev := Availability(c.availability.Swap(int32(a))); prev != a {
		c.logger.Debug("API %s availability %s -> %s", c.cfg.Target, prev, a)
	}
	c.cfg.Metrics.setAvailability(c.cfg.Target, a)
}

// Conn returns the client connection, or nil before initialize.
func (c *Channel) Conn() *grpc.ClientConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// WaitForApiChannel blocks until the client connection has been constructed.
func (c *Channel) WaitForApiChannel(ctx context.Context) (*grpc.ClientConn, error) {
	for {
		c.mu.RLock()
		conn, ready := c.conn, c.ready
		c.mu.RUnlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitForApiAvailable probes the remote API until a probe succeeds. Between
// attempts it sleeps on the configured clock with exponential backoff. It
// returns an *ApiNotAvailableError when a probe fails permanently, when the
// wait timeout has elapsed on the clock, or when ctx is done.
func (c *Channel) WaitForApiAvailable(ctx context.Context) error {
	clk := c.cfg.Clock
	begin := clk.Now()
	deadline := begin.Add(c.cfg.WaitTimeout)

	fail := func(attempts int, err error, permanent bool) error {
		return &ApiNotAvailableError{
			Target:      c.cfg.Target,
			Attempts:    attempts,
			Elapsed:     clk.Since(begin),
			Permanent:   permanent,
			Interrupted: ctx.Err() != nil,
			Err:         err,
		}
	}

	conn, err := c.WaitForApiChannel(ctx)
	if err != nil {
		return fail(0, err, false)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := c.probe(ctx, conn)
		c.cfg.Metrics.observeProbe(c.cfg.Target, err)
		if err == nil {
			c.setAvailability(AvailabilityAvailable)
			c.logger.Info("API %s available after %d attempts", c.cfg.Target, attempt)
			return nil
		}

		c.setAvailability(AvailabilityUnavailable)
		if ctx.Err() != nil {
			return fail(attempt, ctx.Err(), false)
		}
		if isPermanentProbeError(err) {
			c.logger.ErrorWithErr("API %s is permanently unavailable", err, c.cfg.Target)
			return fail(attempt, err, true)
		}

		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			c.logger.WarnWithErr("Gave up waiting for API %s after %d attempts", err, c.cfg.Target, attempt)
			return fail(attempt, err, false)
		}

		wait := b.NextBackOff()
		if wait > remaining {
			wait = remaining
		}
		c.logger.Debug("API %s not available (attempt %d): %v; retrying in %s", c.cfg.Target, attempt, err, wait)

		timer := clk.NewTimer(wait)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return fail(attempt, ctx.Err(), false)
		}
	}
}

func (c *Channel) probe(ctx context.Context, conn grpc.ClientConnInterface) error {
	probeCtx, cancel := context.WithTimeout(withProbe(ctx), c.cfg.ProbeTimeout)
	defer cancel()
	err := c.cfg.Probe.Probe(probeCtx, conn)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("probe timed out after %s: %w", c.cfg.ProbeTimeout, err)
	}
	return err
}

// WaitForAll waits for every channel concurrently. The first failure cancels
// the remaining waits and is returned.
func WaitForAll(ctx context.Context, channels ...*Channel) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		g.Go(func() error {
			return ch.WaitForApiAvailable(gctx)
		})
	}
	return g.Wait()
}
