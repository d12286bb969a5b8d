package demux

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/aiyumi19960310/sitewhere/internal/auth"
	"github.com/aiyumi19960310/sitewhere/internal/grpcserver"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var errUnreachable = status.Error(codes.Unavailable, "connection refused")

// countingProbe fails the first failures attempts and then succeeds, or
// fails forever when failures is negative.
type countingProbe struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (p *countingProbe) Probe(ctx context.Context, conn grpc.ClientConnInterface) error {
	n := p.calls.Add(1)
	if p.failures < 0 || n <= p.failures {
		return p.err
	}
	return nil
}

func newTestChannel(t *testing.T, cfg Config) *Channel {
	t.Helper()
	if cfg.Target == "" {
		cfg.Target = "device-management"
	}
	if cfg.Address == "" {
		cfg.Address = "passthrough:///unused"
	}
	ch := NewChannel(cfg)
	require.NoError(t, ch.Initialize(context.Background(), nil))
	t.Cleanup(func() { _ = ch.Terminate(context.Background(), nil) })
	return ch
}

// runOnFakeClock runs fn and advances fc by step whenever fn is sleeping on it.
func runOnFakeClock(fc *testingclock.FakeClock, step time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		if fc.HasWaiters() {
			fc.Step(step)
		} else {
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func TestWaitSucceedsAfterTransientFailures(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	probe := &countingProbe{failures: 2, err: errUnreachable}
	ch := newTestChannel(t, Config{
		Probe:           probe,
		Clock:           fc,
		WaitTimeout:     time.Minute,
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
	})

	assert.Equal(t, AvailabilityUnknown, ch.Availability())
	err := runOnFakeClock(fc, 100*time.Millisecond, func() error {
		return ch.WaitForApiAvailable(context.Background())
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), probe.calls.Load())
	assert.Equal(t, AvailabilityAvailable, ch.Availability())
}

func TestWaitTimesOutNotBefore(t *testing.T) {
	start := time.Now()
	fc := testingclock.NewFakeClock(start)
	probe := &countingProbe{failures: -1, err: errUnreachable}
	ch := newTestChannel(t, Config{
		Probe:           probe,
		Clock:           fc,
		WaitTimeout:     10 * time.Second,
		InitialInterval: time.Second,
		MaxInterval:     3 * time.Second,
	})

	err := runOnFakeClock(fc, 50*time.Millisecond, func() error {
		return ch.WaitForApiAvailable(context.Background())
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApiNotAvailable)
	assert.ErrorIs(t, err, errUnreachable)

	var apiErr *ApiNotAvailableError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Permanent)
	assert.False(t, apiErr.Interrupted)
	assert.GreaterOrEqual(t, apiErr.Elapsed, 10*time.Second)
	assert.GreaterOrEqual(t, fc.Since(start), 10*time.Second)
	assert.Less(t, fc.Since(start), 11*time.Second)
	assert.Greater(t, apiErr.Attempts, 3)
	assert.Equal(t, AvailabilityUnavailable, ch.Availability())
	assert.False(t, IsPermanent(err))
}

func TestAvailabilityErrorClassification(t *testing.T) {
	tests := []struct {
		code      codes.Code
		permanent bool
	}{
		{codes.Unavailable, false},
		{codes.DeadlineExceeded, false},
		{codes.ResourceExhausted, false},
		{codes.Aborted, false},
		{codes.Unauthenticated, true},
		{codes.PermissionDenied, true},
		{codes.Unimplemented, true},
		{codes.InvalidArgument, true},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(status.Error(tt.code, "failed")))
		})
	}
	assert.True(t, IsPermanent(Permanent(errUnreachable)))
}

func TestWaitFailsFastOnPermanentError(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	probe := &countingProbe{failures: -1, err: status.Error(codes.Unauthenticated, "bad token")}
	ch := newTestChannel(t, Config{Probe: probe, Clock: fc, WaitTimeout: time.Hour})

	err := ch.WaitForApiAvailable(context.Background())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), probe.calls.Load())
}

func TestWaitIsInterruptible(t *testing.T) {
	probe := &countingProbe{failures: -1, err: errUnreachable}
	ch := newTestChannel(t, Config{
		Probe:           probe,
		WaitTimeout:     time.Hour,
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.WaitForApiAvailable(ctx) }()

	require.Eventually(t, func() bool { return probe.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		var apiErr *ApiNotAvailableError
		require.ErrorAs(t, err, &apiErr)
		assert.True(t, apiErr.Interrupted)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("wait was not interrupted")
	}
}

func TestWaitForApiChannelBlocksUntilInitialized(t *testing.T) {
	ch := NewChannel(Config{Target: "event-management", Address: "passthrough:///unused"})
	t.Cleanup(func() { _ = ch.Terminate(context.Background(), nil) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ch.WaitForApiChannel(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *grpc.ClientConn, 1)
	go func() {
		conn, _ := ch.WaitForApiChannel(context.Background())
		got <- conn
	}()
	require.NoError(t, ch.Initialize(context.Background(), nil))

	select {
	case conn := <-got:
		assert.NotNil(t, conn)
		assert.Same(t, ch.Conn(), conn)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForApiChannel did not return")
	}
}

func TestProbeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	fc := testingclock.NewFakeClock(time.Now())
	ch := newTestChannel(t, Config{
		Target:  "asset-management",
		Probe:   &countingProbe{failures: 1, err: errUnreachable},
		Clock:   fc,
		Metrics: metrics,
	})

	require.NoError(t, runOnFakeClock(fc, time.Second, func() error {
		return ch.WaitForApiAvailable(context.Background())
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProbeAttempts.WithLabelValues("asset-management", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProbeAttempts.WithLabelValues("asset-management", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Available.WithLabelValues("asset-management")))
}

func TestBreakerOpensOnTransportFailures(t *testing.T) {
	ch := newTestChannel(t, Config{Target: "event-management"})

	var calls int
	failing := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		calls++
		return errUnreachable
	}

	for i := 0; i < 5; i++ {
		err := ch.breakerInterceptor(context.Background(), "/x.Y/Z", nil, nil, nil, failing)
		assert.Equal(t, codes.Unavailable, status.Code(err))
	}
	assert.Equal(t, gobreaker.StateOpen, ch.BreakerState())
	assert.Equal(t, AvailabilityUnavailable, ch.Availability())

	err := ch.breakerInterceptor(context.Background(), "/x.Y/Z", nil, nil, nil, failing)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, 5, calls, "open breaker must not reach the remote")

	// Probes bypass the breaker.
	_ = ch.breakerInterceptor(withProbe(context.Background()), "/x.Y/Z", nil, nil, nil, failing)
	assert.Equal(t, 6, calls)
}

func TestBusinessErrorsDoNotTripBreaker(t *testing.T) {
	ch := newTestChannel(t, Config{Target: "event-management"})
	notFound := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		return status.Error(codes.NotFound, "no such device")
	}
	for i := 0; i < 10; i++ {
		_ = ch.breakerInterceptor(context.Background(), "/x.Y/Z", nil, nil, nil, notFound)
	}
	assert.Equal(t, gobreaker.StateClosed, ch.BreakerState())
}

// remoteServer starts a real server on an in-memory listener.
func remoteServer(t *testing.T, identity grpcserver.Identity, tokens *auth.TokenManager) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpcserver.New(grpcserver.Config{
		Identity:      identity,
		Authenticator: auth.NewAuthenticator(tokens, nil),
		Listen:        func(int) (net.Listener, error) { return lis, nil },
	})
	ctx := context.Background()
	require.NoError(t, server.Initialize(ctx, nil))
	require.NoError(t, server.Start(ctx, nil))
	t.Cleanup(func() { _ = server.Stop(context.Background(), nil) })
	return lis
}

func bufDialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestIdentityProbeAgainstServer(t *testing.T) {
	tokens, err := auth.NewTokenManager(auth.Config{Secret: testSecret})
	require.NoError(t, err)
	lis := remoteServer(t, grpcserver.Identity{Identifier: "device-management", Version: "3.1.0"}, tokens)

	tests := []struct {
		name       string
		target     string
		minVersion string
		tokens     *auth.TokenManager
		wantErr    bool
	}{
		{"matching identity", "device-management", "", tokens, false},
		{"version satisfied", "device-management", "3.0.0", tokens, false},
		{"version too old", "device-management", "4.0.0", tokens, true},
		{"identity mismatch", "asset-management", "", tokens, true},
		{"no credentials", "device-management", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe, err := NewIdentityProbe(tt.target, tt.minVersion)
			require.NoError(t, err)

			ch := newTestChannel(t, Config{
				Target:      tt.target,
				Address:     "passthrough:///bufnet",
				Caller:      "event-sources",
				Tokens:      tt.tokens,
				Probe:       probe,
				WaitTimeout: time.Minute,
				DialOptions: []grpc.DialOption{bufDialer(lis)},
			})
			require.NoError(t, ch.Start(context.Background(), nil))

			err = ch.WaitForApiAvailable(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsPermanent(err), "misconfiguration must not be retried: %v", err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, AvailabilityAvailable, ch.Availability())
			}
		})
	}
}

func TestHealthProbe(t *testing.T) {
	tokens, err := auth.NewTokenManager(auth.Config{Secret: testSecret})
	require.NoError(t, err)
	lis := remoteServer(t, grpcserver.Identity{Identifier: "event-management"}, tokens)

	ch := newTestChannel(t, Config{
		Target:      "event-management",
		Address:     "passthrough:///bufnet",
		Probe:       &HealthProbe{Service: grpcserver.IdentityServiceName},
		DialOptions: []grpc.DialOption{bufDialer(lis)},
	})
	require.NoError(t, ch.WaitForApiAvailable(context.Background()))
}

func TestWaitForAll(t *testing.T) {
	ok := newTestChannel(t, Config{Target: "a", Probe: &countingProbe{}})
	bad := newTestChannel(t, Config{Target: "b", Probe: &countingProbe{failures: -1, err: status.Error(codes.PermissionDenied, "denied")}})
	require.NoError(t, WaitForAll(context.Background(), ok))

	err := WaitForAll(context.Background(), ok, bad)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrApiNotAvailable)
}

func TestChannelLifecycle(t *testing.T) {
	ch := NewChannel(Config{Target: "device-management", Address: "passthrough:///unused"})
	ctx := context.Background()

	require.NoError(t, ch.Initialize(ctx, nil))
	require.NoError(t, ch.Start(ctx, nil))
	require.NoError(t, ch.Stop(ctx, nil))
	assert.Nil(t, ch.Conn())
	assert.Equal(t, lifecycle.StateStopped, ch.State())

	require.NoError(t, ch.Start(ctx, nil))
	assert.NotNil(t, ch.Conn())
	require.NoError(t, ch.Stop(ctx, nil))
	require.NoError(t, ch.Terminate(ctx, nil))
}
