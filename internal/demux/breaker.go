package demux

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type probeKey struct{}

// withProbe marks availability probes so they bypass the circuit breaker.
func withProbe(ctx context.Context) context.Context {
	return context.WithValue(ctx, probeKey{}, true)
}

func isProbe(ctx context.Context) bool {
	v, _ := ctx.Value(probeKey{}).(bool)
	return v
}

func newBreaker(target string, c *Channel) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("Circuit breaker for %s changed from %s to %s", name, from, to)
			switch to {
			case gobreaker.StateOpen:
				c.setAvailability(AvailabilityUnavailable)
			case gobreaker.StateClosed:
				c.setAvailability(AvailabilityAvailable)
			}
		},
		// Only transport-level failures count against the remote service.
		IsSuccessful: func(err error) bool {
			switch status.Code(err) {
			case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
				return false
			}
			return true
		},
	})
}

// breakerInterceptor fails fast with codes.Unavailable while the breaker is open.
func (c *Channel) breakerInterceptor(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if isProbe(ctx) {
		return invoker(ctx, method, req, reply, cc, opts...)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, invoker(ctx, method, req, reply, cc, opts...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return status.Errorf(codes.Unavailable, "api %s unavailable: %v", c.cfg.Target, err)
	}
	return err
}

// BreakerState returns the circuit breaker state for outgoing calls.
func (c *Channel) BreakerState() gobreaker.State {
	return c.breaker.State()
}
