package eventsources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
)

type recordingForwarder struct {
	mu     sync.Mutex
	events []*Event
	err    func(ev *Event) error
}

func (f *recordingForwarder) Forward(ctx context.Context, ev *Event) error {
	if f.err != nil {
		if err := f.err(ev); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *recordingForwarder) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.DeviceToken)
	}
	return out
}

func newTestReceiver(t *testing.T, fwd Forwarder, buffer int) (*Receiver, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewReceiver(ReceiverConfig{
		Tenant:    "acme",
		Source:    "mqtt",
		Buffer:    buffer,
		Timeout:   time.Second,
		Forwarder: fwd,
		Metrics:   metrics,
		Clock:     testingclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx, nil))
	require.NoError(t, r.Start(ctx, nil))
	t.Cleanup(func() {
		if r.State() == lifecycle.StateStarted {
			_ = r.Stop(context.Background(), nil)
		}
	})
	return r, metrics
}

func event(token string) *Event {
	return &Event{DeviceToken: token, Type: "measurement"}
}

func TestReceiverForwardsInOrder(t *testing.T) {
	fwd := &recordingForwarder{}
	r, metrics := newTestReceiver(t, fwd, 10)
	assert.Equal(t, "acme-mqtt-receiver", r.Name())

	for _, token := range []string{"a", "b", "c"} {
		require.NoError(t, r.Submit(event(token)))
	}
	require.NoError(t, r.Stop(context.Background(), nil))

	assert.Equal(t, []string{"a", "b", "c"}, fwd.tokens())
	first := fwd.events[0]
	assert.Equal(t, "acme", first.Tenant)
	assert.Equal(t, "mqtt", first.Source)
	assert.True(t, first.ReceivedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Events.WithLabelValues("acme", "mqtt", ResultForwarded)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Pending.WithLabelValues("acme", "mqtt")))
}

func TestReceiverRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fwd := &recordingForwarder{err: func(ev *Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}}
	r, metrics := newTestReceiver(t, fwd, 1)

	require.NoError(t, r.Submit(event("a")))
	<-started
	require.NoError(t, r.Submit(event("b")))
	assert.ErrorIs(t, r.Submit(event("c")), ErrReceiverFull)
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues("acme", "mqtt", ResultRejected)))

	close(release)
	require.NoError(t, r.Stop(context.Background(), nil))
	assert.Equal(t, []string{"a", "b"}, fwd.tokens())
}

func TestReceiverRejectsWhenStopped(t *testing.T) {
	r := NewReceiver(ReceiverConfig{Tenant: "acme", Source: "mqtt", Buffer: 1, Timeout: time.Second, Forwarder: &recordingForwarder{}})
	assert.ErrorIs(t, r.Submit(event("a")), ErrReceiverStopped)

	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx, nil))
	require.NoError(t, r.Start(ctx, nil))
	require.NoError(t, r.Stop(ctx, nil))
	assert.ErrorIs(t, r.Submit(event("a")), ErrReceiverStopped)

	// Restart accepts events again.
	require.NoError(t, r.Start(ctx, nil))
	assert.NoError(t, r.Submit(event("a")))
	require.NoError(t, r.Stop(ctx, nil))
	require.NoError(t, r.Terminate(ctx, nil))
	assert.Equal(t, lifecycle.StateTerminated, r.State())
}

func TestReceiverClassifiesForwardFailures(t *testing.T) {
	fwd := &recordingForwarder{err: func(ev *Event) error {
		switch ev.DeviceToken {
		case "unknown":
			return ErrUnregisteredDevice
		case "broken":
			return errors.New("connection refused")
		}
		return nil
	}}
	r, metrics := newTestReceiver(t, fwd, 10)

	for _, token := range []string{"unknown", "ok", "broken"} {
		require.NoError(t, r.Submit(event(token)))
	}
	require.NoError(t, r.Stop(context.Background(), nil))

	assert.Equal(t, []string{"ok"}, fwd.tokens())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues("acme", "mqtt", ResultForwarded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues("acme", "mqtt", ResultUnregistered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues("acme", "mqtt", ResultFailed)))
}

func TestReceiverStopDropsPendingWhenInterrupted(t *testing.T) {
	started := make(chan struct{}, 1)
	fwd := ForwardFunc(func(ctx context.Context, ev *Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	r, metrics := newTestReceiver(t, fwd, 10)

	require.NoError(t, r.Submit(event("a")))
	<-started
	require.NoError(t, r.Submit(event("b")))
	require.NoError(t, r.Submit(event("c")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Stop(ctx, nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues("acme", "mqtt", ResultFailed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Events.WithLabelValues("acme", "mqtt", ResultDropped)))
	assert.Equal(t, lifecycle.StateStopped, r.State())
}
