package eventsources

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

var (
	// ErrReceiverStopped is returned when an event is submitted to a receiver
	// that is not started.
	ErrReceiverStopped = errors.New("receiver is not accepting events")

	// ErrReceiverFull is returned when the receiver's buffer is full.
	ErrReceiverFull = errors.New("receiver buffer is full")

	// ErrUnregisteredDevice is returned by a Forwarder for events of devices
	// unknown to device management.
	ErrUnregisteredDevice = errors.New("device is not registered")
)

// Forwarder delivers a decoded event downstream.
type Forwarder interface {
	Forward(ctx context.Context, ev *Event) error
}

// ForwardFunc adapts a function to Forwarder.
type ForwardFunc func(ctx context.Context, ev *Event) error

func (f ForwardFunc) Forward(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Tenant    string
	Source    string
	Buffer    int
	Timeout   time.Duration // bounds forwarding one event
	Forwarder Forwarder
	Metrics   *Metrics
	Clock     clock.PassiveClock
}

// Receiver accepts events for one source of one tenant and forwards them in
// order on a single worker goroutine.
type Receiver struct {
	*lifecycle.Base

	cfg    ReceiverConfig
	logger *logging.Logger

	mu        sync.Mutex
	queue     chan *Event
	accepting bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReceiver creates a receiver component.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	r := &Receiver{
		cfg: cfg,
		logger: logging.GetLogger("eventsources.receiver").WithFields(
			logging.Field("tenant", cfg.Tenant),
			logging.Field("source", cfg.Source),
		),
	}
	r.Base = lifecycle.NewBase(cfg.Tenant+"-"+cfg.Source+"-receiver", lifecycle.Hooks{
		OnStart:     r.start,
		OnStop:      r.stop,
		OnTerminate: r.stop,
	})
	return r
}

// Source returns the source identifier.
func (r *Receiver) Source() string {
	return r.cfg.Source
}

// Submit queues an event without blocking.
func (r *Receiver) Submit(ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.accepting {
		r.cfg.Metrics.observe(r.cfg.Tenant, r.cfg.Source, ResultRejected)
		return ErrReceiverStopped
	}
	ev.Tenant = r.cfg.Tenant
	ev.Source = r.cfg.Source
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = r.cfg.Clock.Now()
	}
	select {
	case r.queue <- ev:
		r.cfg.Metrics.setPending(r.cfg.Tenant, r.cfg.Source, len(r.queue))
		return nil
	default:
		r.cfg.Metrics.observe(r.cfg.Tenant, r.cfg.Source, ResultRejected)
		return ErrReceiverFull
	}
}

// Pending returns the number of queued events.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Receiver) start(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := make(chan *Event, r.cfg.Buffer)
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.queue, r.cancel, r.done = queue, cancel, done
	r.accepting = true

	go r.run(workCtx, queue, done)
	r.logger.Info("Receiver started with buffer %d", r.cfg.Buffer)
	return nil
}

func (r *Receiver) run(ctx context.Context, queue <-chan *Event, done chan struct{}) {
	defer close(done)
	for ev := range queue {
		r.process(ctx, ev)
		r.cfg.Metrics.setPending(r.cfg.Tenant, r.cfg.Source, len(queue))
	}
}

func (r *Receiver) process(ctx context.Context, ev *Event) {
	if ctx.Err() != nil {
		r.cfg.Metrics.observe(r.cfg.Tenant, r.cfg.Source, ResultDropped)
		return
	}
	fctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	err := r.cfg.Forwarder.Forward(fctx, ev)
	switch {
	case err == nil:
		r.cfg.Metrics.observe(r.cfg.Tenant, r.cfg.Source, ResultForwarded)
	case errors.Is(err, ErrUnregisteredDevice):
		r.logger.Warn("Dropping %s event of unregistered device %s", ev.Type, ev.DeviceToken)
		r.cfg.Metrics.observe(r.cfg.Tenant, r.cfg.Source, ResultUnregistered)
	default:
		r.logger.WarnWithErr("Failed to forward event", err)
		r.cfg.Metrics.observe(r.cfg.Tenant, r.cfg.Source, ResultFailed)
	}
}

// stop refuses new events and drains the queue. If ctx expires first the
// remaining events are dropped.
func (r *Receiver) stop(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	r.mu.Lock()
	queue, cancel, done := r.queue, r.cancel, r.done
	r.queue, r.cancel, r.done = nil, nil, nil
	r.accepting = false
	r.mu.Unlock()

	if queue == nil {
		return nil
	}
	close(queue)

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Interrupted while draining %d events, dropping them", len(queue))
		cancel()
		<-done
	}
	cancel()
	r.cfg.Metrics.setPending(r.cfg.Tenant, r.cfg.Source, 0)
	return nil
}
