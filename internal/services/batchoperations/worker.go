package batchoperations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

var (
	// ErrWorkerStopped is returned when an operation is submitted to a worker
	// that is not started.
	ErrWorkerStopped = errors.New("batch worker is not accepting operations")

	// ErrQueueFull is returned when the operation queue is full.
	ErrQueueFull = errors.New("batch operation queue is full")

	// ErrUnknownOperationType is returned for an operation type without a handler.
	ErrUnknownOperationType = errors.New("unknown batch operation type")
)

var validate = validator.New()

// Element is one unit of work handed to a Handler.
type Element struct {
	Tenant      string
	OperationID string
	Type        string
	Value       string
	Parameters  map[string]string
}

// Handler processes one element of a batch operation. Returning an error
// wrapped with Permanent stops retries for the element.
type Handler interface {
	Process(ctx context.Context, element Element) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, element Element) error

func (f HandlerFunc) Process(ctx context.Context, element Element) error {
	return f(ctx, element)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Tenant string

	// Concurrency bounds the elements of one operation processed at once.
	Concurrency int

	QueueSize      int
	HistorySize    int
	MaxRetries     int
	RetryInterval  time.Duration
	ElementTimeout time.Duration

	Handlers map[string]Handler
	Metrics  *Metrics
	Clock    clock.PassiveClock
}

// Worker processes the batch operations of one tenant. Operations run one
// after another; the elements of an operation run concurrently.
type Worker struct {
	*lifecycle.Base

	cfg    WorkerConfig
	logger *logging.Logger

	mu        sync.Mutex
	history   *lru.Cache[string, *Operation]
	queue     chan *Operation
	accepting bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWorker creates a batch worker component.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w := &Worker{
		cfg:    cfg,
		logger: logging.GetLogger("batchoperations.worker").WithField("tenant", cfg.Tenant),
	}
	w.Base = lifecycle.NewBase(cfg.Tenant+"-batch-worker", lifecycle.Hooks{
		OnInitialize: w.initialize,
		OnStart:      w.start,
		OnStop:       w.stop,
		OnTerminate:  w.terminate,
	})
	return w
}

func (w *Worker) initialize(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	history, err := lru.New[string, *Operation](w.cfg.HistorySize)
	if err != nil {
		return fmt.Errorf("failed to create operation history: %w", err)
	}
	w.mu.Lock()
	w.history = history
	w.mu.Unlock()
	return nil
}

// Submit validates and queues an operation without blocking.
func (w *Worker) Submit(req Request) (*Operation, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid batch operation: %w", err)
	}
	if _, ok := w.cfg.Handlers[req.Type]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperationType, req.Type)
	}

	op := &Operation{
		ID:         uuid.NewString(),
		Tenant:     w.cfg.Tenant,
		Type:       req.Type,
		Parameters: req.Parameters,
		State:      OperationPending,
		Results:    make([]ElementResult, len(req.Elements)),
		CreatedAt:  w.cfg.Clock.Now(),
	}
	for i, e := range req.Elements {
		op.Results[i] = ElementResult{Element: e, Status: ElementPending}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.accepting {
		return nil, ErrWorkerStopped
	}
	select {
	case w.queue <- op:
	default:
		return nil, ErrQueueFull
	}
	w.history.Add(op.ID, op)
	w.cfg.Metrics.setQueued(w.cfg.Tenant, len(w.queue))
	w.logger.Debug("Queued %s operation %s with %d elements", op.Type, op.ID, len(op.Results))
	return op.clone(), nil
}

// Operation returns a snapshot of a recent operation.
func (w *Worker) Operation(id string) (*Operation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.history == nil {
		return nil, false
	}
	op, ok := w.history.Peek(id)
	if !ok {
		return nil, false
	}
	return op.clone(), true
}

// Operations returns snapshots of the recent operations, newest first.
func (w *Worker) Operations() []*Operation {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.history == nil {
		return nil
	}
	ops := w.history.Values()
	out := make([]*Operation, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		out = append(out, ops[i].clone())
	}
	return out
}

func (w *Worker) start(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	queue := make(chan *Operation, w.cfg.QueueSize)
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	w.queue, w.cancel, w.done = queue, cancel, done
	w.accepting = true

	go w.run(workCtx, queue, done)
	w.logger.Info("Batch worker started with %d concurrent elements", w.cfg.Concurrency)
	return nil
}

func (w *Worker) run(ctx context.Context, queue <-chan *Operation, done chan struct{}) {
	defer close(done)
	for op := range queue {
		w.cfg.Metrics.setQueued(w.cfg.Tenant, len(queue))
		w.process(ctx, op)
	}
}

func (w *Worker) update(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn()
}

func (w *Worker) process(ctx context.Context, op *Operation) {
	if ctx.Err() != nil {
		w.finish(op, ctx)
		return
	}

	started := w.cfg.Clock.Now()
	w.update(func() {
		op.State = OperationProcessing
		op.StartedAt = &started
	})
	w.logger.Info("Processing %s operation %s (%d elements)", op.Type, op.ID, len(op.Results))

	handler := w.cfg.Handlers[op.Type]
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i := range op.Results {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			w.processElement(ctx, op, i, handler)
			return nil
		})
	}
	_ = g.Wait()
	w.finish(op, ctx)
}

func (w *Worker) processElement(ctx context.Context, op *Operation, i int, handler Handler) {
	var element string
	w.update(func() { element = op.Results[i].Element })

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxRetries)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		ectx := ctx
		if w.cfg.ElementTimeout > 0 {
			var cancel context.CancelFunc
			ectx, cancel = context.WithTimeout(ctx, w.cfg.ElementTimeout)
			defer cancel()
		}
		return handler.Process(ectx, Element{
			Tenant:      op.Tenant,
			OperationID: op.ID,
			Type:        op.Type,
			Value:       element,
			Parameters:  op.Parameters,
		})
	}, policy)

	status := ElementSucceeded
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = ElementSkipped
	default:
		status = ElementFailed
		w.logger.Warn("Element %s of operation %s failed after %d attempts: %v", element, op.ID, attempts, err)
	}
	w.update(func() {
		op.Results[i].Status = status
		op.Results[i].Attempts = attempts
		if err != nil {
			op.Results[i].Error = err.Error()
		}
	})
	w.cfg.Metrics.observeElement(op.Tenant, op.Type, status)
}

// finish settles the final state. Elements never reached are skipped.
func (w *Worker) finish(op *Operation, ctx context.Context) {
	finished := w.cfg.Clock.Now()
	var state OperationState
	w.update(func() {
		state = OperationSucceeded
		for i := range op.Results {
			r := &op.Results[i]
			if r.Status == ElementPending {
				r.Status = ElementSkipped
			}
			switch r.Status {
			case ElementFailed:
				if state != OperationCanceled {
					state = OperationFailed
				}
			case ElementSkipped:
				state = OperationCanceled
			}
		}
		if ctx.Err() != nil {
			state = OperationCanceled
		}
		op.State = state
		op.FinishedAt = &finished
	})

	var elapsed time.Duration
	if op.StartedAt != nil {
		elapsed = finished.Sub(*op.StartedAt)
	}
	w.cfg.Metrics.observeOperation(op.Tenant, op.Type, state, elapsed)
	w.logger.Info("Operation %s finished %s in %s", op.ID, state, elapsed)
}

// stop refuses new operations and drains the queue. If ctx expires first the
// running operation is interrupted and the queued ones are canceled.
func (w *Worker) stop(ctx context.Context, _ lifecycle.ProgressMonitor) error {
	w.mu.Lock()
	queue, cancel, done := w.queue, w.cancel, w.done
	w.queue, w.cancel, w.done = nil, nil, nil
	w.accepting = false
	w.mu.Unlock()

	if queue == nil {
		return nil
	}
	close(queue)

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("Interrupted while draining %d batch operations, canceling them", len(queue))
		cancel()
		<-done
	}
	cancel()
	w.cfg.Metrics.setQueued(w.cfg.Tenant, 0)
	return nil
}

func (w *Worker) terminate(ctx context.Context, monitor lifecycle.ProgressMonitor) error {
	if err := w.stop(ctx, monitor); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.history != nil {
		w.history.Purge()
	}
	return nil
}
