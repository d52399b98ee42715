package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/handit-ai/handit-core/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned when publishing to a stopped dispatcher.
var ErrStopped = errors.New("pipeline: dispatcher stopped")

// Handler consumes events.
type Handler interface {
	Handle(ctx context.Context, ev Event)
}

// DispatcherOptions size the worker pool.
type DispatcherOptions struct {
	Workers            int
	QueueSize          int
	CompanyConcurrency int
}

type task struct {
	ev Event
	fn func(context.Context)
}

// Dispatcher runs events on a fixed pool of workers. Events of one company
// share a semaphore so a single tenant cannot occupy every worker.
type Dispatcher struct {
	handler Handler
	opts    DispatcherOptions
	log     *zap.Logger

	queue chan task
	ctx   context.Context
	stop  context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	semMu sync.Mutex
	sems  map[uint]*semaphore.Weighted

	background *semaphore.Weighted
	pending    sync.WaitGroup
	workers    sync.WaitGroup
}

// NewDispatcher builds a Dispatcher. Call Start before publishing.
func NewDispatcher(h Handler, opts DispatcherOptions, log *zap.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.CompanyConcurrency <= 0 {
		opts.CompanyConcurrency = opts.Workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler:    h,
		opts:       opts,
		log:        logging.OrNop(log),
		queue:      make(chan task, opts.QueueSize),
		ctx:        ctx,
		stop:       cancel,
		sems:       make(map[uint]*semaphore.Weighted),
		background: semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			for t := range d.queue {
				d.run(t)
			}
		}()
	}
	d.log.Info("pipeline dispatcher started", zap.Int("workers", d.opts.Workers), zap.Int("queue_size", d.opts.QueueSize))
}

// Publish enqueues an event. It never blocks on a full queue: the send is
// handed to a goroutine and the event stays pending until it has run.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.RequestID == "" {
		ev.RequestID = logging.GetRequestID(ctx)
	}
	if !d.admit() {
		return ErrStopped
	}

	t := task{ev: ev}
	select {
	case d.queue <- t:
	default:
		d.log.Debug("pipeline queue full, spilling", zap.Stringer("event", ev))
		go func() { d.queue <- t }()
	}
	return nil
}

// Go runs fn in the background. Background work is bounded by the worker
// count; when every slot is busy fn is dropped and false is returned.
func (d *Dispatcher) Go(fn func(ctx context.Context)) bool {
	if !d.background.TryAcquire(1) {
		return false
	}
	if !d.admit() {
		d.background.Release(1)
		return false
	}
	go func() {
		defer d.background.Release(1)
		d.run(task{fn: fn})
	}()
	return true
}

// admit registers one pending task unless the dispatcher is stopping. The
// queue is only closed once nothing is pending, so an admitted task can
// always be sent.
func (d *Dispatcher) admit() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	d.pending.Add(1)
	return true
}

// Wait blocks until every published event and background task, including the
// ones they published in turn, has finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Stop refuses new work, waits for pending work to finish and releases the
// workers. Events published by handlers while stopping are refused.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.pending.Wait()
	close(d.queue)
	d.workers.Wait()
	d.stop()
	d.log.Info("pipeline dispatcher stopped")
}

func (d *Dispatcher) run(t task) {
	defer d.pending.Done()
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("pipeline task panicked", zap.Stringer("event", t.ev), zap.Any("panic", rec))
		}
	}()

	if t.fn != nil {
		t.fn(d.ctx)
		return
	}

	sem := d.companySem(t.ev.CompanyID)
	if err := sem.Acquire(d.ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	ctx := logging.WithRequestID(d.ctx, t.ev.RequestID)
	d.handler.Handle(ctx, t.ev)
}

func (d *Dispatcher) companySem(companyID uint) *semaphore.Weighted {
	d.semMu.Lock()
	defer d.semMu.Unlock()
	sem, ok := d.sems[companyID]
	if !ok {
		sem = semaphore.NewWeighted(int64(d.opts.CompanyConcurrency))
		d.sems[companyID] = sem
	}
	return sem
}
