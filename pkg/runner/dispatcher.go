package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// ErrQueueFull is returned by Submit when no more tasks can be queued.
var ErrQueueFull = errors.New("task queue is full")

const defaultQueueSize = 8

type queuedTask struct {
	runID string
	msg   *TaskMessage
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets how many tasks may wait for the execution slot.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l logr.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithEventHub records each run's lifecycle in h.
func WithEventHub(h *EventHub) DispatcherOption {
	return func(d *Dispatcher) { d.events = h }
}

// Dispatcher feeds queued tasks to a handler one at a time.
type Dispatcher struct {
	handler   TaskHandler
	logger    logr.Logger
	queueSize int
	events    *EventHub

	once  sync.Once
	queue chan queuedTask
	busy  atomic.Bool
}

// NewDispatcher creates a dispatcher for handler.
func NewDispatcher(handler TaskHandler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler:   handler,
		logger:    logr.Discard(),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan queuedTask, d.queueSize)
	return d
}

// Submit queues msg and returns its run id. It never blocks.
func (d *Dispatcher) Submit(msg *TaskMessage) (string, error) {
	runID := uuid.NewString()
	if d.events != nil {
		d.events.queued(runID, msg.Name)
	}
	select {
	case d.queue <- queuedTask{runID: runID, msg: msg}:
		d.logger.V(1).Info("task queued", "runID", runID, "task", msg.Name, "pending", len(d.queue))
		return runID, nil
	default:
		if d.events != nil {
			d.events.forget(runID)
		}
		return "", ErrQueueFull
	}
}

// Pending returns the number of queued tasks not yet started.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Capacity returns the queue size.
func (d *Dispatcher) Capacity() int { return cap(d.queue) }

// Busy reports whether a task currently holds the execution slot.
func (d *Dispatcher) Busy() bool { return d.busy.Load() }

// Run processes tasks until ctx is cancelled. Tasks still queued at that
// point are dropped. Run may only be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	started := false
	d.once.Do(func() { started = true })
	if !started {
		return errors.New("dispatcher already running")
	}

	d.logger.Info("dispatcher started", "queueSize", cap(d.queue))
	for {
		select {
		case <-ctx.Done():
			d.drop()
			return nil
		case t := <-d.queue:
			d.execute(ctx, t)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, t queuedTask) {
	d.busy.Store(true)
	defer d.busy.Store(false)

	if d.events != nil {
		d.events.started(t.runID)
	}
	log := d.logger.WithValues("runID", t.runID)
	res := d.handler.Run(logr.NewContext(ctx, log), t.msg)
	if res != nil && res.Err != nil {
		log.V(1).Info("task ended early", "error", res.Err.Error())
	}
	if d.events != nil {
		d.events.finished(t.runID, res)
	}
}

func (d *Dispatcher) drop() {
	if n := len(d.queue); n > 0 {
		d.logger.Info("warning: dropping queued tasks on shutdown", "count", n)
	}
	for {
		select {
		case t := <-d.queue:
			if d.events != nil {
				d.events.dropped(t.runID)
			}
		default:
			return
		}
	}
}
