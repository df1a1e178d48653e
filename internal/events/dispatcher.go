// Package events serializes all state-mutating work onto a single
// goroutine. Interaction commands, voice presence updates, and timer fires
// are all funneled through the same queue, so handlers run to completion
// without preemption and never observe each other's partial updates.
// Handlers re-derive truth from the registry at execution time instead of
// trusting state captured when the event was produced.
package events

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

const defaultQueueSize = 256

type task struct {
	name string
	fn   func(context.Context)
}

// Dispatcher drains a buffered task queue on one goroutine.
type Dispatcher struct {
	queue   chan task
	logger  *slog.Logger
	onDone  func(name string, seconds float64)
	dropped func(name string)
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize overrides the queue capacity.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan task, n)
		}
	}
}

// WithObserver registers callbacks fired after a task completes (with its
// handler duration in seconds) and when a task is dropped. Used for metrics.
func WithObserver(onDone func(name string, seconds float64), dropped func(name string)) Option {
	return func(d *Dispatcher) {
		d.onDone = onDone
		d.dropped = dropped
	}
}

// New returns a Dispatcher. Run must be called for tasks to execute.
func New(logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:  make(chan task, defaultQueueSize),
		logger: logger.With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch enqueues a task. It never blocks the caller: when the queue is
// saturated the task is dropped with a logged warning, and false returned.
func (d *Dispatcher) Dispatch(name string, fn func(context.Context)) bool {
	select {
	case d.queue <- task{name: name, fn: fn}:
		return true
	default:
		d.logger.Warn("event queue saturated, dropping task", "task", name)
		if d.dropped != nil {
			d.dropped(name)
		}
		return false
	}
}

// Run executes queued tasks until the context is cancelled. A panicking
// handler is recovered and logged; one failing event never prevents
// handling of the next.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "queue_size", cap(d.queue))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case t := <-d.queue:
			d.execute(ctx, t)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, t task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
		}
		if d.onDone != nil {
			d.onDone(t.name, time.Since(start).Seconds())
		}
	}()
	t.fn(ctx)
}
