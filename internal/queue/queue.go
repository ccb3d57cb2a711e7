// Package queue implements the named work queues that drive settlement.
//
// All four pipelines (deal, contract, group-deal, reward) share one
// worker abstraction parameterized by queue name and handler, so retry,
// backoff, panic containment, and shutdown behave identically
// everywhere. Queues hold deal/group ids, never payloads: handlers
// re-read the record and decide from current state, which makes
// duplicate delivery harmless.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/staychain/bookingd/internal/metrics"
)

// maxBackoff caps the re-enqueue delay regardless of attempt count.
const maxBackoff = time.Minute

// idlePoll bounds how long a worker sleeps when the queue is empty.
const idlePoll = 500 * time.Millisecond

type item struct {
	id        string
	attempts  int
	notBefore time.Time
}

// Queue is a named in-process FIFO of record ids.
type Queue struct {
	name   string
	mu     sync.Mutex
	items  []item
	notify chan struct{}
}

// New creates a named queue.
func New(name string) *Queue {
	return &Queue{
		name:   name,
		notify: make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds an id for processing. Safe for concurrent use.
func (q *Queue) Enqueue(id string) {
	q.push(item{id: id})
}

func (q *Queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the first ready item. When nothing is ready
// it returns ok=false and how long until the earliest delayed item, or
// zero if the queue is empty.
func (q *Queue) pop() (item, bool, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var wait time.Duration
	for i, it := range q.items {
		if it.notBefore.After(now) {
			d := it.notBefore.Sub(now)
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.items)))
		return it, true, 0
	}
	return item{}, false, wait
}

// Depth returns the number of queued items (including delayed retries).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Handler processes one queued id. Returning an error re-enqueues the
// id with backoff, up to the worker's retry bound.
type Handler func(ctx context.Context, id string) error

// Options tune a worker pool.
type Options struct {
	MaxRetries  int           // Re-enqueues before an item is dropped (default 5)
	BaseDelay   time.Duration // First retry delay, doubled per attempt (default 1s)
	Concurrency int           // Parallel worker loops (default 1)
}

// Worker runs one or more loops popping items off a queue and feeding
// them to the handler.
type Worker struct {
	queue   *Queue
	handler Handler
	opts    Options
	logger  *slog.Logger

	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWorker creates a worker pool for the queue.
func NewWorker(q *Queue, handler Handler, opts Options, logger *slog.Logger) *Worker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Worker{
		queue:   q,
		handler: handler,
		opts:    opts,
		logger:  logger.With("queue", q.name),
		stop:    make(chan struct{}),
	}
}

// Running reports whether the worker loops are active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start launches the worker loops. They run until Stop is called or ctx
// is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.logger.Info("queue worker started", "concurrency", w.opts.Concurrency)
}

// Stop signals the loops to finish and waits for in-flight items to
// complete. Queued-but-unprocessed items are left in the queue; their
// handlers re-check preconditions on the next process start, so nothing
// is half-written.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.running.Store(false)
	w.logger.Info("queue worker stopped", "remaining", w.queue.Depth())
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		it, ok, wait := w.queue.pop()
		if !ok {
			if wait <= 0 || wait > idlePoll {
				wait = idlePoll
			}
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-w.queue.notify:
			case <-time.After(wait):
			}
			continue
		}

		w.process(ctx, it)
	}
}

// process runs the handler for one item, containing panics and
// re-enqueueing on failure up to the retry bound.
func (w *Worker) process(ctx context.Context, it item) {
	err := w.safeHandle(ctx, it.id)
	if err == nil {
		return
	}

	it.attempts++
	if it.attempts >= w.opts.MaxRetries {
		metrics.QueueDroppedTotal.WithLabelValues(w.queue.name).Inc()
		w.logger.Error("dropping item after exhausting retries",
			"id", it.id,
			"attempts", it.attempts,
			"error", err,
		)
		return
	}

	delay := w.opts.BaseDelay << (it.attempts - 1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	it.notBefore = time.Now().Add(delay)

	metrics.QueueRetriesTotal.WithLabelValues(w.queue.name).Inc()
	w.logger.Warn("requeueing item after error",
		"id", it.id,
		"attempt", it.attempts,
		"delay", delay,
		"error", err,
	)
	w.queue.push(it)
}

func (w *Worker) safeHandle(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in queue handler: %v", r)
		}
	}()
	return w.handler(ctx, id)
}
