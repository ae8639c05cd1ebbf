package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// EventHandler receives the event payload of a subscription. A
// returned error is logged and never propagated; a slow handler only
// delays other handlers sharing the pool, never the listener.
type EventHandler func(event json.RawMessage) error

const (
	dispatchWorkers   = 4
	dispatchQueueSize = 64
)

// dispatcher runs subscription callbacks on a fixed worker pool with a
// bounded queue. When the queue is full, events are dropped and
// counted rather than blocking the listener or spawning without bound.
type dispatcher struct {
	queue  chan func()
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	dropped int64
	closed  bool
}

func newDispatcher(workers, queueSize int, logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		queue:  make(chan func(), queueSize),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.runJob(job)
	}
}

// runJob isolates handler panics so one bad callback cannot take down
// a pool worker.
func (d *dispatcher) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "panic", r)
		}
	}()
	job()
}

// submit enqueues a job without blocking. Returns false when the job
// was dropped because the queue is full or the dispatcher is closed.
// The enqueue happens under the mutex so it cannot race a close().
func (d *dispatcher) submit(job func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	select {
	case d.queue <- job:
		return true
	default:
		d.dropped++
		d.logger.Warn("event queue full, dropping event", "dropped_total", d.dropped)
		return false
	}
}

// droppedCount returns how many events were dropped due to backpressure.
func (d *dispatcher) droppedCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// close stops accepting jobs and waits for in-flight handlers.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
}
