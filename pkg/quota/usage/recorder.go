package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// recordTimeout bounds each background write so a wedged store cannot
// pile up workers.
const recordTimeout = 2 * time.Second

// Task is one deferred side-effect write (usage counters, violation logs).
type Task func(ctx context.Context)

// Recorder executes side-effect writes off the request path through a
// bounded queue.
//
// Enqueue never blocks: when the queue is full the oldest pending task
// is dropped in favor of the new one, trading analytics completeness for
// admission latency. Dropped tasks are counted and logged at a low rate.
type Recorder struct {
	queue   chan Task
	logger  *slog.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	dropped int64
	onDrop  func()
	mu      sync.Mutex
	started bool
}

// NewRecorder creates a Recorder with the given queue size (default 1024).
func NewRecorder(queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Recorder{
		queue:  make(chan Task, queueSize),
		logger: slog.Default().With("component", "quota.recorder"),
	}
}

// SetDropHook registers fn to be called once per dropped task, for
// metrics wiring. Must be set before the Recorder receives traffic.
func (r *Recorder) SetDropHook(fn func()) {
	r.mu.Lock()
	r.onDrop = fn
	r.mu.Unlock()
}

// Start launches the worker goroutine. Safe to call once.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(ctx)
}

// run drains the queue until Stop.
func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-r.queue:
					r.execute(task)
				default:
					return
				}
			}
		case task := <-r.queue:
			r.execute(task)
		}
	}
}

func (r *Recorder) execute(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	task(ctx)
}

// Enqueue adds a task, dropping the oldest pending task when the queue
// is full.
func (r *Recorder) Enqueue(task Task) {
	for {
		select {
		case r.queue <- task:
			return
		default:
		}

		// Full: evict the oldest and retry.
		select {
		case <-r.queue:
			r.mu.Lock()
			r.dropped++
			if r.dropped%100 == 1 {
				r.logger.Warn("recorder queue full, dropping oldest task", "dropped_total", r.dropped)
			}
			onDrop := r.onDrop
			r.mu.Unlock()
			if onDrop != nil {
				onDrop()
			}
		default:
		}
	}
}

// Dropped returns the number of tasks evicted because the queue was full.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Stop halts the worker after draining queued tasks.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}
