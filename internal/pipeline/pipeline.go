// Package pipeline runs deferred work off the caller's path: one unbounded
// ingress queue, one dispatch loop and a fixed pool of workers.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultWorkers     = 4
	DefaultPoolQueue   = 64
	DefaultGracePeriod = 5 * time.Second
)

var ErrShutdownTimeout = errors.New("pipeline: grace period elapsed, in-flight tasks cancelled")

// Task is a unit of deferred work. Kind and Key identify it in logs,
// e.g. "payment.process" and the payment id.
type Task struct {
	Kind string
	Key  string
	Run  func(ctx context.Context) error
}

type Options struct {
	Workers     int
	PoolQueue   int
	GracePeriod time.Duration
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.PoolQueue <= 0 {
		o.PoolQueue = DefaultPoolQueue
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Stats struct {
	Submitted  int64 `json:"submitted"`
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Queued     int   `json:"queued"`
}

type Pipeline struct {
	log   *slog.Logger
	grace time.Duration

	mu     sync.Mutex
	queue  []Task
	closed bool
	wake   chan struct{}

	work         chan Task
	stop         chan struct{}
	dispatchDone chan struct{}
	workers      sync.WaitGroup

	taskCtx    context.Context
	cancelTask context.CancelFunc

	once        sync.Once
	shutdownErr error

	submitted, dispatched, dropped, completed, failed atomic.Int64
}

// New starts the dispatch loop and the worker pool.
func New(opts Options) *Pipeline {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		log:          opts.Logger.With("component", "pipeline"),
		grace:        opts.GracePeriod,
		wake:         make(chan struct{}, 1),
		work:         make(chan Task, opts.PoolQueue),
		stop:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		taskCtx:      ctx,
		cancelTask:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}
	go p.dispatch()
	return p
}

// Submit queues a task and returns immediately. It reports false only when the
// pipeline is shut down or the task has no body.
func (p *Pipeline) Submit(t Task) bool {
	if t.Run == nil {
		return false
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.submitted.Add(1)
	p.queue = append(p.queue, t)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *Pipeline) dispatch() {
	defer close(p.dispatchDone)
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		select {
		case p.work <- t:
			p.dispatched.Add(1)
		default:
			// Best effort: a saturated pool loses the task.
			p.dropped.Add(1)
			p.log.Error("worker pool saturated, task dropped", "kind", t.Kind, "key", t.Key)
		}
	}
}

// next blocks until a task is queued or the pipeline stops.
func (p *Pipeline) next() (Task, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Task{}, false
		}
		if len(p.queue) > 0 {
			t := p.queue[0]
			p.queue[0] = Task{}
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return t, true
		}
		p.mu.Unlock()
		select {
		case <-p.wake:
		case <-p.stop:
			return Task{}, false
		}
	}
}

func (p *Pipeline) worker(id int) {
	defer p.workers.Done()
	for t := range p.work {
		p.run(id, t)
	}
}

func (p *Pipeline) run(id int, t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.log.Error("task panicked", "worker", id, "kind", t.Kind, "key", t.Key, "panic", r)
		}
	}()
	if err := t.Run(p.taskCtx); err != nil {
		p.failed.Add(1)
		p.log.Error("task failed", "worker", id, "kind", t.Kind, "key", t.Key, "err", err)
		return
	}
	p.completed.Add(1)
	p.log.Debug("task completed", "worker", id, "kind", t.Kind, "key", t.Key, "took", time.Since(start))
}

// Shutdown stops dispatching, lets workers drain what they already hold and
// waits up to the grace period (or ctx) before cancelling in-flight tasks.
// Tasks still in the ingress queue are dropped. Repeated calls return the
// first result.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.once.Do(func() { p.shutdownErr = p.shutdown(ctx) })
	return p.shutdownErr
}

func (p *Pipeline) shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	pending := len(p.queue)
	p.queue = nil
	p.mu.Unlock()

	close(p.stop)
	<-p.dispatchDone
	// The dispatcher was the only sender.
	close(p.work)
	if pending > 0 {
		p.dropped.Add(int64(pending))
		p.log.Warn("shutdown dropped undispatched tasks", "count", pending)
	}

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-done:
		p.cancelTask()
		p.log.Info("pipeline stopped", "completed", p.completed.Load(), "failed", p.failed.Load())
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	p.cancelTask()
	p.log.Warn("pipeline grace period elapsed, cancelling in-flight tasks")
	return ErrShutdownTimeout
}

// Drain polls until every submitted task has finished or been dropped,
// including tasks submitted by running tasks. It does not stop the pipeline.
func (p *Pipeline) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.outstanding() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) outstanding() int64 {
	finished := p.dropped.Load() + p.completed.Load() + p.failed.Load()
	return p.submitted.Load() - finished
}

func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Dispatched: p.dispatched.Load(),
		Dropped:    p.dropped.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Queued:     p.QueueLen(),
	}
}
