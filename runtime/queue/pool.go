package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pipelit.dev/pipelit/runtime/telemetry"
)

type (
	// Handler processes one dequeued job. A nil return acknowledges the
	// job; an error schedules a redelivery until the pool's attempt limit
	// is reached.
	Handler func(ctx context.Context, job Job) error

	// Pool consumes a set of queues with a fixed number of workers and
	// dispatches jobs to handlers registered by kind. Delivery is
	// at-least-once: a failed or panicking handler gets the job again
	// with the same ID and a bumped attempt counter.
	Pool struct {
		queue    Queue
		queues   []string
		handlers map[string]Handler

		workers     int
		maxAttempts int
		retryDelay  time.Duration
		pollWait    time.Duration

		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.Mutex
		cancel  context.CancelFunc
		wg      sync.WaitGroup
		started bool
	}

	// PoolOption configures a Pool.
	PoolOption func(*Pool)
)

// WithWorkers sets the number of concurrent workers. Defaults to 4.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithMaxAttempts bounds deliveries per job. Defaults to 3.
func WithMaxAttempts(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the redelivery delay after a handler failure.
// Defaults to one second.
func WithRetryDelay(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithPollWait sets how long a worker blocks per dequeue before rechecking
// cancellation. Defaults to 500ms.
func WithPollWait(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollWait = d
		}
	}
}

// WithPoolLogger sets the pool logger. When nil, the pool logs nowhere.
func WithPoolLogger(l telemetry.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPoolMetrics sets the pool metrics recorder. When nil, measurements
// are dropped.
func WithPoolMetrics(m telemetry.Metrics) PoolOption {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// NewPool builds a worker pool over the given queues. Handlers must be
// registered with Handle before Start.
func NewPool(q Queue, queues []string, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:       q,
		queues:      append([]string(nil), queues...),
		handlers:    make(map[string]Handler),
		workers:     4,
		maxAttempts: 3,
		retryDelay:  time.Second,
		pollWait:    500 * time.Millisecond,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle registers the handler for a job kind, replacing any previous one.
// Must be called before Start.
func (p *Pool) Handle(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic(fmt.Sprintf("queue: Handle(%q) after Start", kind))
	}
	p.handlers[kind] = h
}

// Start launches the workers. It returns immediately; workers run until
// Stop or until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.logger.Info(ctx, "queue pool started",
		"queues", fmt.Sprint(p.queues),
		"workers", p.workers,
	)
}

// Stop cancels the workers and waits for in-flight handlers to return,
// bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: pool drain interrupted: %w", ctx.Err())
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Dequeue(ctx, p.queues, p.pollWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			p.logger.Error(ctx, "dequeue failed", "error", err)
			select {
			case <-time.After(p.pollWait):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		p.dispatch(ctx, *job)
	}
}

func (p *Pool) dispatch(ctx context.Context, job Job) {
	h, ok := p.handlers[job.Kind]
	if !ok {
		p.logger.Error(ctx, "no handler for job kind",
			"kind", job.Kind,
			"job_id", job.ID,
			"queue", job.Queue,
		)
		p.metrics.IncCounter(telemetry.MetricQueueJobs, 1, "queue", job.Queue, "status", "unhandled")
		return
	}
	err := runHandler(ctx, h, job)
	if err == nil {
		p.metrics.IncCounter(telemetry.MetricQueueJobs, 1, "queue", job.Queue, "status", "ok")
		return
	}
	if job.Attempt >= p.maxAttempts {
		p.logger.Error(ctx, "job failed permanently",
			"kind", job.Kind,
			"job_id", job.ID,
			"attempt", job.Attempt,
			"error", err,
		)
		p.metrics.IncCounter(telemetry.MetricQueueJobs, 1, "queue", job.Queue, "status", "dead")
		return
	}
	p.logger.Warn(ctx, "job failed, scheduling redelivery",
		"kind", job.Kind,
		"job_id", job.ID,
		"attempt", job.Attempt,
		"error", err,
	)
	p.metrics.IncCounter(telemetry.MetricQueueJobs, 1, "queue", job.Queue, "status", "retried")
	if _, rerr := p.queue.EnqueueIn(ctx, job.Queue, p.retryDelay, job); rerr != nil {
		p.logger.Error(ctx, "redelivery enqueue failed", "job_id", job.ID, "error", rerr)
	}
}

// runHandler isolates handler panics so a bad job cannot take a worker down.
func runHandler(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
