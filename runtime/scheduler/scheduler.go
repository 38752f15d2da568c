// Package scheduler drives recurring workflow triggers. Each active job
// lives in the job queue at most once under a deterministic key derived from
// its occurrence counters, so re-enqueueing after a crash is always safe.
// The scheduler is self-rescheduling: firing an occurrence dispatches a
// schedule trigger event and enqueues the next occurrence, with exponential
// backoff on failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pipelit.dev/pipelit/runtime/execution"
	"pipelit.dev/pipelit/runtime/queue"
	"pipelit.dev/pipelit/runtime/telemetry"
	"pipelit.dev/pipelit/runtime/triggers"
)

// Status describes the lifecycle of a scheduled job.
type Status string

const (
	// StatusActive means the job fires on its interval.
	StatusActive Status = "active"
	// StatusPaused means the job is suspended; fired occurrences are rejected.
	StatusPaused Status = "paused"
	// StatusDone means the job completed its repeat count.
	StatusDone Status = "done"
	// StatusDead means the job exhausted its retries.
	StatusDead Status = "dead"
)

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("scheduler: job not found")

// DefaultQueue is the queue scheduled occurrences are enqueued on.
const DefaultQueue = "scheduler"

// KindFire is the queue job kind consumed by the fire handler.
const KindFire = "scheduler.fire"

type (
	// Job is one recurring trigger definition. Counters advance as
	// occurrences fire: RepeatDone counts successful fires, RetryDone counts
	// consecutive dispatch failures.
	Job struct {
		ID            string
		WorkflowID    string
		TriggerNodeID string
		// Interval separates occurrences. Persisted as milliseconds.
		Interval time.Duration
		// RepeatCount bounds the number of successful fires. Zero means
		// unbounded.
		RepeatCount int
		RepeatDone  int
		// RetryMax bounds consecutive dispatch failures before the job dies.
		RetryMax  int
		RetryDone int
		Status    Status
		// LastRunAt is when the job last fired. Zero means never.
		LastRunAt time.Time
		// NextRunAt is when the next occurrence is due. Zero means unset.
		NextRunAt time.Time
		LastError string
		Payload   map[string]any
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Store persists scheduled job rows. Implementations must be safe for
	// concurrent use; the fire path for a single job is already serialized
	// by the queue's deterministic keys.
	Store interface {
		// Create inserts a new job. The id must not exist yet.
		Create(ctx context.Context, job Job) error
		// Load fetches a job by id, returning ErrNotFound when absent.
		Load(ctx context.Context, id string) (Job, error)
		// Update replaces the stored row.
		Update(ctx context.Context, job Job) error
		// ListByStatus returns all jobs with the given status ordered by id.
		ListByStatus(ctx context.Context, status Status) ([]Job, error)
	}

	// Dispatcher is the trigger dispatch surface the scheduler fires into.
	Dispatcher interface {
		// DispatchEvent resolves and enqueues a trigger event, returning the
		// new execution id.
		DispatchEvent(ctx context.Context, evt triggers.Event) (string, error)
		// AwaitExecution blocks until the execution reaches a terminal
		// status.
		AwaitExecution(ctx context.Context, executionID string) (execution.Status, error)
	}

	// Scheduler owns the fire loop for scheduled jobs.
	Scheduler struct {
		store    Store
		queue    queue.Queue
		dispatch Dispatcher

		queueName string
		await     bool
		log       telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time
	}

	// Option configures a Scheduler.
	Option func(*Scheduler)

	// FirePayload is the queue job body for one occurrence.
	FirePayload struct {
		JobID string `json:"job_id"`
	}
)

// WithQueueName overrides the queue occurrences are enqueued on.
func WithQueueName(name string) Option {
	return func(s *Scheduler) { s.queueName = name }
}

// WithAwait makes the fire path block until the dispatched execution
// terminates, counting a failed execution as a fire failure. The default
// detaches after dispatch.
func WithAwait(await bool) Option {
	return func(s *Scheduler) { s.await = await }
}

// WithLogger sets the structured logger.
func WithLogger(log telemetry.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock injects a fake clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New constructs a Scheduler over a job store, a queue and the dispatcher.
func New(store Store, q queue.Queue, d Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		queue:     q,
		dispatch:  d,
		queueName: DefaultQueue,
		log:       telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueueKey returns the deterministic queue job id for one occurrence. The
// counters make each occurrence unique while the queue's dedupe rule makes
// re-enqueueing the same occurrence a no-op.
func QueueKey(jobID string, repeatDone, retryDone int) string {
	return fmt.Sprintf("sched-%s-n%d-rc%d", jobID, repeatDone, retryDone)
}

// Bind registers the fire handler on a worker pool. Fire errors are returned
// to the pool only for store failures, where redelivery can help; dispatch
// failures feed the job's own retry ladder instead.
func (s *Scheduler) Bind(p *queue.Pool) {
	p.Handle(KindFire, func(ctx context.Context, job queue.Job) error {
		var fp FirePayload
		if err := job.DecodePayload(&fp); err != nil {
			s.log.Error(ctx, "scheduler: bad fire payload", "job_id", job.ID, "err", err)
			return nil
		}
		return s.Fire(ctx, fp.JobID)
	})
}

// Schedule validates and persists a new job, then enqueues its first
// occurrence. A zero NextRunAt means due immediately.
func (s *Scheduler) Schedule(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.WorkflowID == "" {
		return Job{}, errors.New("scheduler: workflow id is required")
	}
	if job.Interval <= 0 {
		return Job{}, errors.New("scheduler: interval must be positive")
	}
	if job.Status == "" {
		job.Status = StatusActive
	}
	now := s.now().UTC()
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if err := s.store.Create(ctx, job); err != nil {
		return Job{}, err
	}
	if job.Status == StatusActive {
		if err := s.enqueueOccurrence(ctx, job, now); err != nil {
			return Job{}, err
		}
	}
	return job, nil
}

// Fire runs one occurrence of a job. It is invoked by the worker pool when
// the occurrence's queue entry becomes due.
func (s *Scheduler) Fire(ctx context.Context, jobID string) error {
	job, err := s.store.Load(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		s.log.Warn(ctx, "scheduler: fired unknown job", "scheduled_job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		// Pause raced the delayed entry, or the row moved to done/dead.
		// The persisted status wins.
		s.log.Info(ctx, "scheduler: rejecting fire for inactive job",
			"scheduled_job_id", jobID, "status", string(job.Status))
		return nil
	}

	now := s.now().UTC()
	job.LastRunAt = now
	if err := s.store.Update(ctx, job); err != nil {
		return err
	}

	evt := triggers.ScheduleFired(job.ID, job.Payload)
	execID, dispatchErr := s.dispatch.DispatchEvent(ctx, evt)
	if dispatchErr == nil && s.await {
		status, err := s.dispatch.AwaitExecution(ctx, execID)
		switch {
		case err != nil:
			dispatchErr = err
		case status == execution.StatusFailed:
			dispatchErr = fmt.Errorf("execution %s failed", execID)
		}
	}

	if dispatchErr != nil {
		return s.fireFailed(ctx, job, now, dispatchErr)
	}
	return s.fireSucceeded(ctx, job, now)
}

func (s *Scheduler) fireSucceeded(ctx context.Context, job Job, now time.Time) error {
	job.RepeatDone++
	job.LastError = ""
	job.NextRunAt = job.LastRunAt.Add(job.Interval)
	s.metrics.IncCounter(telemetry.MetricSchedulerFires, 1, "outcome", "success")

	if job.RepeatCount > 0 && job.RepeatDone >= job.RepeatCount {
		job.Status = StatusDone
		job.NextRunAt = time.Time{}
		if err := s.store.Update(ctx, job); err != nil {
			return err
		}
		s.log.Info(ctx, "scheduler: job completed",
			"scheduled_job_id", job.ID, "repeat_done", job.RepeatDone)
		return nil
	}

	if err := s.store.Update(ctx, job); err != nil {
		return err
	}
	return s.enqueueOccurrence(ctx, job, now)
}

func (s *Scheduler) fireFailed(ctx context.Context, job Job, now time.Time, cause error) error {
	job.RetryDone++
	job.LastError = cause.Error()
	s.metrics.IncCounter(telemetry.MetricSchedulerFires, 1, "outcome", "failure")

	if job.RetryDone > job.RetryMax {
		job.Status = StatusDead
		job.LastError = fmt.Sprintf("SCHEDULER_RETRY_EXHAUSTED: %v", cause)
		job.NextRunAt = time.Time{}
		if err := s.store.Update(ctx, job); err != nil {
			return err
		}
		s.log.Error(ctx, "scheduler: job dead after retries",
			"scheduled_job_id", job.ID, "retry_done", job.RetryDone, "err", cause)
		return nil
	}

	job.NextRunAt = now.Add(Backoff(job.Interval, job.RetryDone))
	if err := s.store.Update(ctx, job); err != nil {
		return err
	}
	s.log.Warn(ctx, "scheduler: fire failed, retrying",
		"scheduled_job_id", job.ID, "retry_done", job.RetryDone,
		"next_run_at", job.NextRunAt, "err", cause)
	return s.enqueueOccurrence(ctx, job, now)
}

// Backoff returns the retry delay for the given attempt, doubling per retry
// and capped at ten intervals.
func Backoff(interval time.Duration, retryDone int) time.Duration {
	if retryDone < 0 {
		retryDone = 0
	}
	limit := 10 * interval
	d := interval
	for i := 0; i < retryDone; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

// Recover re-enqueues occurrences for active jobs after a crash. Past-due
// and unset NextRunAt jobs fire immediately; future jobs are re-enqueued at
// their remaining delay, a no-op when the queue retained the original entry.
// It returns the number of occurrences actually enqueued.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.ListByStatus(ctx, StatusActive)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	enqueued := 0
	for _, job := range jobs {
		if job.NextRunAt.IsZero() {
			job.NextRunAt = now
		}
		ok, err := s.enqueueAt(ctx, job, now)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
			s.log.Info(ctx, "scheduler: recovered job",
				"scheduled_job_id", job.ID, "next_run_at", job.NextRunAt)
		}
	}
	return enqueued, nil
}

// Pause suspends an active job and cancels its outstanding occurrence
// best-effort. A fire that slips through is rejected by the status check.
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	job, err := s.store.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		return fmt.Errorf("scheduler: job %s is %s, cannot pause", jobID, job.Status)
	}
	job.Status = StatusPaused
	if err := s.store.Update(ctx, job); err != nil {
		return err
	}
	key := QueueKey(job.ID, job.RepeatDone, job.RetryDone)
	if _, err := s.queue.Cancel(ctx, key); err != nil {
		s.log.Warn(ctx, "scheduler: cancel outstanding occurrence failed",
			"scheduled_job_id", jobID, "key", key, "err", err)
	}
	return nil
}

// Resume reactivates a paused job and enqueues its next occurrence
// immediately.
func (s *Scheduler) Resume(ctx context.Context, jobID string) error {
	job, err := s.store.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusPaused {
		return fmt.Errorf("scheduler: job %s is %s, cannot resume", jobID, job.Status)
	}
	now := s.now().UTC()
	job.Status = StatusActive
	job.NextRunAt = now
	if err := s.store.Update(ctx, job); err != nil {
		return err
	}
	return s.enqueueOccurrence(ctx, job, now)
}

// enqueueOccurrence schedules the job's next fire under its current key.
func (s *Scheduler) enqueueOccurrence(ctx context.Context, job Job, now time.Time) error {
	_, err := s.enqueueAt(ctx, job, now)
	return err
}

func (s *Scheduler) enqueueAt(ctx context.Context, job Job, now time.Time) (bool, error) {
	qj, err := queue.NewJob(KindFire, FirePayload{JobID: job.ID})
	if err != nil {
		return false, err
	}
	qj.ID = QueueKey(job.ID, job.RepeatDone, job.RetryDone)
	delay := job.NextRunAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	ok, err := s.queue.EnqueueIn(ctx, s.queueName, delay, qj)
	if err != nil {
		return false, err
	}
	if !ok {
		s.metrics.IncCounter(telemetry.MetricQueueDedup, 1, "queue", s.queueName)
	}
	return ok, nil
}
