package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelit.dev/pipelit/runtime/execution"
	qinmem "pipelit.dev/pipelit/runtime/queue/inmem"
	"pipelit.dev/pipelit/runtime/scheduler"
	"pipelit.dev/pipelit/runtime/scheduler/inmem"
	"pipelit.dev/pipelit/runtime/triggers"
)

type fakeDispatch struct {
	mu          sync.Mutex
	events      []triggers.Event
	fail        error
	awaitStatus execution.Status
	awaitErr    error
}

func (f *fakeDispatch) DispatchEvent(_ context.Context, evt triggers.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.events = append(f.events, evt)
	return fmt.Sprintf("exec-%d", len(f.events)), nil
}

func (f *fakeDispatch) AwaitExecution(context.Context, string) (execution.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.awaitErr != nil {
		return "", f.awaitErr
	}
	if f.awaitStatus == "" {
		return execution.StatusCompleted, nil
	}
	return f.awaitStatus, nil
}

func (f *fakeDispatch) dispatched() []triggers.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggers.Event(nil), f.events...)
}

func TestScheduleEnqueuesFirstOccurrence(t *testing.T) {
	ctx := context.Background()
	q := qinmem.NewQueue()
	sched := scheduler.New(inmem.NewStore(), q, &fakeDispatch{})

	job, err := sched.Schedule(ctx, scheduler.Job{
		WorkflowID: "wf-1",
		Interval:   time.Minute,
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, scheduler.StatusActive, job.Status)

	got, err := q.Dequeue(ctx, []string{scheduler.DefaultQueue}, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, scheduler.QueueKey(job.ID, 0, 0), got.ID)
	assert.Equal(t, scheduler.KindFire, got.Kind)
}

func TestScheduleValidates(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.New(inmem.NewStore(), qinmem.NewQueue(), &fakeDispatch{})

	_, err := sched.Schedule(ctx, scheduler.Job{Interval: time.Minute})
	require.Error(t, err)

	_, err = sched.Schedule(ctx, scheduler.Job{WorkflowID: "wf-1"})
	require.Error(t, err)
}

func TestFireSuccessAdvancesCounters(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	q := qinmem.NewQueue()
	d := &fakeDispatch{}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sched := scheduler.New(store, q, d, scheduler.WithClock(func() time.Time { return base }))

	job, err := sched.Schedule(ctx, scheduler.Job{
		WorkflowID: "wf-1",
		Interval:   time.Minute,
		Payload:    map[string]any{"report": "daily"},
	})
	require.NoError(t, err)

	require.NoError(t, sched.Fire(ctx, job.ID))

	events := d.dispatched()
	require.Len(t, events, 1)
	assert.Equal(t, triggers.KindSchedule, events[0].Kind)
	assert.Equal(t, job.ID, events[0].ScheduledJobID())

	after, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.RepeatDone)
	assert.Equal(t, base, after.LastRunAt)
	assert.Equal(t, base.Add(time.Minute), after.NextRunAt)
	assert.Equal(t, scheduler.StatusActive, after.Status)

	// Next occurrence waits under the advanced key.
	scheduledJobs, err := q.ListScheduled(ctx, scheduler.DefaultQueue)
	require.NoError(t, err)
	require.Len(t, scheduledJobs, 1)
	assert.Equal(t, scheduler.QueueKey(job.ID, 1, 0), scheduledJobs[0].ID)
}

func TestFireRejectsInactiveJob(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	d := &fakeDispatch{}
	sched := scheduler.New(store, qinmem.NewQueue(), d)

	require.NoError(t, store.Create(ctx, scheduler.Job{
		ID: "sj-1", WorkflowID: "wf-1", Interval: time.Minute, Status: scheduler.StatusPaused,
	}))

	require.NoError(t, sched.Fire(ctx, "sj-1"))
	assert.Empty(t, d.dispatched())
}

func TestFireUnknownJobIsDropped(t *testing.T) {
	sched := scheduler.New(inmem.NewStore(), qinmem.NewQueue(), &fakeDispatch{})
	require.NoError(t, sched.Fire(context.Background(), "missing"))
}

func TestFireFailureBacksOffThenDies(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	q := qinmem.NewQueue()
	d := &fakeDispatch{fail: errors.New("resolver: no match")}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sched := scheduler.New(store, q, d, scheduler.WithClock(func() time.Time { return base }))

	job, err := sched.Schedule(ctx, scheduler.Job{
		WorkflowID: "wf-1",
		Interval:   time.Minute,
		RetryMax:   1,
	})
	require.NoError(t, err)

	require.NoError(t, sched.Fire(ctx, job.ID))
	after, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.RetryDone)
	assert.Equal(t, scheduler.StatusActive, after.Status)
	assert.Contains(t, after.LastError, "no match")
	// First retry backs off by 2x interval.
	assert.Equal(t, base.Add(2*time.Minute), after.NextRunAt)

	scheduledJobs, err := q.ListScheduled(ctx, scheduler.DefaultQueue)
	require.NoError(t, err)
	require.Len(t, scheduledJobs, 1)
	assert.Equal(t, scheduler.QueueKey(job.ID, 0, 1), scheduledJobs[0].ID)

	require.NoError(t, sched.Fire(ctx, job.ID))
	dead, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusDead, dead.Status)
	assert.Equal(t, 2, dead.RetryDone)
	assert.Contains(t, dead.LastError, "SCHEDULER_RETRY_EXHAUSTED")
}

func TestAwaitCountsFailedExecutionAsFailure(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	d := &fakeDispatch{awaitStatus: execution.StatusFailed}
	sched := scheduler.New(store, qinmem.NewQueue(), d, scheduler.WithAwait(true))

	job, err := sched.Schedule(ctx, scheduler.Job{WorkflowID: "wf-1", Interval: time.Minute, RetryMax: 3})
	require.NoError(t, err)

	require.NoError(t, sched.Fire(ctx, job.ID))
	after, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.RetryDone)
	assert.Equal(t, 0, after.RepeatDone)
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		retryDone int
		want      time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, scheduler.Backoff(time.Second, tc.retryDone), "retryDone=%d", tc.retryDone)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	q := qinmem.NewQueue()
	d := &fakeDispatch{}
	sched := scheduler.New(store, q, d)

	job, err := sched.Schedule(ctx, scheduler.Job{WorkflowID: "wf-1", Interval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, sched.Pause(ctx, job.ID))
	paused, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusPaused, paused.Status)

	got, err := q.Dequeue(ctx, []string{scheduler.DefaultQueue}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "pause should cancel the outstanding occurrence")

	require.NoError(t, sched.Resume(ctx, job.ID))
	resumed, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusActive, resumed.Status)

	got, err = q.Dequeue(ctx, []string{scheduler.DefaultQueue}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got, "resume should enqueue immediately")
	require.NoError(t, sched.Pause(ctx, job.ID))
	require.Error(t, sched.Pause(ctx, job.ID), "double pause rejected")
}

func TestRecoverReenqueuesActiveJobs(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	q := qinmem.NewQueue()
	sched := scheduler.New(store, q, &fakeDispatch{})

	past := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, store.Create(ctx, scheduler.Job{
		ID: "sj-due", WorkflowID: "wf-1", Interval: time.Minute,
		Status: scheduler.StatusActive, NextRunAt: past,
	}))
	require.NoError(t, store.Create(ctx, scheduler.Job{
		ID: "sj-unset", WorkflowID: "wf-2", Interval: time.Minute,
		Status: scheduler.StatusActive,
	}))
	require.NoError(t, store.Create(ctx, scheduler.Job{
		ID: "sj-done", WorkflowID: "wf-3", Interval: time.Minute,
		Status: scheduler.StatusDone,
	}))

	n, err := sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Deterministic keys make a second recovery a no-op.
	n, err = sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestRecurringScheduleRunsToCompletion drives a repeat_count=3 job through
// its whole life: three dispatched executions, then done, with every queue
// key observed exactly once.
func TestRecurringScheduleRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	store := inmem.NewStore()
	q := qinmem.NewQueue()
	d := &fakeDispatch{}
	sched := scheduler.New(store, q, d)

	job, err := sched.Schedule(ctx, scheduler.Job{
		WorkflowID:  "wf-report",
		Interval:    5 * time.Millisecond,
		RepeatCount: 3,
	})
	require.NoError(t, err)

	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		fired, err := q.Dequeue(ctx, []string{scheduler.DefaultQueue}, time.Second)
		require.NoError(t, err)
		require.NotNil(t, fired, "occurrence %d never became due", i)
		seen[fired.ID]++
		var fp scheduler.FirePayload
		require.NoError(t, fired.DecodePayload(&fp))
		require.NoError(t, sched.Fire(ctx, fp.JobID))
	}

	final, err := store.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusDone, final.Status)
	assert.Equal(t, 3, final.RepeatDone)
	assert.Len(t, d.dispatched(), 3)

	for key, count := range seen {
		assert.Equal(t, 1, count, "key %s fired more than once", key)
	}

	// Nothing further is due once the job is done.
	extra, err := q.Dequeue(ctx, []string{scheduler.DefaultQueue}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, extra)
}
