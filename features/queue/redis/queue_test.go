package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pipelit.dev/pipelit/runtime/queue"
)

func TestNewQueueRequiresClient(t *testing.T) {
	_, err := NewQueue(Options{})
	require.EqualError(t, err, "redis client is required")
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	first, err := queue.NewJob("run", map[string]string{"execution_id": "e1"})
	require.NoError(t, err)
	second, err := queue.NewJob("run", map[string]string{"execution_id": "e2"})
	require.NoError(t, err)

	ok, err := q.Enqueue(context.Background(), "executions", first)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.Enqueue(context.Background(), "executions", second)
	require.NoError(t, err)
	require.True(t, ok)

	job := dequeue(t, q, "executions")
	require.Equal(t, "run", job.Kind)
	require.Equal(t, "executions", job.Queue)
	require.Equal(t, 1, job.Attempt)
	require.False(t, job.EnqueuedAt.IsZero())
	var payload map[string]string
	require.NoError(t, job.DecodePayload(&payload))
	require.Equal(t, "e1", payload["execution_id"])

	job = dequeue(t, q, "executions")
	require.NoError(t, job.DecodePayload(&payload))
	require.Equal(t, "e2", payload["execution_id"])

	empty, err := q.Dequeue(context.Background(), []string{"executions"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, empty)
}

func TestEnqueueDeduplicatesWhileQueued(t *testing.T) {
	q := newTestQueue(t)
	job := queue.Job{ID: "exec-run-1", Kind: "run"}

	ok, err := q.Enqueue(context.Background(), "executions", job)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.Enqueue(context.Background(), "executions", job)
	require.NoError(t, err)
	require.False(t, ok)

	got := dequeue(t, q, "executions")
	require.Equal(t, "exec-run-1", got.ID)

	// Dequeue releases the id.
	ok, err = q.Enqueue(context.Background(), "executions", job)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEnqueueInBecomesDueAfterDelay(t *testing.T) {
	q := newTestQueue(t)
	job := queue.Job{ID: "delayed-1", Kind: "resume"}

	ok, err := q.EnqueueIn(context.Background(), "executions", 80*time.Millisecond, job)
	require.NoError(t, err)
	require.True(t, ok)

	early, err := q.Dequeue(context.Background(), []string{"executions"}, 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, early)

	got, err := q.Dequeue(context.Background(), []string{"executions"}, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "delayed-1", got.ID)
	require.False(t, got.RunAt.IsZero())
}

func TestEnqueueInPastDelayIsImmediate(t *testing.T) {
	q := newTestQueue(t)
	ok, err := q.EnqueueIn(context.Background(), "executions", 0, queue.Job{ID: "now-1", Kind: "run"})
	require.NoError(t, err)
	require.True(t, ok)

	got := dequeue(t, q, "executions")
	require.Equal(t, "now-1", got.ID)
	require.True(t, got.RunAt.IsZero())
}

func TestListScheduledOrderedByDueTime(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueIn(context.Background(), "executions", time.Hour, queue.Job{ID: "later", Kind: "resume"})
	require.NoError(t, err)
	_, err = q.EnqueueIn(context.Background(), "executions", time.Minute, queue.Job{ID: "sooner", Kind: "resume"})
	require.NoError(t, err)

	jobs, err := q.ListScheduled(context.Background(), "executions")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "sooner", jobs[0].ID)
	require.Equal(t, "later", jobs[1].ID)
	require.True(t, jobs[0].RunAt.Before(jobs[1].RunAt))
}

func TestCancelScheduledReleasesID(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueIn(context.Background(), "executions", time.Hour, queue.Job{ID: "sched-1", Kind: "fire"})
	require.NoError(t, err)

	ok, err := q.Cancel(context.Background(), "sched-1")
	require.NoError(t, err)
	require.True(t, ok)

	jobs, err := q.ListScheduled(context.Background(), "executions")
	require.NoError(t, err)
	require.Empty(t, jobs)

	ok, err = q.Enqueue(context.Background(), "executions", queue.Job{ID: "sched-1", Kind: "fire"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCancelReadyJob(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "executions", queue.Job{ID: "ready-1", Kind: "run"})
	require.NoError(t, err)

	ok, err := q.Cancel(context.Background(), "ready-1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := q.Dequeue(context.Background(), []string{"executions"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCancelMissingReportsFalse(t *testing.T) {
	q := newTestQueue(t)
	ok, err := q.Cancel(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDequeueSpansQueues(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "scheduler", queue.Job{ID: "fire-1", Kind: "fire"})
	require.NoError(t, err)

	got, err := q.Dequeue(context.Background(), []string{"executions", "scheduler"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "fire-1", got.ID)
	require.Equal(t, "scheduler", got.Queue)
}

func TestDequeueHonorsContext(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx, []string{"executions"}, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClosedQueueFailsOperations(t *testing.T) {
	q := newTestQueue(t)
	q.Close()

	_, err := q.Enqueue(context.Background(), "executions", queue.Job{Kind: "run"})
	require.ErrorIs(t, err, queue.ErrClosed)
	_, err = q.Dequeue(context.Background(), []string{"executions"}, time.Millisecond)
	require.ErrorIs(t, err, queue.ErrClosed)
	_, err = q.ListScheduled(context.Background(), "executions")
	require.ErrorIs(t, err, queue.ErrClosed)
	_, err = q.Cancel(context.Background(), "any")
	require.ErrorIs(t, err, queue.ErrClosed)
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewQueue(Options{Client: client, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	return q
}

func dequeue(t *testing.T, q *Queue, names ...string) queue.Job {
	t.Helper()
	job, err := q.Dequeue(context.Background(), names, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	return *job
}
