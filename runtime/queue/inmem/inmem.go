// Package inmem provides an in-process job queue for tests and single-node
// deployments. Ready jobs pop in enqueue order; delayed jobs promote when
// their RunAt passes. Deduplication holds an ID from enqueue until dequeue
// or cancel.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"pipelit.dev/pipelit/runtime/queue"
)

type entry struct {
	job queue.Job
	seq uint64
}

// Queue implements queue.Queue in memory.
type Queue struct {
	mu      sync.Mutex
	closed  bool
	seq     uint64
	ready   map[string][]entry
	delayed map[string][]entry
	ids     map[string]string
	notify  chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue returns an empty in-memory queue.
func NewQueue() *Queue {
	return &Queue{
		ready:   make(map[string][]entry),
		delayed: make(map[string][]entry),
		ids:     make(map[string]string),
		notify:  make(chan struct{}),
	}
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, name string, job queue.Job) (bool, error) {
	return q.add(name, job, time.Time{})
}

// EnqueueIn implements queue.Queue.
func (q *Queue) EnqueueIn(ctx context.Context, name string, delay time.Duration, job queue.Job) (bool, error) {
	due := time.Now().Add(delay)
	if delay <= 0 {
		due = time.Time{}
	}
	return q.add(name, job, due)
}

func (q *Queue) add(name string, job queue.Job, due time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, queue.ErrClosed
	}
	if job.ID == "" {
		job.ID = queue.NewID()
	}
	if _, occupied := q.ids[job.ID]; occupied {
		return false, nil
	}
	job.Queue = name
	job.RunAt = due
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.seq++
	e := entry{job: job, seq: q.seq}
	q.ids[job.ID] = name
	if due.IsZero() {
		q.ready[name] = append(q.ready[name], e)
	} else {
		q.insertDelayed(name, e)
	}
	q.wake()
	return true, nil
}

// Dequeue implements queue.Queue. It blocks until a job from one of the
// queues becomes due, wait elapses (nil, nil), or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context, queues []string, wait time.Duration) (*queue.Job, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		q.promote()
		if job, ok := q.pop(queues); ok {
			q.mu.Unlock()
			return &job, nil
		}
		next := q.nextDue(queues)
		ch := q.notify
		q.mu.Unlock()

		now := time.Now()
		if !now.Before(deadline) {
			return nil, nil
		}
		sleep := deadline.Sub(now)
		if !next.IsZero() {
			if d := next.Sub(now); d < sleep {
				sleep = d
			}
		}
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// ListScheduled implements queue.Queue.
func (q *Queue) ListScheduled(ctx context.Context, name string) ([]queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	list := q.delayed[name]
	out := make([]queue.Job, len(list))
	for i, e := range list {
		out[i] = e.job
	}
	return out, nil
}

// Cancel implements queue.Queue.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, queue.ErrClosed
	}
	name, ok := q.ids[id]
	if !ok {
		return false, nil
	}
	delete(q.ids, id)
	q.ready[name] = drop(q.ready[name], id)
	q.delayed[name] = drop(q.delayed[name], id)
	return true, nil
}

// Close wakes all waiters and fails further operations with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

// Reset drops all jobs and reopens the queue. Test helper.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = false
	q.ready = make(map[string][]entry)
	q.delayed = make(map[string][]entry)
	q.ids = make(map[string]string)
	q.wake()
}

// wake broadcasts to every parked Dequeue. Callers hold mu.
func (q *Queue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// promote moves due delayed jobs to the ready lists. Callers hold mu.
func (q *Queue) promote() {
	now := time.Now()
	for name, list := range q.delayed {
		i := 0
		for i < len(list) && !list[i].job.RunAt.After(now) {
			i++
		}
		if i == 0 {
			continue
		}
		q.ready[name] = append(q.ready[name], list[:i]...)
		q.delayed[name] = append([]entry(nil), list[i:]...)
	}
}

// pop removes the oldest ready job across the named queues. Callers hold mu.
func (q *Queue) pop(queues []string) (queue.Job, bool) {
	bestQueue := ""
	var bestSeq uint64
	for _, name := range queues {
		list := q.ready[name]
		if len(list) == 0 {
			continue
		}
		if bestQueue == "" || list[0].seq < bestSeq {
			bestQueue = name
			bestSeq = list[0].seq
		}
	}
	if bestQueue == "" {
		return queue.Job{}, false
	}
	list := q.ready[bestQueue]
	e := list[0]
	q.ready[bestQueue] = list[1:]
	delete(q.ids, e.job.ID)
	e.job.Attempt++
	return e.job, true
}

// nextDue returns the earliest RunAt among the named queues' delayed jobs,
// zero when none. Callers hold mu.
func (q *Queue) nextDue(queues []string) time.Time {
	var next time.Time
	for _, name := range queues {
		list := q.delayed[name]
		if len(list) == 0 {
			continue
		}
		if next.IsZero() || list[0].job.RunAt.Before(next) {
			next = list[0].job.RunAt
		}
	}
	return next
}

func (q *Queue) insertDelayed(name string, e entry) {
	list := q.delayed[name]
	at := sort.Search(len(list), func(i int) bool {
		if list[i].job.RunAt.Equal(e.job.RunAt) {
			return list[i].seq > e.seq
		}
		return list[i].job.RunAt.After(e.job.RunAt)
	})
	list = append(list, entry{})
	copy(list[at+1:], list[at:])
	list[at] = e
	q.delayed[name] = list
}

func drop(list []entry, id string) []entry {
	for i, e := range list {
		if e.job.ID == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
