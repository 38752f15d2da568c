// Package redis provides the Redis-backed job queue. Ready jobs live in a
// LIST per queue, delayed jobs in a ZSET scored by due time, and each job id
// holds a SETNX dedupe key whose value is the encoded job. Dequeue claims a
// job with GETDEL so a racing cancel and a racing worker cannot both win.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pipelit.dev/pipelit/runtime/queue"
)

const (
	defaultKeyPrefix    = "pipelit:queue:"
	defaultPollInterval = 50 * time.Millisecond
	promoteBatch        = 128
)

// Options configures the Redis-backed queue.
type Options struct {
	// Client is the Redis client. Required.
	Client *goredis.Client
	// KeyPrefix namespaces all queue keys.
	KeyPrefix string
	// PollInterval bounds how long Dequeue sleeps between polls.
	PollInterval time.Duration
}

// Queue implements queue.Queue on Redis.
type Queue struct {
	rdb    *goredis.Client
	prefix string
	poll   time.Duration
	closed atomic.Bool
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue builds a Redis-backed queue.
func NewQueue(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Queue{rdb: opts.Client, prefix: prefix, poll: poll}, nil
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, name string, job queue.Job) (bool, error) {
	return q.add(ctx, name, job, time.Time{})
}

// EnqueueIn implements queue.Queue.
func (q *Queue) EnqueueIn(ctx context.Context, name string, delay time.Duration, job queue.Job) (bool, error) {
	due := time.Now().Add(delay)
	if delay <= 0 {
		due = time.Time{}
	}
	return q.add(ctx, name, job, due)
}

func (q *Queue) add(ctx context.Context, name string, job queue.Job, due time.Time) (bool, error) {
	if q.closed.Load() {
		return false, queue.ErrClosed
	}
	if job.ID == "" {
		job.ID = queue.NewID()
	}
	job.Queue = name
	job.RunAt = due
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	set, err := q.rdb.SetNX(ctx, q.idKey(job.ID), payload, 0).Result()
	if err != nil {
		return false, err
	}
	if !set {
		return false, nil
	}
	if due.IsZero() {
		err = q.rdb.RPush(ctx, q.readyKey(name), job.ID).Err()
	} else {
		err = q.rdb.ZAdd(ctx, q.delayedKey(name), goredis.Z{
			Score:  float64(due.UnixMilli()),
			Member: job.ID,
		}).Err()
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Dequeue implements queue.Queue. It polls the ready lists, promoting due
// delayed jobs first, until a job arrives, wait elapses (nil, nil), or ctx is
// cancelled.
func (q *Queue) Dequeue(ctx context.Context, queues []string, wait time.Duration) (*queue.Job, error) {
	deadline := time.Now().Add(wait)
	for {
		if q.closed.Load() {
			return nil, queue.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promote(ctx, queues); err != nil {
			return nil, err
		}
		for _, name := range queues {
			job, ok, err := q.popReady(ctx, name)
			if err != nil {
				return nil, err
			}
			if ok {
				return &job, nil
			}
		}
		now := time.Now()
		if !now.Before(deadline) {
			return nil, nil
		}
		sleep := q.poll
		if remaining := deadline.Sub(now); remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
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
	if q.closed.Load() {
		return nil, queue.ErrClosed
	}
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(name), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.idKey(id)
	}
	raws, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]queue.Job, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			// The id was released by a racing cancel.
			continue
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("decode scheduled job: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

// Cancel implements queue.Queue. The DEL on the id key decides the race with
// a concurrent dequeue; only one of them observes the key.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	if q.closed.Load() {
		return false, queue.ErrClosed
	}
	if id == "" {
		return false, nil
	}
	raw, err := q.rdb.Get(ctx, q.idKey(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return false, fmt.Errorf("decode job %s: %w", id, err)
	}
	won, err := q.rdb.Del(ctx, q.idKey(id)).Result()
	if err != nil {
		return false, err
	}
	if won == 0 {
		return false, nil
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, q.readyKey(job.Queue), 1, id)
		pipe.ZRem(ctx, q.delayedKey(job.Queue), id)
		return nil
	})
	return true, err
}

// Close fails further operations with queue.ErrClosed. The Redis client stays
// open; its owner closes it.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// popReady pops ids off one ready list until a live job is claimed or the
// list drains. Ids whose dedupe key vanished were cancelled mid-flight.
func (q *Queue) popReady(ctx context.Context, name string) (queue.Job, bool, error) {
	for {
		id, err := q.rdb.LPop(ctx, q.readyKey(name)).Result()
		if errors.Is(err, goredis.Nil) {
			return queue.Job{}, false, nil
		}
		if err != nil {
			return queue.Job{}, false, err
		}
		raw, err := q.rdb.GetDel(ctx, q.idKey(id)).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return queue.Job{}, false, err
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return queue.Job{}, false, fmt.Errorf("decode job %s: %w", id, err)
		}
		job.Attempt++
		return job, true, nil
	}
}

// promote moves due delayed jobs to their ready lists. ZREM arbitrates
// between concurrent promoters; only the remover pushes.
func (q *Queue) promote(ctx context.Context, queues []string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, name := range queues {
		ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(name), &goredis.ZRangeBy{
			Min:    "-inf",
			Max:    now,
			Offset: 0,
			Count:  promoteBatch,
		}).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			n, err := q.rdb.ZRem(ctx, q.delayedKey(name), id).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if err := q.rdb.RPush(ctx, q.readyKey(name), id).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Queue) readyKey(name string) string   { return q.prefix + "ready:" + name }
func (q *Queue) delayedKey(name string) string { return q.prefix + "delayed:" + name }
func (q *Queue) idKey(id string) string        { return q.prefix + "id:" + id }
