// Package redis provides the ephemeral checkpoint backend. Each thread lives
// in one hash keyed by thread id, and every save refreshes the TTL so a
// thread expires only after its newest checkpoint passes the interrupt
// horizon.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pipelit.dev/pipelit/runtime/checkpoint"
)

const (
	// DefaultTTL keeps an interrupted execution resumable for a day.
	DefaultTTL = 24 * time.Hour

	defaultKeyPrefix = "pipelit:checkpoint:"
	storeName        = "checkpoint-redis"
)

// Options configures the Redis-backed store.
type Options struct {
	// Client is the Redis client. Required.
	Client *goredis.Client
	// TTL bounds how long a thread outlives its newest checkpoint. Defaults
	// to DefaultTTL.
	TTL time.Duration
	// KeyPrefix namespaces the thread keys.
	KeyPrefix string
}

// Store implements checkpoint.Store with per-thread expiry.
type Store struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

var _ checkpoint.Store = (*Store)(nil)

// NewStore builds a Redis-backed checkpoint store.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{rdb: opts.Client, ttl: ttl, prefix: prefix}, nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string { return storeName }

// Ping reports connectivity to the backing Redis.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.rdb.Ping(ctx).Err()
}

// Save persists one checkpoint and refreshes the thread's TTL. Saving the
// same checkpoint id twice replaces the entry, so retried saves never
// duplicate a step.
func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.ThreadID == "" {
		return errors.New("thread id is required")
	}
	if cp.ID == "" {
		return errors.New("checkpoint id is required")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(fromCheckpoint(cp))
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := s.key(cp.ThreadID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, cp.ID, payload)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// Latest returns the newest checkpoint of a thread.
func (s *Store) Latest(ctx context.Context, threadID string) (checkpoint.Checkpoint, error) {
	cps, err := s.List(ctx, threadID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if len(cps) == 0 {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cps[len(cps)-1], nil
}

// List returns a thread's checkpoints in step order.
func (s *Store) List(ctx context.Context, threadID string) ([]checkpoint.Checkpoint, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	fields, err := s.rdb.HGetAll(ctx, s.key(threadID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	out := make([]checkpoint.Checkpoint, 0, len(fields))
	for _, raw := range fields {
		var doc checkpointDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, doc.toCheckpoint())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// Delete removes a thread's checkpoints.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	return s.rdb.Del(ctx, s.key(threadID)).Err()
}

func (s *Store) key(threadID string) string {
	return s.prefix + threadID
}

type checkpointDoc struct {
	ThreadID     string    `json:"thread_id"`
	CheckpointID string    `json:"checkpoint_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	Step         int       `json:"step"`
	Source       string    `json:"source,omitempty"`
	Blob         []byte    `json:"blob"`
	CreatedAt    time.Time `json:"created_at"`
}

func fromCheckpoint(cp checkpoint.Checkpoint) checkpointDoc {
	return checkpointDoc{
		ThreadID:     cp.ThreadID,
		CheckpointID: cp.ID,
		ParentID:     cp.ParentID,
		Step:         cp.Step,
		Source:       cp.Source,
		Blob:         cp.Blob,
		CreatedAt:    cp.CreatedAt.UTC(),
	}
}

func (doc checkpointDoc) toCheckpoint() checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		ThreadID:  doc.ThreadID,
		ID:        doc.CheckpointID,
		ParentID:  doc.ParentID,
		Step:      doc.Step,
		Source:    doc.Source,
		Blob:      doc.Blob,
		CreatedAt: doc.CreatedAt.UTC(),
	}
}
