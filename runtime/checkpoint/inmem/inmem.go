// Package inmem provides in-memory checkpoint stores: a durable map-backed
// store and a TTL variant standing in for the ephemeral backend in tests and
// single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"pipelit.dev/pipelit/runtime/checkpoint"
)

// Store keeps checkpoints in memory. A zero TTL keeps them forever; a
// positive TTL drops threads whose newest checkpoint is older than the TTL,
// matching the ephemeral backend's contract.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	threads map[string][]checkpoint.Checkpoint
}

// NewStore returns a durable in-memory store.
func NewStore() *Store {
	return &Store{now: time.Now, threads: make(map[string][]checkpoint.Checkpoint)}
}

// NewEphemeral returns a TTL-bound store.
func NewEphemeral(ttl time.Duration) *Store {
	return &Store{ttl: ttl, now: time.Now, threads: make(map[string][]checkpoint.Checkpoint)}
}

// NewEphemeralWithClock returns a TTL-bound store on a fake clock for tests.
func NewEphemeralWithClock(ttl time.Duration, now func() time.Time) *Store {
	return &Store{ttl: ttl, now: now, threads: make(map[string][]checkpoint.Checkpoint)}
}

// Save persists one checkpoint.
func (s *Store) Save(_ context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	cp.Blob = append([]byte(nil), cp.Blob...)
	s.threads[cp.ThreadID] = append(s.threads[cp.ThreadID], cp)
	return nil
}

// Latest returns the newest live checkpoint of a thread.
func (s *Store) Latest(_ context.Context, threadID string) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.live(threadID)
	if len(cps) == 0 {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cloneCheckpoint(cps[len(cps)-1]), nil
}

// List returns a thread's live checkpoints in step order.
func (s *Store) List(_ context.Context, threadID string) ([]checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.live(threadID)
	out := make([]checkpoint.Checkpoint, len(cps))
	for i, cp := range cps {
		out[i] = cloneCheckpoint(cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// Delete removes a thread's checkpoints.
func (s *Store) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Reset clears all state. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string][]checkpoint.Checkpoint)
}

// live returns a thread's checkpoints, expiring the whole thread when its
// newest entry is past the TTL. Must hold s.mu.
func (s *Store) live(threadID string) []checkpoint.Checkpoint {
	cps := s.threads[threadID]
	if s.ttl <= 0 || len(cps) == 0 {
		return cps
	}
	newest := cps[len(cps)-1].CreatedAt
	if s.now().UTC().Sub(newest) > s.ttl {
		delete(s.threads, threadID)
		return nil
	}
	return cps
}

func cloneCheckpoint(cp checkpoint.Checkpoint) checkpoint.Checkpoint {
	cp.Blob = append([]byte(nil), cp.Blob...)
	return cp
}
