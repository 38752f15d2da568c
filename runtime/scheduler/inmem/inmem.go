// Package inmem provides an in-memory scheduled job store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pipelit.dev/pipelit/runtime/scheduler"
)

// Store keeps scheduled jobs in memory. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	jobs map[string]scheduler.Job
	now  func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]scheduler.Job), now: time.Now}
}

// NewStoreWithClock returns a store with a fake clock for tests.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{jobs: make(map[string]scheduler.Job), now: now}
}

// Create inserts a new job, defaulting status to active.
func (s *Store) Create(_ context.Context, job scheduler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("scheduled job %q already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = scheduler.StatusActive
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Load fetches a job by id.
func (s *Store) Load(_ context.Context, id string) (scheduler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scheduler.Job{}, scheduler.ErrNotFound
	}
	return cloneJob(job), nil
}

// Update replaces the stored row.
func (s *Store) Update(_ context.Context, job scheduler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return scheduler.ErrNotFound
	}
	job.UpdatedAt = s.now().UTC()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// ListByStatus returns jobs with the given status ordered by id.
func (s *Store) ListByStatus(_ context.Context, status scheduler.Status) ([]scheduler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduler.Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneJob(job scheduler.Job) scheduler.Job {
	if job.Payload != nil {
		out := make(map[string]any, len(job.Payload))
		for k, v := range job.Payload {
			out[k] = v
		}
		job.Payload = out
	}
	return job
}
