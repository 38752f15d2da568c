// Package inmem provides an in-memory node log for tests and single-process
// deployments.
package inmem

import (
	"context"
	"sync"

	"pipelit.dev/pipelit/runtime/nodelog"
)

// Store keeps entries in memory, per execution, in append order. Safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string][]nodelog.Entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string][]nodelog.Entry)}
}

// Append records one entry.
func (s *Store) Append(_ context.Context, e nodelog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ExecutionID] = append(s.entries[e.ExecutionID], cloneEntry(e))
	return nil
}

// List returns an execution's entries in append order.
func (s *Store) List(_ context.Context, executionID string) ([]nodelog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.entries[executionID]
	out := make([]nodelog.Entry, len(src))
	for i, e := range src {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// Reset clears all state. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]nodelog.Entry)
}

func cloneEntry(e nodelog.Entry) nodelog.Entry {
	if e.Output != nil {
		out := make(map[string]any, len(e.Output))
		for k, v := range e.Output {
			out[k] = v
		}
		e.Output = out
	}
	if e.Usage != nil {
		u := *e.Usage
		e.Usage = &u
	}
	return e
}
