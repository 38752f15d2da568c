// Package inmem provides an in-memory execution store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pipelit.dev/pipelit/runtime/execution"
)

// Store keeps execution records in memory. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	recs map[string]execution.Record
	now  func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{recs: make(map[string]execution.Record), now: time.Now}
}

// NewStoreWithClock returns a store with a fake clock for tests.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{recs: make(map[string]execution.Record), now: now}
}

// Create inserts a new record, defaulting status to pending.
func (s *Store) Create(_ context.Context, rec execution.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return fmt.Errorf("execution %q already exists", rec.ID)
	}
	if rec.Status == "" {
		rec.Status = execution.StatusPending
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.recs[rec.ID] = cloneRecord(rec)
	return nil
}

// Load fetches a record by id.
func (s *Store) Load(_ context.Context, id string) (execution.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return execution.Record{}, execution.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Transition applies a compare-and-set status change.
func (s *Store) Transition(_ context.Context, id string, tr execution.Transition) (execution.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return execution.Record{}, execution.ErrNotFound
	}
	if rec.Status != tr.From {
		return execution.Record{}, fmt.Errorf("%w: %s is %s, expected %s", execution.ErrConflict, id, rec.Status, tr.From)
	}
	if !execution.Allowed(tr.From, tr.To) {
		return execution.Record{}, fmt.Errorf("%w: %s cannot move %s -> %s", execution.ErrConflict, id, tr.From, tr.To)
	}
	execution.ApplyTransition(&rec, tr, s.now().UTC())
	s.recs[id] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

// AddSpend accumulates usage counters.
func (s *Store) AddSpend(_ context.Context, id string, tokens, microUSD int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return execution.ErrNotFound
	}
	rec.SpentTokens += tokens
	rec.SpentMicroUSD += microUSD
	rec.UpdatedAt = s.now().UTC()
	s.recs[id] = rec
	return nil
}

// Touch bumps the liveness timestamp.
func (s *Store) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return execution.ErrNotFound
	}
	rec.UpdatedAt = s.now().UTC()
	s.recs[id] = rec
	return nil
}

// ListByStatus returns records in a status, optionally only those whose
// UpdatedAt is at or before the cutoff, ordered by id.
func (s *Store) ListByStatus(_ context.Context, status execution.Status, updatedBefore time.Time) ([]execution.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execution.Record
	for _, rec := range s.recs {
		if rec.Status != status {
			continue
		}
		if !updatedBefore.IsZero() && rec.UpdatedAt.After(updatedBefore) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Reset clears all state. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = make(map[string]execution.Record)
}

func cloneRecord(rec execution.Record) execution.Record {
	rec.TriggerPayload = cloneMap(rec.TriggerPayload)
	rec.UserContext = cloneMap(rec.UserContext)
	rec.FinalOutput = cloneMap(rec.FinalOutput)
	return rec
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
