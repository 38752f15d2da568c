// Package inmem provides the in-memory epic store used by tests and
// single-node deployments.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipelit.dev/pipelit/runtime/costs"
)

// Store implements costs.Store in memory.
type Store struct {
	mu    sync.Mutex
	epics map[string]*costs.Epic
	now   func() time.Time
}

var _ costs.Store = (*Store)(nil)

// NewStore returns an empty epic store.
func NewStore() *Store {
	return &Store{epics: make(map[string]*costs.Epic), now: time.Now}
}

// NewStoreWithClock returns a store with an injected clock. Test helper.
func NewStoreWithClock(now func() time.Time) *Store {
	s := NewStore()
	s.now = now
	return s
}

// Create implements costs.Store.
func (s *Store) Create(ctx context.Context, epic *costs.Epic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epic.ID == "" {
		return fmt.Errorf("costs: epic ID required")
	}
	if _, exists := s.epics[epic.ID]; exists {
		return fmt.Errorf("costs: epic %s already exists", epic.ID)
	}
	cp := clone(epic)
	if cp.Status == "" {
		cp.Status = costs.StatusActive
	}
	now := s.now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.epics[epic.ID] = cp
	return nil
}

// Load implements costs.Store.
func (s *Store) Load(ctx context.Context, id string) (*costs.Epic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epic, ok := s.epics[id]
	if !ok {
		return nil, fmt.Errorf("costs: epic %s: %w", id, costs.ErrNotFound)
	}
	return clone(epic), nil
}

// AddSpend implements costs.Store.
func (s *Store) AddSpend(ctx context.Context, id string, tokens, microUSD int64) (*costs.Epic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epic, ok := s.epics[id]
	if !ok {
		return nil, fmt.Errorf("costs: epic %s: %w", id, costs.ErrNotFound)
	}
	epic.SpentTokens += tokens
	epic.SpentMicroUSD += microUSD
	epic.UpdatedAt = s.now().UTC()
	return clone(epic), nil
}

// SetStatus implements costs.Store.
func (s *Store) SetStatus(ctx context.Context, id string, status costs.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	epic, ok := s.epics[id]
	if !ok {
		return fmt.Errorf("costs: epic %s: %w", id, costs.ErrNotFound)
	}
	epic.Status = status
	epic.UpdatedAt = s.now().UTC()
	return nil
}

// Reset drops all epics. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epics = make(map[string]*costs.Epic)
}

func clone(e *costs.Epic) *costs.Epic {
	cp := *e
	if e.BudgetTokens != nil {
		v := *e.BudgetTokens
		cp.BudgetTokens = &v
	}
	if e.BudgetMicroUSD != nil {
		v := *e.BudgetMicroUSD
		cp.BudgetMicroUSD = &v
	}
	return &cp
}
