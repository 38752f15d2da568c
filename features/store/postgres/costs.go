package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"pipelit.dev/pipelit/runtime/costs"
)

// EpicStore implements costs.Store on Postgres.
type EpicStore struct {
	db  *bun.DB
	now func() time.Time
}

var _ costs.Store = (*EpicStore)(nil)

// NewEpicStore builds the store.
func NewEpicStore(db *bun.DB) *EpicStore {
	return &EpicStore{db: db, now: time.Now}
}

// Create inserts a new epic, defaulting status to active. The caller's
// struct is left untouched.
func (s *EpicStore) Create(ctx context.Context, epic *costs.Epic) error {
	if epic.ID == "" {
		return errors.New("costs: epic ID required")
	}
	row := epicRowFrom(epic)
	if row.Status == "" {
		row.Status = string(costs.StatusActive)
	}
	now := s.now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("costs: epic %s already exists", epic.ID)
		}
		return err
	}
	return nil
}

// Load fetches an epic by id.
func (s *EpicStore) Load(ctx context.Context, id string) (*costs.Epic, error) {
	var row epicRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("costs: epic %s: %w", id, costs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toEpic(), nil
}

// AddSpend atomically increments the spend counters and returns the
// updated epic.
func (s *EpicStore) AddSpend(ctx context.Context, id string, tokens, microUSD int64) (*costs.Epic, error) {
	var row epicRow
	_, err := s.db.NewUpdate().Model((*epicRow)(nil)).
		Set("spent_tokens = spent_tokens + ?", tokens).
		Set("spent_micro_usd = spent_micro_usd + ?", microUSD).
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", id).
		Returning("*").
		Exec(ctx, &row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("costs: epic %s: %w", id, costs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toEpic(), nil
}

// SetStatus updates the lifecycle status of an epic.
func (s *EpicStore) SetStatus(ctx context.Context, id string, status costs.Status) error {
	res, err := s.db.NewUpdate().Model((*epicRow)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if err := requireAffected(res, costs.ErrNotFound); err != nil {
		if errors.Is(err, costs.ErrNotFound) {
			return fmt.Errorf("costs: epic %s: %w", id, costs.ErrNotFound)
		}
		return err
	}
	return nil
}
