package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"pipelit.dev/pipelit/runtime/execution"
)

// ExecutionStore implements execution.Store on Postgres. Status transitions
// take a row lock so the compare-and-set arbitrates racing workers.
type ExecutionStore struct {
	db  *bun.DB
	now func() time.Time
}

var _ execution.Store = (*ExecutionStore)(nil)

// NewExecutionStore builds the store.
func NewExecutionStore(db *bun.DB) *ExecutionStore {
	return &ExecutionStore{db: db, now: time.Now}
}

// Create inserts a new record, defaulting status to pending.
func (s *ExecutionStore) Create(ctx context.Context, rec execution.Record) error {
	if rec.Status == "" {
		rec.Status = execution.StatusPending
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	row := executionRowFrom(rec)
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("execution %q already exists", rec.ID)
		}
		return err
	}
	return nil
}

// Load fetches a record by id.
func (s *ExecutionStore) Load(ctx context.Context, id string) (execution.Record, error) {
	var row executionRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Record{}, execution.ErrNotFound
	}
	if err != nil {
		return execution.Record{}, err
	}
	return row.toRecord(), nil
}

// Transition applies a compare-and-set status change.
func (s *ExecutionStore) Transition(ctx context.Context, id string, tr execution.Transition) (execution.Record, error) {
	var out execution.Record
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var row executionRow
		err := tx.NewSelect().Model(&row).Where("id = ?", id).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return execution.ErrNotFound
		}
		if err != nil {
			return err
		}
		rec := row.toRecord()
		if rec.Status != tr.From {
			return fmt.Errorf("%w: %s is %s, expected %s", execution.ErrConflict, id, rec.Status, tr.From)
		}
		if !execution.Allowed(tr.From, tr.To) {
			return fmt.Errorf("%w: %s cannot move %s -> %s", execution.ErrConflict, id, tr.From, tr.To)
		}
		execution.ApplyTransition(&rec, tr, s.now().UTC())
		updated := executionRowFrom(rec)
		if _, err := tx.NewUpdate().Model(&updated).WherePK().Exec(ctx); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return execution.Record{}, err
	}
	return out, nil
}

// AddSpend accumulates usage counters.
func (s *ExecutionStore) AddSpend(ctx context.Context, id string, tokens, microUSD int64) error {
	res, err := s.db.NewUpdate().Model((*executionRow)(nil)).
		Set("spent_tokens = spent_tokens + ?", tokens).
		Set("spent_micro_usd = spent_micro_usd + ?", microUSD).
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, execution.ErrNotFound)
}

// Touch bumps the liveness timestamp.
func (s *ExecutionStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.NewUpdate().Model((*executionRow)(nil)).
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, execution.ErrNotFound)
}

// ListByStatus returns records in a status, optionally only those whose
// UpdatedAt is at or before the cutoff, ordered by id.
func (s *ExecutionStore) ListByStatus(ctx context.Context, status execution.Status, updatedBefore time.Time) ([]execution.Record, error) {
	var rows []executionRow
	q := s.db.NewSelect().Model(&rows).
		Where("status = ?", string(status)).
		Order("id ASC")
	if !updatedBefore.IsZero() {
		q = q.Where("updated_at <= ?", updatedBefore)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]execution.Record, len(rows))
	for i, row := range rows {
		out[i] = row.toRecord()
	}
	return out, nil
}

func requireAffected(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
