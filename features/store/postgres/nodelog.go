package postgres

import (
	"context"

	"github.com/uptrace/bun"

	"pipelit.dev/pipelit/runtime/nodelog"
)

// NodeLogStore implements nodelog.Store on Postgres. The serial primary key
// preserves append order.
type NodeLogStore struct {
	db *bun.DB
}

var _ nodelog.Store = (*NodeLogStore)(nil)

// NewNodeLogStore builds the store.
func NewNodeLogStore(db *bun.DB) *NodeLogStore {
	return &NodeLogStore{db: db}
}

// Append records one entry.
func (s *NodeLogStore) Append(ctx context.Context, e nodelog.Entry) error {
	row := nodeLogRowFrom(e)
	_, err := s.db.NewInsert().Model(&row).Exec(ctx)
	return err
}

// List returns an execution's entries in append order.
func (s *NodeLogStore) List(ctx context.Context, executionID string) ([]nodelog.Entry, error) {
	var rows []nodeLogRow
	err := s.db.NewSelect().Model(&rows).
		Where("execution_id = ?", executionID).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]nodelog.Entry, len(rows))
	for i, row := range rows {
		out[i] = row.toEntry()
	}
	return out, nil
}
