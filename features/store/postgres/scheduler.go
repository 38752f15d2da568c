package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"pipelit.dev/pipelit/runtime/scheduler"
)

// ScheduledJobStore implements scheduler.Store on Postgres.
type ScheduledJobStore struct {
	db  *bun.DB
	now func() time.Time
}

var _ scheduler.Store = (*ScheduledJobStore)(nil)

// NewScheduledJobStore builds the store.
func NewScheduledJobStore(db *bun.DB) *ScheduledJobStore {
	return &ScheduledJobStore{db: db, now: time.Now}
}

// Create inserts a new job, defaulting status to active.
func (s *ScheduledJobStore) Create(ctx context.Context, job scheduler.Job) error {
	if job.Status == "" {
		job.Status = scheduler.StatusActive
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	row := scheduledJobRowFrom(job)
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("scheduled job %q already exists", job.ID)
		}
		return err
	}
	return nil
}

// Load fetches a job by id.
func (s *ScheduledJobStore) Load(ctx context.Context, id string) (scheduler.Job, error) {
	var row scheduledJobRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.Job{}, scheduler.ErrNotFound
	}
	if err != nil {
		return scheduler.Job{}, err
	}
	return row.toJob(), nil
}

// Update replaces the stored row.
func (s *ScheduledJobStore) Update(ctx context.Context, job scheduler.Job) error {
	job.UpdatedAt = s.now().UTC()
	row := scheduledJobRowFrom(job)
	res, err := s.db.NewUpdate().Model(&row).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res, scheduler.ErrNotFound)
}

// ListByStatus returns jobs with the given status ordered by id.
func (s *ScheduledJobStore) ListByStatus(ctx context.Context, status scheduler.Status) ([]scheduler.Job, error) {
	var rows []scheduledJobRow
	err := s.db.NewSelect().Model(&rows).
		Where("status = ?", string(status)).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.Job, len(rows))
	for i, row := range rows {
		out[i] = row.toJob()
	}
	return out, nil
}
