// Package postgres provides Postgres-backed persistence for executions, node
// logs, scheduled jobs and epics over one bun.DB. Open builds the database
// handle; NewStores bundles the four store implementations; CreateTables
// bootstraps the schema for single-binary deployments.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

const storeName = "store-postgres"

// Open builds a bun.DB over the pgdriver connector. The connection is dialed
// lazily on first use.
func Open(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// Stores bundles the Postgres-backed stores sharing one database handle.
type Stores struct {
	Executions *ExecutionStore
	NodeLogs   *NodeLogStore
	Scheduled  *ScheduledJobStore
	Epics      *EpicStore

	db *bun.DB
}

// NewStores builds the store bundle.
func NewStores(db *bun.DB) *Stores {
	return &Stores{
		Executions: NewExecutionStore(db),
		NodeLogs:   NewNodeLogStore(db),
		Scheduled:  NewScheduledJobStore(db),
		Epics:      NewEpicStore(db),
		db:         db,
	}
}

// Name identifies the bundle in health reports.
func (s *Stores) Name() string { return storeName }

// Ping reports connectivity to the backing database.
func (s *Stores) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.PingContext(ctx)
}

// CreateTables creates the schema when it does not exist yet. Deployments
// with managed migrations skip it.
func CreateTables(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*executionRow)(nil),
		(*nodeLogRow)(nil),
		(*scheduledJobRow)(nil),
		(*epicRow)(nil),
	}
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	indexes := []*bun.CreateIndexQuery{
		db.NewCreateIndex().Model((*executionRow)(nil)).
			Index("executions_status_updated_idx").
			Column("status", "updated_at"),
		db.NewCreateIndex().Model((*nodeLogRow)(nil)).
			Index("node_logs_execution_idx").
			Column("execution_id"),
		db.NewCreateIndex().Model((*scheduledJobRow)(nil)).
			Index("scheduled_jobs_status_idx").
			Column("status"),
	}
	for _, idx := range indexes {
		if _, err := idx.IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// isDuplicate reports whether err is a Postgres integrity violation, which
// for our primary-key inserts means the row already exists.
func isDuplicate(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.IntegrityViolation()
}
