// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
)

const defaultTable = "crawl_checkpoints"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CheckpointStoreConfig controls the Postgres connection pool used for checkpoint rows.
type CheckpointStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// CheckpointStore writes controller throughput checkpoints into Postgres.
//
// Expected schema:
//
//	CREATE TABLE crawl_checkpoints (
//		run_id      uuid        NOT NULL,
//		recorded_at timestamptz NOT NULL,
//		completed   bigint      NOT NULL,
//		crawled     integer     NOT NULL,
//		failed      integer     NOT NULL,
//		pending     integer     NOT NULL,
//		queued      integer     NOT NULL,
//		sessions    integer     NOT NULL,
//		elapsed_ms  bigint      NOT NULL,
//		final       boolean     NOT NULL,
//		PRIMARY KEY (run_id, recorded_at)
//	);
type CheckpointStore struct {
	pool  execCloser
	table string
}

// NewCheckpointStore creates a Postgres-backed CheckpointStore using the provided config.
func NewCheckpointStore(ctx context.Context, cfg CheckpointStoreConfig) (*CheckpointStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CheckpointStore{pool: pool, table: table}, nil
}

// NewCheckpointStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCheckpointStoreWithPool(pool execCloser, table string) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordCheckpoint inserts one checkpoint row.
func (s *CheckpointStore) RecordCheckpoint(ctx context.Context, cp crawler.Checkpoint) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store is not configured")
	}
	if cp.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	recorded_at,
	completed,
	crawled,
	failed,
	pending,
	queued,
	sessions,
	elapsed_ms,
	final
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		cp.RunID,
		cp.RecordedAt,
		cp.Completed,
		cp.Crawled,
		cp.Failed,
		cp.Pending,
		cp.Queued,
		cp.Sessions,
		cp.Elapsed.Milliseconds(),
		cp.Final,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}
