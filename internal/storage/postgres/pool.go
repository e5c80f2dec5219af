// Package postgres provides Postgres-backed persistence for cycle runs and the
// fingerprint ledger.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool used by the stores; pgxmock satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

// NewPool opens a connection pool using cfg.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
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
	return pool, nil
}

// EnsureSchema creates the tables used by CycleStore and Ledger when absent.
func EnsureSchema(ctx context.Context, db DB, ledgerTable string) error {
	if ledgerTable == "" {
		ledgerTable = defaultLedgerTable
	}
	if !validTableName.MatchString(ledgerTable) {
		return fmt.Errorf("invalid table name %q", ledgerTable)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cycle_runs (
	id UUID PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	changed BIGINT NOT NULL DEFAULT 0,
	error_message TEXT
)`,
		`CREATE TABLE IF NOT EXISTS stage_stats (
	cycle_id UUID NOT NULL,
	stage TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	requests BIGINT NOT NULL DEFAULT 0,
	bytes_total BIGINT NOT NULL DEFAULT 0,
	status_2xx BIGINT NOT NULL DEFAULT 0,
	status_3xx BIGINT NOT NULL DEFAULT 0,
	status_4xx BIGINT NOT NULL DEFAULT 0,
	status_5xx BIGINT NOT NULL DEFAULT 0,
	failed BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (cycle_id, stage)
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	cycle_id UUID NOT NULL,
	identifier TEXT NOT NULL,
	observed_on DATE NOT NULL,
	digest TEXT NOT NULL,
	is_new BOOLEAN NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, ledgerTable),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
