package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/coverwatch/internal/catalog"
)

const defaultLedgerTable = "fingerprint_observations"

var ledgerColumns = []string{"cycle_id", "identifier", "observed_on", "digest", "is_new"}

// Ledger mirrors appended fingerprint records into Postgres.
type Ledger struct {
	db    DB
	table string
}

// NewLedger constructs a Ledger over an open pool. An empty table uses the default name.
func NewLedger(db DB, table string) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultLedgerTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{db: db, table: table}, nil
}

// Append bulk-inserts the observations with COPY.
func (l *Ledger) Append(ctx context.Context, observations []catalog.Observation) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if len(observations) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(observations))
	for _, obs := range observations {
		if obs.CycleID == "" {
			return fmt.Errorf("observation for %s: cycle id is required", obs.ID)
		}
		day, err := time.Parse(catalog.DateLayout, obs.Record.Date)
		if err != nil {
			return fmt.Errorf("observation for %s: parse date: %w", obs.ID, err)
		}
		rows = append(rows, []any{obs.CycleID, string(obs.ID), day, obs.Record.Hash, obs.New})
	}
	n, err := l.db.CopyFrom(ctx, pgx.Identifier{l.table}, ledgerColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy observations: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy observations: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

// Close releases the pool, including for any CycleStore sharing it.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	l.db.Close()
	return nil
}
