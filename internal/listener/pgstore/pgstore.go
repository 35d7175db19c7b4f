// Package pgstore gives an operator a queryable history of committed
// coverage traces instead of (or alongside) flat `.tr` files, the way
// the teacher's gvisor.DatabaseStateManager backs one concern with
// Postgres while the rest of that system stays in memory.
package pgstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/ocx/tracer/internal/errs"
)

// Store persists one row per (trace_name, signature) commit, storing
// the serialized bitset and highest observed id.
type Store struct {
	db *sql.DB
}

func Open(dbURL string) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, errs.New(errs.Setup, "pgstore.Open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.New(errs.Setup, "pgstore.Open", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the coverage_traces table if it does not already
// exist, so a fresh deployment doesn't need a separate migration step.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS coverage_traces (
	trace_name  TEXT NOT NULL,
	signature   TEXT NOT NULL,
	highest_id  INTEGER NOT NULL,
	bits        BYTEA NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (trace_name, signature)
)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errs.New(errs.Setup, "pgstore.EnsureSchema", err)
	}
	return nil
}

// UpsertTrace records a committed method trace, OR-merging with
// whatever bitset is already stored for that (trace_name, signature).
func (s *Store) UpsertTrace(ctx context.Context, traceName, signature string, highestID uint32, bits []byte) error {
	const stmt = `
INSERT INTO coverage_traces (trace_name, signature, highest_id, bits)
VALUES ($1, $2, $3, $4)
ON CONFLICT (trace_name, signature) DO UPDATE SET
	highest_id = GREATEST(coverage_traces.highest_id, EXCLUDED.highest_id),
	bits = coverage_traces.bits | EXCLUDED.bits,
	committed_at = now()`
	if _, err := s.db.ExecContext(ctx, stmt, traceName, signature, highestID, bits); err != nil {
		return errs.New(errs.TraceFile, "pgstore.UpsertTrace", err)
	}
	return nil
}

// History returns every signature committed for traceName, most
// recently committed first.
func (s *Store) History(ctx context.Context, traceName string) ([]TraceRow, error) {
	const stmt = `SELECT signature, highest_id, bits, committed_at FROM coverage_traces WHERE trace_name = $1 ORDER BY committed_at DESC`
	rows, err := s.db.QueryContext(ctx, stmt, traceName)
	if err != nil {
		return nil, errs.New(errs.TraceFile, "pgstore.History", err)
	}
	defer rows.Close()

	var out []TraceRow
	for rows.Next() {
		var r TraceRow
		if err := rows.Scan(&r.Signature, &r.HighestID, &r.Bits, &r.CommittedAt); err != nil {
			return nil, errs.New(errs.TraceFile, "pgstore.History", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TraceRow is one committed method trace as read back from Postgres.
type TraceRow struct {
	Signature   string
	HighestID   uint32
	Bits        []byte
	CommittedAt time.Time
}
