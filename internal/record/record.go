// Package record persists raw CVE documents keyed by their identifier.
package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyID is returned for a record without an identifier
var ErrEmptyID = errors.New("record identifier is empty")

// Record is one harvested document. Payload is stored verbatim.
type Record struct {
	ID      string
	Payload json.RawMessage
}

// Store defines the interface for record persistence
type Store interface {
	Put(ctx context.Context, rec Record) error
	PutBatch(ctx context.Context, recs []Record) error
	Count(ctx context.Context) (int64, error)
}

// SQLiteStore implements Store on the cves table. Writes upsert on cve_id,
// so re-fetching an uncommitted page never duplicates a record.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a record store over an open database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const upsertQuery = `
INSERT INTO cves (cve_id, json_blob)
VALUES (?, ?)
ON CONFLICT(cve_id) DO UPDATE SET
	json_blob = excluded.json_blob
`

// Put inserts or replaces a single record
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return ErrEmptyID
	}
	if _, err := s.db.ExecContext(ctx, upsertQuery, rec.ID, string(rec.Payload)); err != nil {
		return fmt.Errorf("failed to store %s: %w", rec.ID, err)
	}
	return nil
}

// PutBatch stores all records in one transaction; either all are written or none
func (s *SQLiteStore) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	stmt, err := tx.PrepareContext(ctx, upsertQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if rec.ID == "" {
			return ErrEmptyID
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, string(rec.Payload)); err != nil {
			return fmt.Errorf("failed to store %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}

// Count returns the number of stored records
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cves").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}
