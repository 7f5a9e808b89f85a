package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore implements Store on the cve_meta table
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a checkpoint store over an open database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Status reports whether the source has not started, is in progress or is complete
func (s *SQLiteStore) Status(ctx context.Context, source string) (Status, error) {
	cp, err := s.Get(ctx, source)
	if err != nil {
		return Status{}, err
	}
	switch {
	case cp == nil:
		return Status{State: NotStarted}, nil
	case cp.InitFinished:
		return Status{State: Complete, Offset: cp.Offset}, nil
	default:
		return Status{State: InProgress, Offset: cp.Offset}, nil
	}
}

// Get returns the checkpoint row for source, or nil if there is none
func (s *SQLiteStore) Get(ctx context.Context, source string) (*Checkpoint, error) {
	query := `
	SELECT source, offset, last_modified, init_finished
	FROM cve_meta WHERE source = ?
	`

	var cp Checkpoint
	var lastModified string
	var finished int

	err := s.retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, source).Scan(&cp.Source, &cp.Offset, &lastModified, &finished)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	cp.InitFinished = finished == 1
	if t, err := time.ParseInLocation(TimeLayout, lastModified, time.Local); err == nil {
		cp.LastModified = t
	}

	return &cp, nil
}

// Initialize creates the checkpoint at offset 0. Existing progress is left untouched.
func (s *SQLiteStore) Initialize(ctx context.Context, source string) error {
	query := `
	INSERT INTO cve_meta (source, offset, last_modified, init_finished)
	VALUES (?, 0, ?, 0)
	ON CONFLICT(source) DO NOTHING
	`

	err := s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, source, FormatTime(s.now()))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to initialize checkpoint: %w", err)
	}
	return nil
}

// Advance moves the offset forward and stamps last_modified. The write is
// committed before Advance returns.
func (s *SQLiteStore) Advance(ctx context.Context, source string, offset int64, ts time.Time) error {
	return s.retryOnBusy(ctx, func() error {
		return s.advanceWithTransaction(ctx, source, offset, ts)
	})
}

func (s *SQLiteStore) advanceWithTransaction(ctx context.Context, source string, offset int64, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	var current int64
	err = tx.QueryRowContext(ctx, "SELECT offset FROM cve_meta WHERE source = ?", source).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("advance %s: %w", source, ErrNotInitialized)
	}
	if err != nil {
		return fmt.Errorf("failed to read offset: %w", err)
	}
	if offset <= current {
		return fmt.Errorf("advance %s from %d to %d: %w", source, current, offset, ErrOffsetNotIncreasing)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE cve_meta SET offset = ?, last_modified = ? WHERE source = ?",
		offset, FormatTime(ts), source,
	)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}

	return tx.Commit()
}

// MarkComplete flags the initial backfill as finished. Calling it again is a no-op.
func (s *SQLiteStore) MarkComplete(ctx context.Context, source string) error {
	var affected int64
	err := s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE cve_meta SET init_finished = 1, last_modified = ? WHERE source = ?",
			FormatTime(s.now()), source,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint complete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("mark complete %s: %w", source, ErrNotInitialized)
	}
	return nil
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	const maxRetries = 5
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if !isSQLiteBusyError(err) || attempt == maxRetries-1 {
			return err
		}

		select {
		case <-time.After(baseDelay * time.Duration(1<<uint(attempt))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}
