// Package ledger persists enqueue failures to the relational store.
//
// When the broker is unreachable at admission time, bulk import would
// otherwise lose work silently. Each terminal enqueue failure is upserted
// here keyed by user; a drain loop replays unresolved rows once the broker
// is back. Repeated failures for the same user update the error message and
// retry bookkeeping instead of growing the table.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// Row is one failed-enqueue record.
type Row struct {
	UserID       int64          `db:"user_id"`
	ExternalID   sql.NullString `db:"external_id"`
	Email        sql.NullString `db:"email"`
	ErrorMessage string         `db:"error_message"`
	RetryCount   int            `db:"retry_count"`
	CreatedAt    time.Time      `db:"created_at"`
	LastRetryAt  sql.NullTime   `db:"last_retry_at"`
	ResolvedAt   sql.NullTime   `db:"resolved_at"`
}

// Store is the failed-enqueue ledger.
type Store struct {
	DB *sqlx.DB
}

// CreateTable creates the ledger table. Used by tests and dev bootstrap.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const stmt = `CREATE TABLE IF NOT EXISTS failed_enqueue_jobs (
	user_id BIGINT NOT NULL PRIMARY KEY,
	external_id VARCHAR(64),
	email VARCHAR(255),
	error_message TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_retry_at DATETIME,
	resolved_at DATETIME
);`
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Record upserts a failure. A repeated failure for the same user refreshes
// the error message and retry time and reopens a resolved row.
func (s *Store) Record(ctx context.Context, userID int64, externalID, email, errorMessage string) error {
	// language=MariaDB
	const stmt = `
INSERT INTO failed_enqueue_jobs (user_id, external_id, email, error_message, last_retry_at)
VALUES (?, ?, ?, ?, NOW())
ON DUPLICATE KEY UPDATE
	error_message = VALUES(error_message),
	last_retry_at = NOW(),
	resolved_at = NULL;`
	_, err := s.DB.ExecContext(ctx, stmt, userID,
		sql.NullString{String: externalID, Valid: externalID != ""},
		sql.NullString{String: email, Valid: email != ""},
		errorMessage)
	return err
}

// Unresolved lists rows awaiting replay, oldest first.
func (s *Store) Unresolved(ctx context.Context, limit int) ([]Row, error) {
	var rows []Row
	// language=MariaDB
	const stmt = `
SELECT * FROM failed_enqueue_jobs
WHERE resolved_at IS NULL
ORDER BY created_at
LIMIT ?;`
	err := s.DB.SelectContext(ctx, &rows, stmt, limit)
	return rows, err
}

// MarkResolved closes a row after a successful (or duplicate) enqueue.
func (s *Store) MarkResolved(ctx context.Context, userID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE failed_enqueue_jobs SET resolved_at = NOW() WHERE user_id = ?;`, userID)
	return err
}

// BumpRetry records another failed replay attempt.
func (s *Store) BumpRetry(ctx context.Context, userID int64, errorMessage string) error {
	// language=MariaDB
	const stmt = `
UPDATE failed_enqueue_jobs
SET retry_count = retry_count + 1, error_message = ?, last_retry_at = NOW()
WHERE user_id = ?;`
	_, err := s.DB.ExecContext(ctx, stmt, errorMessage, userID)
	return err
}

// UnresolvedCount returns the number of rows awaiting replay.
func (s *Store) UnresolvedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM failed_enqueue_jobs WHERE resolved_at IS NULL;`)
	return n, err
}
