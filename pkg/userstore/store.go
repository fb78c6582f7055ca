// Package userstore persists users and their derived classification state.
//
// All SQL is MySQL-flavored; upserts rely on ON DUPLICATE KEY UPDATE.
// Pipelines access the store through the worker connection pool so that
// request handlers on the primary pool cannot be starved by worker bursts.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Import statuses of a user's external purchase history.
const (
	ImportPending    = "pending"
	ImportInProgress = "in_progress"
	ImportCompleted  = "completed"
	ImportFailed     = "failed"
)

// Store is the relational user store.
type Store struct {
	DB *sqlx.DB
}

// User is one row of the users table.
type User struct {
	ID                   int64          `db:"id"`
	ExternalID           sql.NullString `db:"external_id"`
	Email                string         `db:"email"`
	FirstName            sql.NullString `db:"first_name"`
	LastName             sql.NullString `db:"last_name"`
	DisplayName          sql.NullString `db:"display_name"`
	Role                 string         `db:"role"`
	Active               bool           `db:"active"`
	ImportStatus         string         `db:"import_status"`
	FullHistoryImported  bool           `db:"full_history_imported"`
	CatalogCreatedAt     sql.NullTime   `db:"catalog_created_at"`
	LastOrderSyncedAt    sql.NullTime   `db:"last_order_synced_at"`
	HistoryImportedAt    sql.NullTime   `db:"history_imported_at"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// CatalogCustomer is the slice of an external catalog record the store
// needs for an upsert.
type CatalogCustomer struct {
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
	CreatedAt  time.Time
}

// CreateTables creates the user tables. Used by tests and dev bootstrap;
// production schema is managed by migrations.
func (s *Store) CreateTables(ctx context.Context) error {
	// language=MariaDB
	const stmts = `CREATE TABLE IF NOT EXISTS users (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	external_id VARCHAR(64),
	email VARCHAR(255) NOT NULL,
	first_name VARCHAR(128),
	last_name VARCHAR(128),
	display_name VARCHAR(255),
	role VARCHAR(32) NOT NULL DEFAULT 'member',
	active TINYINT(1) NOT NULL DEFAULT 1,
	import_status VARCHAR(16) NOT NULL DEFAULT 'pending',
	full_history_imported TINYINT(1) NOT NULL DEFAULT 0,
	catalog_created_at DATETIME,
	last_order_synced_at DATETIME,
	history_imported_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	UNIQUE KEY uq_users_external_id (external_id),
	UNIQUE KEY uq_users_email (email)
);`
	if _, err := s.DB.ExecContext(ctx, stmts); err != nil {
		return err
	}
	// language=MariaDB
	const classifications = `CREATE TABLE IF NOT EXISTS user_classifications (
	user_id BIGINT NOT NULL PRIMARY KEY,
	journey_stage VARCHAR(32) NOT NULL,
	engagement_level VARCHAR(32) NOT NULL,
	exploration_breadth VARCHAR(32) NOT NULL,
	flavor_profile_community VARCHAR(64) NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);`
	if _, err := s.DB.ExecContext(ctx, classifications); err != nil {
		return err
	}
	// language=MariaDB
	const guidance = `CREATE TABLE IF NOT EXISTS user_guidance_cache (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	user_id BIGINT NOT NULL,
	page_context VARCHAR(32) NOT NULL,
	guidance_data JSON NOT NULL,
	calculated_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	UNIQUE KEY uq_guidance_user_context (user_id, page_context)
);`
	if _, err := s.DB.ExecContext(ctx, guidance); err != nil {
		return err
	}
	// language=MariaDB
	const orders = `CREATE TABLE IF NOT EXISTS orders (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	user_id BIGINT NOT NULL,
	external_id VARCHAR(64) NOT NULL,
	total_cents BIGINT NOT NULL DEFAULT 0,
	distinct_products INT NOT NULL DEFAULT 0,
	placed_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE KEY uq_orders_external_id (external_id),
	KEY idx_orders_user (user_id, placed_at)
);`
	_, err := s.DB.ExecContext(ctx, orders)
	return err
}

// UpsertCustomer matches a catalog record to a user, first by external ID,
// then by email (linking the external ID on an email match), inserting a
// new user when neither matches. Returns the user ID and whether it was
// created.
func (s *Store) UpsertCustomer(ctx context.Context, c CatalogCustomer) (int64, bool, error) {
	var id int64
	err := s.DB.GetContext(ctx, &id,
		`SELECT id FROM users WHERE external_id = ?;`, c.ExternalID)
	if err == nil {
		return id, false, s.refreshCustomer(ctx, id, c)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to match by external_id: %w", err)
	}
	// Fall back to email match, linking the external ID.
	err = s.DB.GetContext(ctx, &id,
		`SELECT id FROM users WHERE email = ?;`, c.Email)
	if err == nil {
		_, err = s.DB.ExecContext(ctx,
			`UPDATE users SET external_id = ?, catalog_created_at = ? WHERE id = ?;`,
			c.ExternalID, nullTime(c.CreatedAt), id)
		if err != nil {
			return 0, false, fmt.Errorf("failed to link external_id: %w", err)
		}
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to match by email: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO users (external_id, email, first_name, last_name, display_name, catalog_created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE external_id = VALUES(external_id);`,
		c.ExternalID, c.Email, nullStr(c.FirstName), nullStr(c.LastName),
		nullStr(displayName(c)), nullTime(c.CreatedAt))
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert user: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// refreshCustomer updates mutable catalog fields on a known user.
func (s *Store) refreshCustomer(ctx context.Context, id int64, c CatalogCustomer) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE users SET email = ?, first_name = ?, last_name = ? WHERE id = ?;`,
		c.Email, nullStr(c.FirstName), nullStr(c.LastName), id)
	return err
}

// GetUser reads one user, or nil when unknown.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.DB.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?;`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &u, nil
}

// NeedsImport reports whether a user still has history to import.
func (s *Store) NeedsImport(ctx context.Context, id int64) (bool, error) {
	var full bool
	err := s.DB.GetContext(ctx, &full,
		`SELECT full_history_imported FROM users WHERE id = ?;`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return !full, nil
}

// SetImportStatus transitions the user's import status.
func (s *Store) SetImportStatus(ctx context.Context, id int64, status string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE users SET import_status = ? WHERE id = ?;`, status, id)
	return err
}

// MarkHistoryImported records a fully imported purchase history. Keeping
// full_history_imported in lock-step with import_status is what lets the
// bulk import skip users on later runs.
func (s *Store) MarkHistoryImported(ctx context.Context, id int64, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE users SET import_status = ?, full_history_imported = 1,
	history_imported_at = ?, last_order_synced_at = ?
WHERE id = ?;`,
		ImportCompleted, at, at, id)
	return err
}

// GapCounts breaks the user base down by import status.
type GapCounts struct {
	Pending    int64
	InProgress int64
	Completed  int64
	Failed     int64
}

// ImportGap counts how many users sit in each import status, i.e. how far
// the local store lags the catalog.
func (s *Store) ImportGap(ctx context.Context) (GapCounts, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT import_status, COUNT(*) FROM users GROUP BY import_status;`)
	if err != nil {
		return GapCounts{}, err
	}
	defer rows.Close()
	var gap GapCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return GapCounts{}, err
		}
		switch status {
		case ImportPending:
			gap.Pending = n
		case ImportInProgress:
			gap.InProgress = n
		case ImportCompleted:
			gap.Completed = n
		case ImportFailed:
			gap.Failed = n
		}
	}
	return gap, rows.Err()
}

// ActiveUserIDs enumerates the active user set, used by backfills.
func (s *Store) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.DB.SelectContext(ctx, &ids,
		`SELECT id FROM users WHERE active = 1 ORDER BY id;`)
	return ids, err
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func displayName(c CatalogCustomer) string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return ""
	}
}
