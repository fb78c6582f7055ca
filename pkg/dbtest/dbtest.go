// Package dbtest opens short-lived MySQL connections for unit tests.
//
// Tests that need a database read the DSN from TEST_DATABASE_URL and skip
// when it is unset, so the default `go test` run stays hermetic.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// EnvDSN is the environment variable naming the test database.
const EnvDSN = "TEST_DATABASE_URL"

// Open connects to the test database, or skips the test when no DSN is
// configured. Tables created by the test should be dropped via Cleanup.
func Open(ctx context.Context, t testing.TB) *sqlx.DB {
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skip("Set " + EnvDSN + " to run database tests")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatal("Invalid "+EnvDSN+":", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.Local
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		t.Fatal("Failed to open test DB:", err)
	}
	if err := db.PingContext(ctx); err != nil {
		t.Fatal("Failed to ping test DB:", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// DropTables removes the given tables, ignoring errors. Called by tests
// before and after creating their schema.
func DropTables(ctx context.Context, db *sqlx.DB, tables ...string) {
	for _, table := range tables {
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+";")
	}
}
