package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sipsociety/backbone/pkg/ledger"
	"github.com/sipsociety/backbone/pkg/userstore"
)

var migrateCmd = cobra.Command{
	Use:   "migrate",
	Short: "Create database tables",
	Args:  cobra.NoArgs,
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(&migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db, err := openDB()
	if err != nil {
		exitf(exitConfig, "Invalid database config", zap.Error(err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		exitf(exitDatabase, "Failed to ping DB", zap.Error(err))
	}
	users := &userstore.Store{DB: db}
	if err := users.CreateTables(ctx); err != nil {
		exitf(exitDatabase, "Failed to create user tables", zap.Error(err))
	}
	ledgerStore := &ledger.Store{DB: db}
	if err := ledgerStore.CreateTable(ctx); err != nil {
		exitf(exitDatabase, "Failed to create ledger table", zap.Error(err))
	}
	log.Info("Migrations applied")
}
