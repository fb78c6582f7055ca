package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sipsociety/backbone/pkg/broadcast"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/ledger"
	"github.com/sipsociety/backbone/pkg/pipeline/bulkimport"
	"github.com/sipsociety/backbone/pkg/userstore"
)

var ledgerCmd = cobra.Command{
	Use:   "ledger",
	Short: "Failed-enqueue ledger maintenance",
}

var ledgerRetryCmd = cobra.Command{
	Use:   "retry",
	Short: "Re-enqueue unresolved ledger rows",
	Args:  cobra.NoArgs,
	Run:   runLedgerRetry,
}

var ledgerStatusCmd = cobra.Command{
	Use:   "status",
	Short: "Print the unresolved ledger row count",
	Args:  cobra.NoArgs,
	Run:   runLedgerStatus,
}

func init() {
	flags := ledgerRetryCmd.Flags()
	flags.Int("limit", 500, "Max ledger rows to retry")

	ledgerCmd.AddCommand(&ledgerRetryCmd, &ledgerStatusCmd)
	rootCmd.AddCommand(&ledgerCmd)
}

func runLedgerRetry(cmd *cobra.Command, _ []string) {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := brokerFromEnv()
	if _, err := b.Connect(ctx); err != nil {
		exitf(exitBroker, "Failed to connect to broker", zap.Error(err))
	}
	defer b.Close()
	db, err := openDB()
	if err != nil {
		exitf(exitConfig, "Invalid database config", zap.Error(err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		exitf(exitDatabase, "Failed to ping DB", zap.Error(err))
	}
	users := &userstore.Store{DB: db}
	ledgerStore := &ledger.Store{DB: db}
	queue := jobqueue.NewQueue(log.Named("queue"), b, bulkimport.QueueConfig())
	svc := &bulkimport.Service{
		Log:         log.Named("import"),
		Broker:      b,
		Queue:       queue,
		Users:       users,
		Ledger:      ledgerStore,
		Catalog:     catalogFromEnv(),
		Publisher:   broadcast.NewPublisher(log.Named("broadcast"), b),
		GapThrottle: viper.GetDuration(ConfBroadcastGapThrottle),
	}
	queue.Sink = svc.Sink()
	resolved, failed, err := svc.RetryFailedEnqueues(ctx, limit)
	if err != nil {
		exitf(exitDatabase, "Ledger retry failed", zap.Error(err))
	}
	log.Info("Ledger retry finished",
		zap.Int("resolved", resolved), zap.Int("failed", failed))
}

func runLedgerStatus(_ *cobra.Command, _ []string) {
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
	ledgerStore := &ledger.Store{DB: db}
	n, err := ledgerStore.UnresolvedCount(ctx)
	if err != nil {
		exitf(exitDatabase, "Failed to count ledger rows", zap.Error(err))
	}
	log.Info("Unresolved ledger rows", zap.Int64("count", n))
}
