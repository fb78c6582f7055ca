package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sipsociety/backbone/pkg/broker"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/pipeline/bulkimport"
	"github.com/sipsociety/backbone/pkg/pipeline/classify"
	"github.com/sipsociety/backbone/pkg/pipeline/coins"
	"github.com/sipsociety/backbone/pkg/pipeline/engagement"
)

var queueCmd = cobra.Command{
	Use:   "queue",
	Short: "Queue diagnostics and maintenance",
}

var queueStatsCmd = cobra.Command{
	Use:   "stats [queue]",
	Short: "Print queue depths",
	Long:  "Prints depths for one queue, or for all queues when none is given.",
	Args:  cobra.MaximumNArgs(1),
	Run:   runQueueStats,
}

var queueRecentCmd = cobra.Command{
	Use:   "recent <queue>",
	Short: "Print recently finished jobs",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueRecent,
}

var queueCleanCmd = cobra.Command{
	Use:   "clean <queue>",
	Short: "Remove old terminal jobs",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueClean,
}

var queueObliterateCmd = cobra.Command{
	Use:   "obliterate <queue>",
	Short: "Delete a queue and all of its jobs",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueObliterate,
}

func init() {
	recentFlags := queueRecentCmd.Flags()
	recentFlags.Int("limit", 50, "Max jobs to print")

	cleanFlags := queueCleanCmd.Flags()
	cleanFlags.Duration("max-age", 24*time.Hour, "Only remove jobs older than this")
	cleanFlags.Int("limit", 1000, "Max jobs to remove")
	cleanFlags.String("state", "completed", "Terminal state to clean (completed or failed)")

	obliterateFlags := queueObliterateCmd.Flags()
	obliterateFlags.Bool("yes", false, "Skip confirmation")

	queueCmd.AddCommand(&queueStatsCmd, &queueRecentCmd, &queueCleanCmd, &queueObliterateCmd)
	rootCmd.AddCommand(&queueCmd)
}

// knownConfigs maps queue names to their pipeline configs.
func knownConfigs() map[string]jobqueue.Config {
	return map[string]jobqueue.Config{
		bulkimport.QueueName: bulkimport.QueueConfig(),
		classify.QueueName:   classify.QueueConfig(),
		engagement.QueueName: engagement.QueueConfig(),
		coins.QueueName:      coins.QueueConfig(),
	}
}

// connectQueue builds a connected queue handle for one-shot commands.
func connectQueue(ctx context.Context, name string) (*broker.Client, *jobqueue.Queue) {
	config, ok := knownConfigs()[name]
	if !ok {
		exitf(exitConfig, "Unknown queue", zap.String("queue", name))
	}
	b := brokerFromEnv()
	if _, err := b.Connect(ctx); err != nil {
		exitf(exitBroker, "Failed to connect to broker", zap.Error(err))
	}
	return b, jobqueue.NewQueue(log.Named("queue"), b, config)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal("Failed to encode output", zap.Error(err))
	}
}

func runQueueStats(_ *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := brokerFromEnv()
	if _, err := b.Connect(ctx); err != nil {
		exitf(exitBroker, "Failed to connect to broker", zap.Error(err))
	}
	defer b.Close()
	configs := knownConfigs()
	var queues []*jobqueue.Queue
	if len(args) == 1 {
		config, ok := configs[args[0]]
		if !ok {
			exitf(exitConfig, "Unknown queue", zap.String("queue", args[0]))
		}
		queues = append(queues, jobqueue.NewQueue(log.Named("queue"), b, config))
	} else {
		for _, config := range configs {
			queues = append(queues, jobqueue.NewQueue(log.Named("queue"), b, config))
		}
	}
	stats, err := jobqueue.AggregateStats(ctx, queues)
	if err != nil {
		exitf(exitBroker, "Failed to gather stats", zap.Error(err))
	}
	printJSON(stats)
}

func runQueueRecent(cmd *cobra.Command, args []string) {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, q := connectQueue(ctx, args[0])
	defer b.Close()
	jobs, err := q.RecentJobs(ctx, limit)
	if err != nil {
		exitf(exitBroker, "Failed to list recent jobs", zap.Error(err))
	}
	printJSON(jobs)
}

func runQueueClean(cmd *cobra.Command, args []string) {
	flags := cmd.Flags()
	maxAge, err := flags.GetDuration("max-age")
	if err != nil {
		panic(err)
	}
	limit, err := flags.GetInt("limit")
	if err != nil {
		panic(err)
	}
	stateStr, err := flags.GetString("state")
	if err != nil {
		panic(err)
	}
	state := jobqueue.State(stateStr)
	if !state.Terminal() {
		exitf(exitConfig, "State must be completed or failed", zap.String("state", stateStr))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, q := connectQueue(ctx, args[0])
	defer b.Close()
	removed, err := q.Clean(ctx, maxAge, limit, state)
	if err != nil {
		exitf(exitBroker, "Failed to clean queue", zap.Error(err))
	}
	log.Info("Cleaned queue",
		zap.String("queue", args[0]),
		zap.String("state", stateStr),
		zap.Int("removed", removed))
}

func runQueueObliterate(cmd *cobra.Command, args []string) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		panic(err)
	}
	if !yes {
		exitf(exitConfig, "Refusing to obliterate without --yes",
			zap.String("queue", args[0]))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, q := connectQueue(ctx, args[0])
	defer b.Close()
	deleted, err := q.ObliterateWithProgress(ctx, func(p jobqueue.ObliterateProgress) {
		log.Info("Obliterating queue",
			zap.String("phase", string(p.Phase)),
			zap.Int64("deleted", p.Deleted),
			zap.Int64("total", p.Total),
			zap.Float64("percentage", p.Percentage))
	})
	if errors.Is(err, jobqueue.ErrObliteratePartial) {
		log.Warn("Obliterate hit its time budget; run again to finish",
			zap.Int64("deleted", deleted))
		return
	} else if err != nil {
		exitf(exitBroker, "Failed to obliterate queue", zap.Error(err))
	}
	log.Info("Obliterated queue",
		zap.String("queue", args[0]), zap.Int64("deleted", deleted))
}
