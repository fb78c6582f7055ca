package main

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sipsociety/backbone/pkg/appctx"
	"github.com/sipsociety/backbone/pkg/broadcast"
	"github.com/sipsociety/backbone/pkg/cache"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/ledger"
	"github.com/sipsociety/backbone/pkg/pipeline/bulkimport"
	"github.com/sipsociety/backbone/pkg/pipeline/classify"
	"github.com/sipsociety/backbone/pkg/pipeline/coins"
	"github.com/sipsociety/backbone/pkg/pipeline/engagement"
	"github.com/sipsociety/backbone/pkg/ratelimit"
	"github.com/sipsociety/backbone/pkg/telemetry"
	"github.com/sipsociety/backbone/pkg/userstore"
	"github.com/sipsociety/backbone/pkg/worker"
)

var workerCmd = cobra.Command{
	Use:   "worker",
	Short: "Run pipeline workers",
	Long: "Runs the workers for the import, classification, engagement and\n" +
		"coin queues. Use --queues to run a subset.",
	Args: cobra.NoArgs,
	Run:  runWorker,
}

func init() {
	flags := workerCmd.Flags()
	flags.StringSlice("queues", []string{"all"}, "Queues to work")

	rootCmd.AddCommand(&workerCmd)
}

const workerDrainTimeout = 30 * time.Second

func runWorker(cmd *cobra.Command, _ []string) {
	flags := cmd.Flags()
	selected, err := flags.GetStringSlice("queues")
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(appctx.Context())
	defer cancel()
	// Connect to the broker.
	b := brokerFromEnv()
	if _, err := b.Connect(ctx); err != nil {
		exitf(exitBroker, "Failed to connect to broker", zap.Error(err))
	}
	telemetry.WatchBroker(b)
	defer func() {
		log.Info("Closing broker client")
		if err := b.Close(); err != nil {
			log.Error("Failed to close broker client", zap.Error(err))
		}
	}()
	// Connect to SQL with the worker pool.
	db, err := openWorkerDB()
	if err != nil {
		exitf(exitConfig, "Invalid database config", zap.Error(err))
	}
	defer func() {
		log.Info("Closing MySQL client")
		if err := db.Close(); err != nil {
			log.Error("Failed to close MySQL client", zap.Error(err))
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		exitf(exitDatabase, "Failed to ping DB", zap.Error(err))
	}
	// Assemble shared services.
	users := &userstore.Store{DB: db}
	ledgerStore := &ledger.Store{DB: db}
	cacheSvc := cache.NewService(log.Named("cache"), b)
	limiter := ratelimit.NewLimiter(b)
	pub := broadcast.NewPublisher(log.Named("broadcast"), b)
	cat := catalogFromEnv()
	// Assemble queues and pipelines.
	importQ := jobqueue.NewQueue(log.Named("queue"), b, bulkimport.QueueConfig())
	classifyQ := jobqueue.NewQueue(log.Named("queue"), b, classify.QueueConfig())
	engagementQ := jobqueue.NewQueue(log.Named("queue"), b, engagement.QueueConfig())
	coinsQ := jobqueue.NewQueue(log.Named("queue"), b, coins.QueueConfig())
	classifySvc := &classify.Service{
		Log:        log.Named("classify"),
		Broker:     b,
		Queue:      classifyQ,
		Cache:      cacheSvc,
		Users:      users,
		Classifier: classify.StatsClassifier{},
		Renderer:   classify.TemplateRenderer{},
	}
	importSvc := &bulkimport.Service{
		Log:       log.Named("import"),
		Broker:    b,
		Queue:     importQ,
		Users:     users,
		Ledger:    ledgerStore,
		Catalog:   cat,
		Publisher: pub,
		History: &bulkimport.CatalogHistory{
			Log:     log.Named("history"),
			Catalog: cat,
			Users:   users,
		},
		Classify:    classifySvc,
		GapThrottle: viper.GetDuration(ConfBroadcastGapThrottle),
	}
	importQ.Sink = importSvc.Sink()
	engagementSvc := &engagement.Service{
		Log:    log.Named("engagement"),
		Broker: b,
		Queue:  engagementQ,
		Users:  users,
		Recalc: &engagement.StoreRecalculator{
			Users:      users,
			Classifier: classify.StatsClassifier{},
		},
	}
	coinsSvc := coins.NewService(log.Named("coins"), coinsQ, cacheSvc, pub,
		coins.DefaultManagers(users, cacheSvc)...)
	// One worker per selected queue, each with its own event loop.
	type pipeline struct {
		queue  *jobqueue.Queue
		handle worker.Handler
		events func(context.Context, *worker.Worker)
	}
	pipelines := map[string]pipeline{
		bulkimport.QueueName: {importQ, importSvc.Handle, importSvc.RunEvents},
		classify.QueueName:   {classifyQ, classifySvc.Handle, classifySvc.RunEvents},
		engagement.QueueName: {engagementQ, engagementSvc.Handle, engagementSvc.RunEvents},
		coins.QueueName:      {coinsQ, coinsSvc.Handle, coinsSvc.RunEvents},
	}
	names := selected
	if len(names) == 1 && names[0] == "all" {
		names = []string{bulkimport.QueueName, classify.QueueName,
			engagement.QueueName, coins.QueueName}
	}
	var wg sync.WaitGroup
	workers := make([]*worker.Worker, 0, len(names))
	for _, name := range names {
		p, ok := pipelines[name]
		if !ok {
			exitf(exitConfig, "Unknown queue", zap.String("queue", name))
		}
		w := worker.New(log.Named("worker"), b, p.queue, p.handle, limiter)
		workers = append(workers, w)
		wg.Add(2)
		go func(p pipeline, w *worker.Worker) {
			defer wg.Done()
			p.events(ctx, w)
		}(p, w)
		go func(name string, w *worker.Worker) {
			defer wg.Done()
			log.Info("Starting worker", zap.String("queue", name))
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				log.Error("Worker failed", zap.String("queue", name), zap.Error(err))
			}
		}(name, w)
	}
	<-ctx.Done()
	log.Info("Draining workers")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), workerDrainTimeout)
	defer drainCancel()
	for _, w := range workers {
		if err := w.Shutdown(drainCtx); err != nil {
			log.Error("Worker drain incomplete", zap.Error(err))
		}
	}
	wg.Wait()
}
