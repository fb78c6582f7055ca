package main

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/sipsociety/backbone/pkg/broadcast"
	"github.com/sipsociety/backbone/pkg/broker"
	"github.com/sipsociety/backbone/pkg/cache"
	"github.com/sipsociety/backbone/pkg/jobqueue"
	"github.com/sipsociety/backbone/pkg/ledger"
	"github.com/sipsociety/backbone/pkg/opsapi"
	"github.com/sipsociety/backbone/pkg/pipeline/bulkimport"
	"github.com/sipsociety/backbone/pkg/pipeline/classify"
	"github.com/sipsociety/backbone/pkg/pipeline/coins"
	"github.com/sipsociety/backbone/pkg/pipeline/engagement"
	"github.com/sipsociety/backbone/pkg/ratelimit"
	"github.com/sipsociety/backbone/pkg/telemetry"
	"github.com/sipsociety/backbone/pkg/userstore"
)

var providers = []interface{}{
	newContext,
	newBroker,
	newMySQL,
	newUserStore,
	newLedger,
	newCache,
	newLimiter,
	newPublisher,
	newQueues,
	newImportService,
	newClassifyService,
	newEngagementService,
	newCoinsService,
	newOpsServer,
}

// newContext provides the app-scoped context, cancelled on shutdown.
func newContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

func newBroker(ctx context.Context, lc fx.Lifecycle) (*broker.Client, error) {
	b := brokerFromEnv()
	if _, err := b.Connect(ctx); err != nil {
		return nil, err
	}
	telemetry.WatchBroker(b)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing broker client")
			err := b.Close()
			if err != nil {
				log.Error("Failed to close broker client", zap.Error(err))
			}
			return err
		},
	})
	return b, nil
}

func newMySQL(ctx context.Context, lc fx.Lifecycle) (*sqlx.DB, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatal("Failed to ping DB", zap.Error(err))
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func newUserStore(db *sqlx.DB) *userstore.Store {
	return &userstore.Store{DB: db}
}

func newLedger(db *sqlx.DB) *ledger.Store {
	return &ledger.Store{DB: db}
}

func newCache(b *broker.Client) *cache.Service {
	return cache.NewService(log.Named("cache"), b)
}

func newLimiter(b *broker.Client) *ratelimit.Limiter {
	return ratelimit.NewLimiter(b)
}

func newPublisher(b *broker.Client) *broadcast.Publisher {
	return broadcast.NewPublisher(log.Named("broadcast"), b)
}

// Queues groups the four pipeline queues for injection.
type Queues struct {
	fx.Out

	Import     *jobqueue.Queue `name:"import"`
	Classify   *jobqueue.Queue `name:"classify"`
	Engagement *jobqueue.Queue `name:"engagement"`
	Coins      *jobqueue.Queue `name:"coins"`
	ByName     map[string]*jobqueue.Queue
}

func newQueues(b *broker.Client) Queues {
	importQ := jobqueue.NewQueue(log.Named("queue"), b, bulkimport.QueueConfig())
	classifyQ := jobqueue.NewQueue(log.Named("queue"), b, classify.QueueConfig())
	engagementQ := jobqueue.NewQueue(log.Named("queue"), b, engagement.QueueConfig())
	coinsQ := jobqueue.NewQueue(log.Named("queue"), b, coins.QueueConfig())
	return Queues{
		Import:     importQ,
		Classify:   classifyQ,
		Engagement: engagementQ,
		Coins:      coinsQ,
		ByName: map[string]*jobqueue.Queue{
			importQ.Name():     importQ,
			classifyQ.Name():   classifyQ,
			engagementQ.Name(): engagementQ,
			coinsQ.Name():      coinsQ,
		},
	}
}

// ImportParams names the import queue dependency.
type ImportParams struct {
	fx.In

	Queue *jobqueue.Queue `name:"import"`
}

func newImportService(
	p ImportParams,
	b *broker.Client,
	users *userstore.Store,
	ledgerStore *ledger.Store,
	pub *broadcast.Publisher,
	classifySvc *classify.Service,
) *bulkimport.Service {
	cat := catalogFromEnv()
	svc := &bulkimport.Service{
		Log:       log.Named("import"),
		Broker:    b,
		Queue:     p.Queue,
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
	p.Queue.Sink = svc.Sink()
	return svc
}

// ClassifyParams names the classification queue dependency.
type ClassifyParams struct {
	fx.In

	Queue *jobqueue.Queue `name:"classify"`
}

func newClassifyService(
	p ClassifyParams,
	b *broker.Client,
	cacheSvc *cache.Service,
	users *userstore.Store,
) *classify.Service {
	return &classify.Service{
		Log:        log.Named("classify"),
		Broker:     b,
		Queue:      p.Queue,
		Cache:      cacheSvc,
		Users:      users,
		Classifier: classify.StatsClassifier{},
		Renderer:   classify.TemplateRenderer{},
	}
}

// EngagementParams names the backfill queue dependency.
type EngagementParams struct {
	fx.In

	Queue *jobqueue.Queue `name:"engagement"`
}

func newEngagementService(
	p EngagementParams,
	b *broker.Client,
	users *userstore.Store,
) *engagement.Service {
	return &engagement.Service{
		Log:    log.Named("engagement"),
		Broker: b,
		Queue:  p.Queue,
		Users:  users,
		Recalc: &engagement.StoreRecalculator{
			Users:      users,
			Classifier: classify.StatsClassifier{},
		},
	}
}

// CoinsParams names the coin queue dependency.
type CoinsParams struct {
	fx.In

	Queue *jobqueue.Queue `name:"coins"`
}

func newCoinsService(
	p CoinsParams,
	cacheSvc *cache.Service,
	users *userstore.Store,
	pub *broadcast.Publisher,
) *coins.Service {
	return coins.NewService(log.Named("coins"), p.Queue, cacheSvc, pub,
		coins.DefaultManagers(users, cacheSvc)...)
}

func newOpsServer(
	b *broker.Client,
	queues map[string]*jobqueue.Queue,
	importSvc *bulkimport.Service,
	classifySvc *classify.Service,
	engagementSvc *engagement.Service,
	coinsSvc *coins.Service,
	ledgerStore *ledger.Store,
) *opsapi.Server {
	return &opsapi.Server{
		Log:        log.Named("opsapi"),
		Broker:     b,
		Queues:     queues,
		Import:     importSvc,
		Classify:   classifySvc,
		Engagement: engagementSvc,
		Coins:      coinsSvc,
		Ledger:     ledgerStore,
	}
}
