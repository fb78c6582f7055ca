package main

import (
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sipsociety/backbone/pkg/broker"
	"github.com/sipsociety/backbone/pkg/catalog"
)

// Config keys.
const (
	ConfBrokerURL    = "broker.url"
	ConfBrokerDevURL = "broker.dev_url"
	ConfMode         = "deployment.mode"

	ConfMySQLDSN       = "mysql.dsn"
	ConfMySQLMaxConns  = "mysql.max_conns"
	ConfMySQLIdleTime  = "mysql.idle_time"
	ConfMySQLWorkerDSN = "mysql.worker_dsn"
	ConfMySQLWorkerMax = "mysql.worker_max_conns"

	ConfCatalogURL      = "catalog.url"
	ConfCatalogToken    = "catalog.token"
	ConfCatalogPageSize = "catalog.page_size"

	ConfOpsListen = "ops.listen"

	ConfBroadcastGapThrottle = "broadcast.gap_throttle"

	ConfWorkerQueues = "worker.queues"
)

func init() {
	viper.SetDefault(ConfBrokerURL, "")
	viper.SetDefault(ConfBrokerDevURL, "redis://localhost:6379/0")
	viper.SetDefault(ConfMode, broker.ModeDevelopment)

	viper.SetDefault(ConfMySQLDSN, "")
	viper.SetDefault(ConfMySQLMaxConns, 5)
	viper.SetDefault(ConfMySQLIdleTime, 30*time.Second)
	viper.SetDefault(ConfMySQLWorkerDSN, "")
	viper.SetDefault(ConfMySQLWorkerMax, 10)

	viper.SetDefault(ConfCatalogURL, "")
	viper.SetDefault(ConfCatalogToken, "")
	viper.SetDefault(ConfCatalogPageSize, catalog.DefaultPageSize)

	viper.SetDefault(ConfOpsListen, ":8090")

	viper.SetDefault(ConfBroadcastGapThrottle, 10*time.Second)

	viper.SetDefault(ConfWorkerQueues, []string{"all"})

	// Deployment environments configure through process env.
	_ = viper.BindEnv(ConfBrokerURL, "BROKER_URL")
	_ = viper.BindEnv(ConfBrokerDevURL, "BROKER_URL_DEV")
	_ = viper.BindEnv(ConfMode, "DEPLOYMENT_MODE")
	_ = viper.BindEnv(ConfMySQLDSN, "DATABASE_URL")
	_ = viper.BindEnv(ConfMySQLWorkerDSN, "DATABASE_URL_WORKER")
	_ = viper.BindEnv(ConfCatalogURL, "EXTERNAL_CATALOG_URL")
	_ = viper.BindEnv(ConfCatalogToken, "EXTERNAL_CATALOG_TOKEN")
}

func brokerFromEnv() *broker.Client {
	opts := broker.Options{
		URL:    viper.GetString(ConfBrokerURL),
		DevURL: viper.GetString(ConfBrokerDevURL),
		Mode:   viper.GetString(ConfMode),
	}
	log.Info("Using broker",
		zap.String(ConfMode, opts.Mode),
		zap.Bool("broker.url_set", opts.URL != ""))
	return broker.NewClient(log.Named("broker"), opts)
}

// openDB opens the small shared pool used by API handlers and one-shots.
func openDB() (*sqlx.DB, error) {
	return openPool(viper.GetString(ConfMySQLDSN), viper.GetInt(ConfMySQLMaxConns))
}

// openWorkerDB opens the wider pool worker processes use. Falls back to the
// primary DSN when no worker DSN is configured.
func openWorkerDB() (*sqlx.DB, error) {
	dsn := viper.GetString(ConfMySQLWorkerDSN)
	if dsn == "" {
		dsn = viper.GetString(ConfMySQLDSN)
	}
	return openPool(dsn, viper.GetInt(ConfMySQLWorkerMax))
}

func openPool(dsn string, maxConns int) (*sqlx.DB, error) {
	// Force Go-compatible time handling.
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.Loc = time.Local
	log.Info("Connecting to MySQL DB",
		zap.String("mysql.net", cfg.Net),
		zap.String("mysql.addr", cfg.Addr),
		zap.String("mysql.db_name", cfg.DBName),
		zap.String("mysql.user", cfg.User),
		zap.Int("mysql.max_conns", maxConns))
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(viper.GetDuration(ConfMySQLIdleTime))
	return db, nil
}

func catalogFromEnv() *catalog.Client {
	return &catalog.Client{
		Log:      log.Named("catalog"),
		BaseURL:  viper.GetString(ConfCatalogURL),
		Token:    viper.GetString(ConfCatalogToken),
		PageSize: viper.GetInt(ConfCatalogPageSize),
	}
}
