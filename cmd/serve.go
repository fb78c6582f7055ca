package main

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/sipsociety/backbone/pkg/opsapi"
)

var serveCmd = cobra.Command{
	Use:   "serve",
	Short: "Run ops API server",
	Long: "Runs the operational HTTP server: pipeline triggers, queue\n" +
		"diagnostics, health and metrics.\n" +
		"It is safe to load-balance multiple serve processes.",
	Args: cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		app := fx.New(
			fx.Provide(providers...),
			fx.Invoke(runServe),
			fx.Logger(zap.NewStdLog(log)),
		)
		app.Run()
	},
}

func init() {
	rootCmd.AddCommand(&serveCmd)
}

func runServe(lc fx.Lifecycle, shutdown fx.Shutdowner, server *opsapi.Server) {
	addr := viper.GetString(ConfOpsListen)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				log.Info("Starting ops API server", zap.String(ConfOpsListen, addr))
				if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
					log.Error("Ops API server failed", zap.Error(err))
					if err := shutdown.Shutdown(); err != nil {
						log.Fatal("Failed to shut down", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Stopping ops API server")
			return httpServer.Shutdown(ctx)
		},
	})
}
