package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/dropDatabas3/nrtmkeys/internal/http"
	"github.com/dropDatabas3/nrtmkeys/internal/jobs"
	"github.com/dropDatabas3/nrtmkeys/internal/observability/logger"
)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Corre los jobs de rotación y publicación y la API HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			log := logger.Named("serve")

			metricsHandler, err := apihttp.RegisterMetrics(nil)
			if err != nil {
				return err
			}
			router := apihttp.NewRouter(apihttp.RouterDeps{
				Keys:      a.engine,
				Republish: a.gen,
				Cache:     a.cache,
				Notifier:  a.notifier,
				Metrics:   metricsHandler,
				Checks: map[string]apihttp.Pinger{
					"store": a.store,
					"cache": a.cache,
				},
				Clock:              a.clock,
				AdminAPIKey:        cfg.Admin.APIKey,
				AdminRatePerMinute: cfg.Admin.RatePerMinute,
				NotificationMaxAge: cfg.NRTM.MaxAge,
			})
			runner := jobs.NewRunner(a.engine, a.gen, jobs.Options{
				Clock:                a.clock,
				RotationInterval:     cfg.Jobs.TickInterval,
				NotificationInterval: cfg.Jobs.NotificationInterval,
				Notifier:             a.notifier,
				Logger:               logger.Named("jobs"),
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				runner.Start(gctx)
				return runner.Wait()
			})
			g.Go(func() error {
				log.Info("http listening", logger.String("addr", cfg.Server.Addr))
				return apihttp.Serve(gctx, cfg.Server.Addr, router, cfg.Server.ShutdownTimeout)
			})

			err = g.Wait()
			if err != nil && err != context.Canceled {
				log.Error("serve stopped", logger.Err(err))
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}
}
