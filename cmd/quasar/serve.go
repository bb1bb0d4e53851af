package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/quasar/pkg/observability"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(configFile *string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the export dispatcher",
		Long: `Run the export dispatcher. Every pipeline with pending exports is followed
and its exports run one at a time, in registration order. On SIGINT or SIGTERM
the attempt in flight is finished and its staging table dropped before exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configFile)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.Address = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := observability.Initialize(observability.TracingConfig{
				Enabled:        cfg.Tracing.Enabled,
				ServiceName:    cfg.App.Name,
				ServiceVersion: version,
				Environment:    cfg.App.Environment,
				SamplingRate:   cfg.Tracing.SampleRate,
			}); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := observability.Shutdown(shutdownCtx); err != nil {
					log.Warn("tracing shutdown failed", zap.Error(err))
				}
			}()

			a, err := openApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					log.Warn("failed to close connections", zap.Error(err))
				}
			}()

			if err := a.meta.Migrate(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.dispatcher.Run(gctx)
			})
			if cfg.Metrics.Enabled {
				serveMetrics(gctx, g, cfg.Metrics.Address, log)
			}

			log.Info("quasar started", zap.String("version", version))
			err = g.Wait()
			log.Info("quasar stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address of the Prometheus endpoint (overrides metrics.address)")
	return cmd
}

// serveMetrics exposes /metrics until ctx is done
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("metrics server listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
