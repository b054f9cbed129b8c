package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"companyhub/internal/platform/config"
	"companyhub/internal/platform/httpserver"
	"companyhub/internal/platform/logger"
	"companyhub/internal/platform/metrics"
	httptransport "companyhub/internal/transport/http"
)

// main wires dependencies, serves HTTP and runs the scheduler until a
// shutdown signal arrives. Business logic lives in internal packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("companyhub stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	app, err := buildApp(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer app.close()

	handler := httptransport.New(app.aggregator, log, cfg.Providers.StrictNIPChecksum)
	router := httptransport.NewRouter(handler, httptransport.RouterConfig{
		DefaultTier: cfg.Server.DefaultTier,
		Gatherer:    reg,
		Health:      app.health,
	})
	srv := httpserver.New(cfg.Server.Addr, router, cfg.Providers.RequestTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting companyhub", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			err := app.scheduler.Start(gctx, cfg.Scheduler.Interval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
