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

	"golang.org/x/sync/errgroup"

	"lendflow/internal/platform/config"
	"lendflow/internal/platform/httpserver"
	"lendflow/internal/platform/logger"
	platformmetrics "lendflow/internal/platform/metrics"
	"lendflow/internal/platform/middleware"
	httptransport "lendflow/internal/transport/http"
)

var version = "dev"

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("lendflow stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := platformmetrics.NewRegistry(version)

	in, err := openInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer in.close()

	app, err := buildApp(cfg, in, reg, log)
	if err != nil {
		return err
	}

	handler, err := httptransport.New(app.workflow, app.applications, app.payouts, app.tokens,
		httptransport.WithLogger(log),
	)
	if err != nil {
		return err
	}
	router := httptransport.NewRouter(handler, httptransport.RouterConfig{
		Logger:         log,
		Gatherer:       reg,
		HTTPMetrics:    middleware.NewHTTPMetrics(reg),
		RequestTimeout: cfg.Server.RequestTimeout,
		HealthChecks:   in.healthChecks(),
	})
	srv := httpserver.New(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting lendflow", "addr", cfg.Server.Addr, "version", version, "store", in.storeKind())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		app.sweeper.Run(gctx)
		return nil
	})
	if in.relay != nil {
		g.Go(func() error {
			if err := in.relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("outbox relay: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
