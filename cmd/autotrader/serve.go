package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rsitrader/config"
	"rsitrader/internal/api"
	"rsitrader/internal/logger"
	"rsitrader/internal/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for instrument search and trading runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.Init("autotrader", logger.ParseLevel(cfg.LogLevel))
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	a.startBackground(bgCtx)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, a.registry, a.health)
	metricsSrv.Start()

	var decisions api.Decisions
	if a.publisher != nil {
		decisions = a.publisher
	}
	apiSrv := api.NewServer(a.runner, a.instruments, decisions, a.defaultQuery())
	if a.journal != nil {
		apiSrv.WithTrades(a.journal)
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(apiSrv),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, cancelling active runs")
	case err := <-errCh:
		if err != nil {
			slog.Error("api server failed", "error", err)
		}
	}

	for _, r := range a.runner.Active() {
		if err := a.runner.Cancel(r.RunID); err == nil {
			slog.Info("run cancelled for shutdown", "run_id", r.RunID)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api shutdown incomplete", "error", err)
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown incomplete", "error", err)
	}
	cancelBg()
	return nil
}
