package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/admin"
	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/engine"
	"github.com/dreamware/shardkv/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the engine and serve the admin endpoints",
		Args:  cobra.NoArgs,
	}
	opts := newEngineOpts(cmd)
	cmd.Flags().StringVar(&listen, "listen", ":7070", "admin HTTP listen address")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := opts.Config()
		if err != nil {
			return err
		}
		log := newLogger(cmd.ErrOrStderr(), cfg)
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, listen, log)
	}
	return cmd
}

func serve(ctx context.Context, cfg config.Config, listen string, log *zap.Logger) (err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics()
	reg.MustRegister(metrics.PrometheusCollectors()...)

	e, err := engine.Open(cfg, engine.WithLogger(log), engine.WithObserver(metrics))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	if cfg.DataDir != "" {
		r := e.LastRecovery()
		log.Info("Recovered engine state",
			zap.Int("entries", r.Entries),
			zap.Int("skipped_frames", r.SkippedFrames),
			zap.Int("redirects", r.Redirects))
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           admin.NewHandler(e, reg, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("Listening", zap.String("addr", listen), zap.Int("shards", cfg.ShardCount))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return e.ForceFlush(shutdownCtx, nil)
}
