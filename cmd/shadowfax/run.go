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
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/app"
	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/logsink"
	"github.com/eugener/shadowfax/internal/server"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting shadowfax", "version", version, "addr", cfg.Server.Addr())

	ctx := context.Background()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	if cfg.Telemetry.Tracing.Enabled {
		stop, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := stop(flushCtx); err != nil {
				slog.Warn("tracing shutdown", "error", err.Error())
			}
		}()
	}

	// Request log sink: SQLite behind the batching recorder. When
	// disabled, the dispatchers fall back to the discard sink.
	var sink gateway.LogSink
	var recorder *logsink.Recorder
	if cfg.LogSink.Enabled {
		store, err := logsink.NewSQLite(cfg.LogSink.Database)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = logsink.NewRecorder(store, metrics, cfg.LogSink)
		sink = recorder
	}

	// Credential oracle: embedded static keys behind the identity cache.
	var oracle gateway.AuthOracle
	if len(cfg.Auth.Keys) > 0 {
		cached, err := auth.NewCached(auth.NewStatic(cfg.Auth.Keys))
		if err != nil {
			return err
		}
		oracle = cached
	}

	a, err := app.New(ctx, cfg, app.Options{Metrics: metrics, Sink: sink})
	if err != nil {
		return err
	}
	defer a.Close()

	// Background workers: endpoint monitors, the limiter sweeper, the
	// DNS refresher and the log recorder.
	workers := a.Workers()
	if recorder != nil {
		workers = append(workers, recorder)
	}
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var workerDone chan error
	if len(workers) > 0 {
		workerDone = make(chan error, 1)
		go func() {
			workerDone <- worker.NewRunner(workers...).Run(workerCtx)
		}()
	}

	handler := server.New(server.Deps{
		Meta:     a.Handler(),
		Oracle:   oracle,
		Metrics:  metrics,
		Gatherer: reg,
		Ready:    a.Ready,
		Cache:    a.CacheStore(),
		Limits:   a.RateLimits(),
		Config:   cfg,
	})

	// No WriteTimeout: streamed completions hold the response open far
	// longer than any fixed bound.
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t := cfg.Server.TLS; t != nil {
			err = srv.ListenAndServeTLS(t.Cert, t.Key)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("shadowfax ready", "addr", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerDone:
		return fmt.Errorf("background workers stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers stop after the listener drains so in-flight requests can
	// still submit log records; the recorder flushes its queue before
	// returning.
	stopWorkers()
	if workerDone != nil {
		<-workerDone
	}

	slog.Info("shadowfax stopped")
	return nil
}
