// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/exception-runtime/internal/app"
	"github.com/adiadia/exception-runtime/internal/config"
	"github.com/adiadia/exception-runtime/internal/logging"
	"github.com/adiadia/exception-runtime/internal/metrics"
	"github.com/adiadia/exception-runtime/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		log.Fatalf("telemetry setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger := logging.NewLogger(cfg.Env)
	if tel != nil && cfg.IsProduction() {
		logger = logging.NewOTelLogger(cfg.OTel.ServiceName)
	}

	if cfg.Store == config.StoreMemory || cfg.Broker == config.BrokerMemory {
		logger.Error("standalone worker needs a shared store and broker, run the api with EMBED_WORKERS instead")
		os.Exit(2)
	}

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("runtime setup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	runners, err := rt.Runners()
	if err != nil {
		logger.Error("worker setup failed", "error", err)
		os.Exit(1)
	}

	metrics.Init()
	r := chi.NewRouter()
	r.Get("/healthz", app.WorkerHealthHandler(runners).ServeHTTP)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	healthSrv := &http.Server{
		Addr:              cfg.WorkerHealthAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker health server failed", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_types", cfg.Worker.Types,
		"concurrency", cfg.Worker.Concurrency,
		"broker", cfg.Broker,
		"health_addr", cfg.WorkerHealthAddr,
	)

	if err := rt.RunWorkers(ctx, runners); err != nil {
		logger.Error("workers failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", "error", err)
	}
	logger.Info("worker stopped")
}
