// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/exception-runtime/internal/app"
	"github.com/adiadia/exception-runtime/internal/config"
	"github.com/adiadia/exception-runtime/internal/logging"
	"github.com/adiadia/exception-runtime/internal/telemetry"
	httptransport "github.com/adiadia/exception-runtime/internal/transport/http"
	"github.com/adiadia/exception-runtime/internal/worker"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	cfg.OTel.ServiceVersion = Version
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
	slog.SetDefault(logger)

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("runtime setup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	deps := httptransport.Deps{
		Emitter:          rt.Emitter,
		Events:           rt.Store,
		DeadLetters:      rt.Store,
		Playbooks:        rt.Engine,
		Health:           rt.Health,
		Logger:           logger,
		AdminToken:       cfg.AdminToken,
		TenantRatePerMin: cfg.TenantRatePerMin,
		RateLimiter:      rt.RateLimiter,
		Version:          Version,
		Commit:           Commit,
		BuildDate:        BuildDate,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	workersDone := make(chan struct{})
	if cfg.EmbedWorkers {
		runners, err := rt.Runners()
		if err != nil {
			logger.Error("worker setup failed", "error", err)
			os.Exit(1)
		}
		go func() {
			defer close(workersDone)
			runEmbeddedWorkers(ctx, rt, runners, logger)
		}()
	} else {
		close(workersDone)
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
			"store", cfg.Store,
			"broker", cfg.Broker,
			"embedded_workers", cfg.EmbedWorkers,
		)

		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		app.ShutdownTimeout,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	<-workersDone
}

func runEmbeddedWorkers(ctx context.Context, rt *app.Runtime, runners []*worker.Runner, logger *slog.Logger) {
	logger.Info("starting embedded workers", "count", len(runners))
	if err := rt.RunWorkers(ctx, runners); err != nil {
		logger.Error("embedded workers failed", "error", err)
	}
}
