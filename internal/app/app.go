// SPDX-License-Identifier: Apache-2.0

// Package app wires the store, broker, emitter, playbook engine and stage
// workers from a Config. The api and worker binaries share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adiadia/exception-runtime/internal/broker"
	"github.com/adiadia/exception-runtime/internal/config"
	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/outbox"
	"github.com/adiadia/exception-runtime/internal/persistence/postgres"
	"github.com/adiadia/exception-runtime/internal/playbook"
	"github.com/adiadia/exception-runtime/internal/repository"
	"github.com/adiadia/exception-runtime/internal/repository/memstore"
	"github.com/adiadia/exception-runtime/internal/stages"
	"github.com/adiadia/exception-runtime/internal/tools"
	"github.com/adiadia/exception-runtime/internal/transport/middleware"
	"github.com/adiadia/exception-runtime/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds graceful shutdown of servers.
const ShutdownTimeout = 10 * time.Second

type HealthChecker interface {
	Check(ctx context.Context) error
}

// Runtime holds the shared components of one process.
type Runtime struct {
	Config      config.Config
	Logger      *slog.Logger
	Store       repository.Store
	Broker      broker.Broker
	Emitter     *outbox.Emitter
	Engine      *playbook.Engine
	DeadLetters *worker.DeadLetterHandler
	Retries     *worker.RetryScheduler
	// Health is nil for the memory store.
	Health HealthChecker
	// Tools executes call_tool actions and tool stage requests.
	Tools tools.Service
	// RateLimiter shares tenant budgets across replicas. Nil without redis.
	RateLimiter middleware.RateLimiter

	pool        *pgxpool.Pool
	redis       *broker.Redis
	redisClient *redis.Client
}

// New connects the configured backends. Close releases them.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Runtime{Config: cfg, Logger: logger, Tools: tools.EchoService{}}

	if err := rt.openStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.openBroker(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	tieBreak, err := playbook.ParseTieBreak(cfg.Playbook.TieBreak)
	if err != nil {
		rt.Close()
		return nil, err
	}

	publisher := broker.NewRetryingPublisher(rt.Broker, 0, 0, logger)
	rt.Emitter = outbox.NewEmitter(rt.Store, publisher, nil, logger)

	var notifier playbook.Notifier = playbook.LogNotifier{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		notifier = playbook.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, nil, logger)
	}
	registry := playbook.DefaultRegistry(rt.Tools, notifier, logger)
	rt.Engine = playbook.NewEngine(rt.Store, rt.Emitter, registry, tieBreak, logger)

	rt.DeadLetters = worker.NewDeadLetterHandler(rt.Store, rt.Emitter, logger)
	rt.Retries = worker.NewRetryScheduler(rt.Store, rt.Store, publisher, rt.DeadLetters, worker.RetryConfig{
		Policy: worker.BackoffPolicy{Default: worker.Backoff{
			Base:   cfg.Worker.RetryBaseDelay,
			Max:    cfg.Worker.RetryMaxDelay,
			Jitter: cfg.Worker.RetryJitter,
		}},
		MaxRetries: cfg.Worker.MaxRetries,
	}, logger)

	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	if rt.Config.Store == config.StoreMemory {
		rt.Logger.Warn("using in-memory store, nothing survives a restart")
		rt.Store = memstore.New()
		return nil
	}

	pool, err := postgres.NewPool(ctx, rt.Config.DatabaseURL, rt.Config.DBMaxConns)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	rt.pool = pool

	if rt.Config.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, rt.Logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rt.Store = repository.NewPostgresStore(pool, rt.Logger)
	rt.Health = postgres.NewSchemaHealthChecker(pool)
	return nil
}

func (rt *Runtime) openBroker(ctx context.Context) error {
	if rt.Config.Broker != config.BrokerRedis {
		rt.Broker = broker.NewMemory(rt.Config.PartitionLanes)
		return nil
	}

	opts, err := redis.ParseURL(rt.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis connect: %w", err)
	}

	rt.redisClient = client
	rt.RateLimiter = middleware.NewRedisRateLimiter(client, "exceptions:ratelimit:")
	rt.redis = broker.NewRedis(client, broker.RedisConfig{Lanes: rt.Config.PartitionLanes}, rt.Logger)
	rt.Broker = rt.redis
	return nil
}

// Runners builds one runner per configured worker type.
func (rt *Runtime) Runners() ([]*worker.Runner, error) {
	cfg := rt.Config
	handlers, err := stages.Handlers(stages.Deps{
		Events: rt.Store,
		Engine: rt.Engine,
		Tools:  rt.Tools,
		Policy: stages.PolicyRules{
			HighValueAmount: cfg.Policy.HighValueAmount,
			SLARiskMinutes:  cfg.Policy.SLARiskMinutes,
			BlockedTypes:    cfg.Policy.BlockedTypes,
		},
		Logger: rt.Logger,
	}, cfg.Worker.Types)
	if err != nil {
		return nil, err
	}

	runners := make([]*worker.Runner, 0, len(cfg.Worker.Types))
	for _, wt := range cfg.Worker.Types {
		runners = append(runners, worker.NewRunner(worker.Config{
			WorkerType:     wt,
			Concurrency:    cfg.Worker.Concurrency,
			HandlerTimeout: cfg.Worker.HandlerTimeout,
			MaxRetries:     cfg.Worker.MaxRetries,
			StaleAfter:     cfg.Worker.StaleAfter,
		}, worker.Deps{
			Broker:      rt.Broker,
			Ledger:      rt.Store,
			Emitter:     rt.Emitter,
			Retries:     rt.Retries,
			DeadLetters: rt.DeadLetters,
			Handler:     handlers[wt],
			Logger:      rt.Logger,
		}))
	}
	return runners, nil
}

// RunWorkers starts runners and the retry, reconcile and reclaim loops and
// blocks until ctx is done. Runners are drained before it returns.
func (rt *Runtime) RunWorkers(ctx context.Context, runners []*worker.Runner) error {
	if rt.redis == nil && rt.pool != nil {
		rt.redrive(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, r := range runners {
		if err := r.Start(gctx); err != nil {
			for _, started := range runners {
				started.Stop()
			}
			return err
		}
	}

	g.Go(func() error { return rt.Retries.Run(gctx) })

	reconciler := outbox.NewReconciler(rt.Store, rt.Emitter, outbox.ReconcilerConfig{
		Interval: rt.Config.Worker.ReconcileInterval,
	}, rt.Logger)
	g.Go(func() error { return reconciler.Run(gctx) })

	if rt.redis != nil {
		for _, r := range runners {
			rc := r.Config()
			reclaimer := broker.NewReclaimer(rt.redis, broker.ReclaimerConfig{
				Topic:    rc.Topic,
				Group:    rc.ConsumerGroup,
				Consumer: rc.ConsumerName + "-reclaimer",
				MinIdle:  rt.Config.Worker.StaleAfter,
			}, rt.Logger)
			g.Go(func() error {
				reclaimer.Run(gctx)
				return nil
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		for _, r := range runners {
			r.Stop()
		}
		return nil
	})

	return g.Wait()
}

// redrive republishes events the in-memory broker lost with the previous
// process. It runs before any runner subscribes so no claim is live.
func (rt *Runtime) redrive(ctx context.Context) {
	n, err := outbox.NewRedriver(rt.Store, rt.Emitter, 0, rt.Logger).Run(ctx)
	if err != nil {
		rt.Logger.WarnContext(ctx, "redrive stopped early", "redriven", n, "error", err)
	}
}

// WorkerHealthHandler reports 503 while any runner is stalled.
func WorkerHealthHandler(runners []*worker.Runner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var stalled []domain.WorkerType
		for _, runner := range runners {
			if !runner.Healthy() {
				stalled = append(stalled, runner.Config().WorkerType)
			}
		}
		if len(stalled) > 0 {
			http.Error(w, fmt.Sprintf("stalled workers: %v", stalled), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Close releases the broker, the redis client and the database pool.
func (rt *Runtime) Close() {
	if rt.Broker != nil {
		if err := rt.Broker.Close(); err != nil {
			rt.Logger.Warn("broker close failed", "error", err)
		}
	}
	if rt.redisClient != nil {
		_ = rt.redisClient.Close()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}
