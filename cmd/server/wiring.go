package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"companyhub/internal/aggregator"
	"companyhub/internal/changes"
	"companyhub/internal/platform/config"
	"companyhub/internal/platform/metrics"
	"companyhub/internal/platform/postgres"
	"companyhub/internal/platform/redis"
	"companyhub/internal/platform/workerpool"
	"companyhub/internal/providers"
	"companyhub/internal/providers/iban"
	"companyhub/internal/providers/mf"
	"companyhub/internal/providers/regon"
	"companyhub/internal/providers/vies"
	"companyhub/internal/ratelimit/service"
	"companyhub/internal/ratelimit/store/bucket"
	"companyhub/internal/scheduler"
	"companyhub/internal/snapshot"
	httptransport "companyhub/internal/transport/http"
	"companyhub/internal/webhook"
	"companyhub/pkg/platform/circuit"
)

type app struct {
	aggregator *aggregator.Service
	scheduler  *scheduler.Scheduler
	health     map[string]httptransport.HealthCheck
	closers    []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp selects Redis and PostgreSQL backed stores when configured and
// in-memory ones otherwise.
func buildApp(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*app, error) {
	a := &app{health: map[string]httptransport.HealthCheck{}}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fail(err)
	}
	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return fail(err)
	}
	if rdb != nil {
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.health["redis"] = rdb.Health
	}
	if db != nil {
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.health["postgres"] = db.PingContext
		if cfg.Postgres.MigrateOnStart {
			if err := postgres.Migrate(db); err != nil {
				return fail(err)
			}
		}
	}

	snapshots := snapshotStore(cfg, rdb, db)
	buckets := bucketStore(rdb)

	limiterOpts, err := service.ConfigOptions(cfg.RateLimit, cfg.Providers)
	if err != nil {
		return fail(err)
	}
	limiter, err := service.New(buckets, append(limiterOpts, service.WithLogger(log), service.WithMetrics(m))...)
	if err != nil {
		return fail(err)
	}

	registry, err := connectors(cfg.Providers)
	if err != nil {
		return fail(err)
	}

	var changeLog changes.Log = changes.NewInMemoryLog()
	var subs webhook.SubscriptionStore = webhook.NewInMemorySubscriptionStore()
	var tasks webhook.TaskStore = webhook.NewInMemoryTaskStore()
	var deliveryOpts []webhook.Option
	if db != nil {
		changeLog = changes.NewPostgresLog(db)
		subs = webhook.NewPostgresSubscriptionStore(db)
		tasks = webhook.NewPostgresTaskStore(db)
		deliveryOpts = append(deliveryOpts, webhook.WithTransactor(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return postgres.RunInTx(ctx, db, fn)
		}))
	}

	recorderOpts := []changes.RecorderOption{changes.WithLogger(log), changes.WithMetrics(m)}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := changes.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ChangeTopic)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, pub.Close)
		a.health["kafka"] = pub.Health
		if err := pub.EnsureTopic(ctx, cfg.Kafka.Partitions, 1); err != nil {
			log.Warn("could not ensure change topic", "topic", cfg.Kafka.ChangeTopic, "error", err)
		}
		recorderOpts = append(recorderOpts, changes.WithPublisher(pub))
	}
	recorder := changes.NewRecorder(changes.NewDetector(nil), changeLog, recorderOpts...)

	pool := workerpool.New(cfg.Aggregator.WorkerPoolSize)
	deliveryOpts = append(deliveryOpts,
		webhook.WithPool(pool),
		webhook.WithLogger(log),
		webhook.WithMetrics(m),
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.RequestTimeout}),
		webhook.WithSigner(webhook.NewSigner(cfg.Webhook.Issuer, 0)),
		webhook.WithBackoff(webhook.NewBackoff(cfg.Webhook.InitialBackoff, cfg.Webhook.MaxBackoff)),
		webhook.WithPacing(cfg.Webhook.PerSecond),
		webhook.WithMaxAttempts(cfg.Webhook.MaxAttempts),
		webhook.WithStaleAfter(cfg.Webhook.StaleAfter),
		webhook.WithClaimBatch(cfg.Webhook.ClaimBatch),
	)
	dispatcher, err := webhook.NewDispatcher(subs, tasks, deliveryOpts...)
	if err != nil {
		return fail(err)
	}

	agg, err := aggregator.New(registry, snapshots, limiter,
		aggregator.WithLogger(log),
		aggregator.WithMetrics(m),
		aggregator.WithRecorder(recorder),
		aggregator.WithNotifier(dispatcher),
		aggregator.WithPool(pool),
		aggregator.WithTTLPolicy(snapshot.TTLPolicy{
			Default:     cfg.Cache.DefaultTTL,
			BankAccount: cfg.Cache.BankAccountTTL,
			Uniform:     cfg.Cache.UniformTTL,
		}),
		aggregator.WithTimeouts(cfg.Providers.CallTimeout, cfg.Providers.RequestTimeout),
		aggregator.WithDispositionScope(aggregator.DispositionScope(cfg.Aggregator.DispositionScope)),
		aggregator.WithBreakerOptions(
			circuit.WithFailureThreshold(cfg.Breaker.FailureThreshold),
			circuit.WithWindow(cfg.Breaker.Window),
			circuit.WithCooldown(cfg.Breaker.Cooldown),
		),
	)
	if err != nil {
		return fail(err)
	}
	a.aggregator = agg

	sched, err := scheduler.New(agg, dispatcher, subs, snapshots,
		scheduler.WithLogger(log),
		scheduler.WithProviders(registry.Names()...),
	)
	if err != nil {
		return fail(err)
	}
	a.scheduler = sched
	return a, nil
}

func snapshotStore(cfg config.Config, rdb *redis.Client, db *sql.DB) snapshot.Store {
	switch {
	case rdb != nil:
		return snapshot.NewRedisStore(rdb.Client, cfg.Cache.StaleRetention)
	case db != nil:
		return snapshot.NewPostgresStore(db)
	default:
		return snapshot.NewInMemoryStore()
	}
}

func bucketStore(rdb *redis.Client) service.BucketStore {
	if rdb == nil {
		return bucket.New()
	}
	return bucket.NewRedis(rdb.Client)
}

func connectors(p config.Providers) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	for _, c := range []providers.Connector{
		regon.New(p.Regon.BaseURL, p.Regon.APIKey, p.CallTimeout),
		mf.New(p.MF.BaseURL, p.CallTimeout),
		vies.New(p.VIES.BaseURL, p.CallTimeout),
		iban.New(p.IBAN.BaseURL, p.IBAN.APIKey, p.CallTimeout),
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register %s connector: %w", c.Name(), err)
		}
	}
	return registry, nil
}
