package main

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/demand"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/events"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/indicator"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/matrix"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/metrics"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/routing"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/tasks"
)

// appEnv holds the components shared by the commands.
type appEnv struct {
	Pool          *pgxpool.Pool
	Bus           *events.Bus
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Locker        *proclock.Locker
	Tasks         *proclock.TaskLog
	Fresh         *demand.Freshness
	Demand        *demand.Resolver
	Aggregator    *demand.Aggregator
	Disaggregator *demand.Disaggregator
	// Bridge is set when Redis is enabled. Local events are forwarded to
	// it; serve also runs it to receive remote events.
	Bridge *events.RedisBridge

	redis *redis.Client
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "parse database url")
	}
	if cfg.Store.MaxConns > 0 {
		pcfg.MaxConns = cfg.Store.MaxConns
	}
	if cfg.Store.MinConns > 0 {
		pcfg.MinConns = cfg.Store.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, eris.Wrap(err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping database")
	}
	return pool, nil
}

// initEnv validates the config for mode and wires the shared components.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pool, err := openPool(ctx)
	if err != nil {
		return nil, err
	}

	lang, err := language.Parse(cfg.Population.Language)
	if err != nil {
		pool.Close()
		return nil, eris.Wrapf(err, "population.language %q", cfg.Population.Language)
	}

	env := &appEnv{
		Pool:     pool,
		Bus:      events.NewBus(),
		Registry: prometheus.NewRegistry(),
		Locker:   proclock.NewLocker(pool),
		Tasks:    proclock.NewTaskLog(pool),
		Fresh:    demand.NewFreshness(pool),
	}
	env.Metrics = metrics.New(env.Registry)
	env.Fresh.Subscribe(env.Bus)
	env.Demand = demand.NewResolver(pool, env.Fresh)
	env.Aggregator = demand.NewAggregator(pool, env.Bus)
	env.Disaggregator = demand.NewDisaggregator(pool, env.Fresh, env.Aggregator, lang)

	if cfg.Redis.Enabled {
		env.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		env.Bridge = events.NewRedisBridge(env.redis, cfg.Redis.Channel, env.Bus)
		env.Bus.Forward(env.Bridge)
	}
	return env, nil
}

// Close releases the connections.
func (e *appEnv) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			zap.L().Warn("close redis", zap.Error(err))
		}
	}
	e.Pool.Close()
}

// Builder creates the matrix builder talking to the configured router.
func (e *appEnv) Builder() (*matrix.Builder, error) {
	settings, err := matrix.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	retry := routing.DefaultRetryConfig()
	retry.MaxAttempts = max(cfg.Routing.MaxRetries, 1)
	router := routing.NewClient(cfg.Routing.BaseURL,
		routing.WithManagerURL(cfg.Routing.ManagerURL),
		routing.WithRateLimit(cfg.Routing.RateLimit),
		routing.WithRetry(retry),
		routing.WithHTTPClient(&http.Client{Timeout: cfg.Routing.Timeout()}),
	)

	return matrix.NewBuilder(e.Pool, e.Locker, settings,
		matrix.WithRouter(router),
		matrix.WithPublisher(e.Bus),
		matrix.WithMetrics(e.Metrics),
	), nil
}

// Engine creates the indicator engine with its result cache subscribed to
// the bus.
func (e *appEnv) Engine() *indicator.Engine {
	reg := indicator.NewRegistry(indicator.Deps{Pool: e.Pool, Demand: e.Demand})
	eng := indicator.NewEngine(reg, indicator.NewCache(cfg.Indicator.CacheTTL()), e.Metrics, cfg.Indicator.LegendClasses)
	eng.Subscribe(e.Bus)
	return eng
}

// Activities creates the background job bodies.
func (e *appEnv) Activities() (*tasks.Activities, error) {
	b, err := e.Builder()
	if err != nil {
		return nil, err
	}
	return tasks.NewActivities(b, e.Aggregator, e.Disaggregator, e.Locker, e.Tasks), nil
}
