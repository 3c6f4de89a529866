package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"cybersentinel/pkg/agents"
	"cybersentinel/pkg/auth"
	"cybersentinel/pkg/broadcast"
	"cybersentinel/pkg/circuitbreaker"
	"cybersentinel/pkg/database"
	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/inference"
	"cybersentinel/pkg/metrics"
	"cybersentinel/pkg/orchestrator"
	"cybersentinel/pkg/policy"
	"cybersentinel/pkg/ratelimit"
	"cybersentinel/pkg/reasoning"
	"cybersentinel/pkg/schema"
	"cybersentinel/pkg/structlog"
	"cybersentinel/shared/config"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    *config.Config
	logger *structlog.Logger

	gatherer *prometheus.Registry
	metrics  *metrics.Pipeline

	db    *database.Database
	store incident.Store
	redis *redis.Client

	registry  *broadcast.Registry
	relay     *broadcast.RedisRelay
	publisher broadcast.Publisher

	tokens     *auth.TokenManager
	limiter    ratelimit.Limiter
	guard      *policy.PlanGuard
	orch       *orchestrator.Orchestrator
	dispatcher *orchestrator.Dispatcher
}

func buildApp(ctx context.Context, cfg *config.Config, logger *structlog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			_ = a.Close()
		}
	}()

	a.gatherer = prometheus.NewRegistry()
	a.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewPipeline(a.gatherer)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.registry = broadcast.NewRegistry(broadcast.WithLogger(logger), broadcast.WithMetrics(a.metrics))
	a.publisher = a.registry
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.relay = broadcast.NewRedisRelay(a.redis, a.registry, logger)
		a.publisher = a.relay
	}

	var err error
	if cfg.Auth.Secret != "" {
		var revocations auth.RevocationStore
		if a.redis != nil {
			revocations = auth.NewRedisRevocations(a.redis)
		}
		a.tokens, err = auth.NewTokenManager(auth.Config{
			Secret:      cfg.Auth.Secret,
			Issuer:      cfg.Auth.Issuer,
			TTL:         cfg.Auth.TokenTTL,
			Revocations: revocations,
		})
		if err != nil {
			return nil, err
		}
	}

	if n := cfg.RateLimit.Requests; n > 0 {
		if a.redis != nil {
			a.limiter = ratelimit.NewRedisLimiter(a.redis, n, cfg.RateLimit.Window, logger)
		} else {
			a.limiter = ratelimit.NewLocalLimiter(n, cfg.RateLimit.Window)
		}
	}

	reasoner, err := newReasoner(cfg.Reasoning)
	if err != nil {
		return nil, err
	}
	if n := cfg.Reasoning.BreakerFailures; n > 0 {
		reasoner = inference.Guarded(reasoner, circuitbreaker.NewCircuitBreaker(cfg.Reasoning.Provider, circuitbreaker.Settings{
			FailureThreshold: uint32(n),
			Timeout:          cfg.Reasoning.BreakerCooldown,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				a.metrics.BreakerTransition(to.String())
				logger.Warn("reasoning breaker changed state", structlog.Fields{
					"provider": name, "from": from.String(), "to": to.String(),
				})
			},
		}))
	}
	gateway := inference.NewGateway(reasoner,
		inference.WithPolicy(reasoningPolicy(cfg.Reasoning)),
		inference.WithLogger(logger),
		inference.WithMetrics(a.metrics),
	)

	if cfg.Policy.Enabled {
		if a.guard, err = policy.LoadPlanGuard(ctx, cfg.Policy.Path); err != nil {
			return nil, fmt.Errorf("load plan policy: %w", err)
		}
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	deps := agents.Deps{Caller: gateway, Validator: validator, Logger: logger, Metrics: a.metrics}
	a.orch, err = orchestrator.New(orchestrator.Deps{
		Store:      a.store,
		Assembler:  reasoning.NewAssembler(a.store, reasoning.WithWindow(cfg.Reasoning.EventWindow)),
		Hypotheses: agents.NewHypothesisRunner(deps),
		Planner:    agents.NewPlanRunner(deps),
		Critic:     agents.NewCritiqueRunner(deps, a.guard),
		Validator:  validator,
		Publisher:  a.publisher,
		Logger:     logger,
		Metrics:    a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.dispatcher = orchestrator.NewDispatcher(a.orch, cfg.Dispatcher.Concurrency, logger)
	built = true
	return a, nil
}

// openStore selects Postgres when a database URL is configured and the
// in-memory store otherwise.
func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.logger.Warn("no database configured, incidents are kept in memory", nil)
		a.store = incident.NewMemoryStore()
		return nil
	}
	db, err := database.Open(ctx, databaseConfig(a.cfg.Database), a.logger)
	if err != nil {
		return err
	}
	a.db = db
	if a.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(ctx, db); err != nil {
			return err
		}
	}
	a.store = database.NewPostgresStore(db)
	return nil
}

// Ping reports database connectivity for the health endpoint.
func (a *app) Ping(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// syncSlack covers persistence and broadcasts around the reasoning calls.
const syncSlack = 30 * time.Second

func reasoningPolicy(c config.ReasoningConfig) inference.Policy {
	p := inference.DefaultPolicy()
	p.MaxAttempts = c.Attempts
	p.AttemptTimeout = c.Timeout
	return p
}

// applyServerTimeouts sizes an unset sync timeout for a run in which every
// attempt of every stage times out, and keeps the write timeout above it.
func applyServerTimeouts(cfg *config.Config) {
	if cfg.Server.SyncTimeout <= 0 {
		cfg.Server.SyncTimeout = runBudget(cfg.Reasoning) + syncSlack
	}
	if w := cfg.Server.SyncTimeout + syncSlack; cfg.Server.WriteTimeout > 0 && cfg.Server.WriteTimeout < w {
		cfg.Server.WriteTimeout = w
	}
}

// runBudget is the worst-case reasoning time of one full run.
func runBudget(c config.ReasoningConfig) time.Duration {
	return time.Duration(orchestrator.MaxStageCalls) * reasoningPolicy(c).Budget()
}

func databaseConfig(c config.DatabaseConfig) database.Config {
	return database.Config{DSN: c.URL, MaxOpenConns: c.MaxOpenConns}
}

func newReasoner(c config.ReasoningConfig) (inference.Reasoner, error) {
	switch strings.ToLower(c.Provider) {
	case config.ProviderGemini:
		return inference.NewGeminiReasoner(inference.GeminiConfig{
			Endpoint: c.Endpoint,
			Model:    c.Model,
			APIKey:   c.APIKey,
			Timeout:  c.Timeout,
		}), nil
	case config.ProviderBedrock:
		return inference.NewBedrockReasoner(inference.BedrockConfig{
			Region:    c.Region,
			ModelID:   c.Model,
			MaxTokens: int32(c.MaxTokens),
		}), nil
	case config.ProviderStatic, "":
		return inference.NewStaticReasoner(), nil
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", c.Provider)
	}
}
