// Package app wires the decision engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/medrex/ehr-access/internal/access"
	"github.com/medrex/ehr-access/internal/audit"
	"github.com/medrex/ehr-access/internal/breakglass"
	"github.com/medrex/ehr-access/internal/identity"
	"github.com/medrex/ehr-access/internal/policy"
	"github.com/medrex/ehr-access/internal/records"
	"github.com/medrex/ehr-access/internal/remediation"
	"github.com/medrex/ehr-access/internal/review"
	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/database"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// Version is stamped at build time
var Version = "dev"

// App holds the wired components of one process
type App struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *database.DB
	Redis     *redis.Client
	Metrics   *monitoring.Metrics
	Tracing   *monitoring.TracingManager
	Health    *monitoring.HealthManager
	Passwords *identity.PasswordManager
	Resolver  *identity.Resolver
	Catalog   *records.Catalog
	Audit     *audit.Writer
	Service   *access.Service
}

type stores struct {
	principals   rbac.PrincipalStore
	decisions    rbac.DecisionStore
	remediations rbac.RemediationStore
	resources    records.Store
}

// New connects the configured backends and builds the enforcement point
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, reg *prometheus.Registry) (*App, error) {
	a := &App{
		Config:    cfg,
		Logger:    log,
		Metrics:   monitoring.NewMetrics(cfg.Monitoring.ServiceName, reg),
		Health:    monitoring.NewHealthManager(cfg.Monitoring.ServiceName, Version),
		Passwords: identity.NewPasswordManager(),
	}

	tracing, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
		Enabled:        cfg.Monitoring.TracingEnabled,
		ServiceName:    cfg.Monitoring.ServiceName,
		ServiceVersion: Version,
		Endpoint:       cfg.Monitoring.OTLPEndpoint,
		Insecure:       true,
		SamplingRate:   cfg.Monitoring.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	a.Tracing = tracing

	st, err := a.openStores(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	reviews, err := a.openReviewQueue(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	rules := policy.DefaultRuleSet()
	if cfg.Access.PolicyFile != "" {
		if rules, err = policy.LoadRules(cfg.Access.PolicyFile); err != nil {
			a.Close(ctx)
			return nil, err
		}
		log.WithField("rules", rules.Len()).WithField("file", cfg.Access.PolicyFile).Info("Loaded policy file")
	}

	tokens := identity.NewTokenManager(cfg.JWT)
	a.Resolver = identity.NewResolver(st.principals, tokens, a.Passwords, identity.SettingsFromConfig(cfg.Access), log, a.Metrics)
	a.Catalog = records.NewCatalog(st.resources)
	a.Audit = audit.NewWriter(st.decisions, audit.OptionsFromConfig(cfg.Audit), log, a.Metrics)

	pdp := policy.NewEngine(rules)
	a.Service = access.NewService(access.Dependencies{
		Identity:    a.Resolver,
		Policy:      pdp,
		BreakGlass:  breakglass.NewHandler(cfg.Access, reviews, log, a.Metrics),
		Audit:       a.Audit,
		Resources:   a.Catalog,
		Remediation: remediation.NewEngine(a.Resolver, pdp, a.Audit, st.remediations, reviews, log, a.Metrics),
		Reviews:     reviews,
		Logger:      log,
		Metrics:     a.Metrics,
		Tracing:     a.Tracing,
	})

	return a, nil
}

func (a *App) openStores(cfg *config.Config) (*stores, error) {
	if cfg.Store == config.BackendMemory {
		a.Logger.Warn("Using in-memory store; decisions are lost on restart")
		return &stores{
			principals:   identity.NewMemoryStore(),
			decisions:    audit.NewMemoryStore(),
			remediations: remediation.NewMemoryStore(),
			resources:    records.NewMemoryStore(),
		}, nil
	}

	db, err := database.NewConnection(&cfg.Database, a.Logger)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.Health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))

	return &stores{
		principals:   identity.NewPrincipalRepository(db),
		decisions:    audit.NewDecisionRepository(db),
		remediations: remediation.NewRepository(db),
		resources:    records.NewResourceRepository(db),
	}, nil
}

func (a *App) openReviewQueue(ctx context.Context, cfg *config.Config) (rbac.ReviewQueue, error) {
	if !cfg.Redis.Enabled {
		return review.NewMemoryQueue(), nil
	}

	client, err := review.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.Redis = client

	queue := review.NewRedisQueue(client, cfg.Redis.QueueKey)
	a.Health.RegisterChecker("review_queue", monitoring.PingHealthChecker("redis", queue.Ping))
	return queue, nil
}

// Migrate creates the schema on the configured database
func (a *App) Migrate(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.CreateSchema(ctx)
}

// Handler builds the HTTP surface, including the rate limiter when enabled
func (a *App) Handler(ctx context.Context) (*access.Handler, error) {
	proxies, err := a.Config.Server.TrustedProxyNets()
	if err != nil {
		return nil, err
	}

	var limiter *access.RateLimiter
	if a.Config.RateLimit.Enabled {
		limiter = access.NewRateLimiterFromConfig(a.Config.RateLimit)
		limiter.StartCleanup(ctx, time.Duration(a.Config.RateLimit.CleanupInterval)*time.Second)
	}

	return access.NewHandler(a.Service, access.HandlerOptions{
		Limiter:        limiter,
		Health:         a.Health,
		Metrics:        a.Metrics,
		Tracing:        a.Tracing,
		MetricsPath:    a.Config.Monitoring.MetricsPath,
		HealthPath:     a.Config.Monitoring.HealthPath,
		TrustedProxies: proxies,
	}, a.Logger), nil
}

// Close drains the audit writer, then releases connections
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Audit != nil {
		if err := a.Audit.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit writer: %w", err))
		}
	}
	if a.Tracing != nil {
		if err := a.Tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
