package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/grainhero/accesscore/internal/auth"
	"github.com/grainhero/accesscore/internal/billing"
	"github.com/grainhero/accesscore/internal/config"
	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/reconciliation"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
	"github.com/grainhero/accesscore/internal/usage"
	"github.com/grainhero/accesscore/internal/webhooks"
)

// deps are the stores and services a command operates on.
type deps struct {
	cfg      *config.Config
	db       *sql.DB
	tenants  tenant.Store
	subs     subscription.Store
	events   webhooks.EventStore
	uow      webhooks.UnitOfWork
	counter  usage.Counter
	catalog  *plans.Catalog
	gateway  billing.Gateway
	notifier usage.Notifier
	logger   *slog.Logger
}

// loader builds deps for one command invocation.
type loader func(ctx context.Context) (*deps, error)

func (d *deps) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *deps) policy() subscription.AccessPolicy {
	return subscription.AccessPolicy{GrantPastDue: d.cfg.PastDueGrantsAccess}
}

func (d *deps) machine() *subscription.Machine {
	return subscription.NewMachine(d.tenants, d.subs, d.catalog).WithPolicy(d.policy())
}

func (d *deps) meter() *usage.Meter {
	return usage.NewMeter(d.subs, d.counter).WithThreshold(d.cfg.UsageWarnThreshold)
}

func (d *deps) processor() *webhooks.Processor {
	return webhooks.NewProcessor(d.cfg.StripeWebhookSecret, d.events, d.uow, d.machine(), d.gateway).
		WithUsage(d.meter())
}

func (d *deps) scheduler() *usage.Scheduler {
	return usage.NewScheduler(d.meter(), d.subs, d.tenants, d.notifier, d.logger)
}

func (d *deps) reconciler() *reconciliation.Runner {
	return reconciliation.NewRunner(d.subs, d.tenants, d.processor(), d.policy())
}

func (d *deps) authManager() (*auth.Manager, error) {
	if d.cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required to issue tokens")
	}
	return auth.NewManager(d.cfg.JWTSecret, d.cfg.JWTIssuer, d.tenants), nil
}

// loadFromEnv connects to the database named by DATABASE_URL. The CLI has
// no in-memory mode: there would be nothing to operate on.
func loadFromEnv(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	logger := logging.New(cfg.LogLevel, "text")

	catalog := plans.Default()
	if cfg.PlanCatalogPath != "" {
		if catalog, err = plans.Load(cfg.PlanCatalogPath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	d := &deps{
		cfg:      cfg,
		db:       db,
		tenants:  tenant.NewPostgresStore(db),
		subs:     subscription.NewPostgresStore(db),
		events:   webhooks.NewPostgresStore(db),
		uow:      webhooks.NewPostgresUnitOfWork(db),
		catalog:  catalog,
		gateway:  billing.DisabledGateway{},
		notifier: usage.NewLogNotifier(logger),
		logger:   logger,
	}

	counter := usage.NewPostgresCounter(db)
	if cfg.UploadsBucket != "" {
		sizer, err := usage.NewS3SizerFromEnv(ctx, cfg.AWSRegion, cfg.UploadsBucket)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		counter.WithSizer(sizer)
	}
	d.counter = counter

	if cfg.StripeSecretKey != "" {
		d.gateway = billing.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeTimeout)
	}
	if cfg.SendGridAPIKey != "" {
		d.notifier = usage.NewEmailNotifier(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName)
	}
	return d, nil
}
