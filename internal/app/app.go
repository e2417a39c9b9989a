// Package app wires configuration into the long-lived services that make up
// the audit orchestrator and owns their shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/admission"
	collyanalyzer "github.com/Nimrod-Galor/Domain-Audit-sub015/internal/analyzer/colly"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/api"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/clock/system"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/config"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/executor"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/id/token"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/metrics"
	memorypublisher "github.com/Nimrod-Galor/Domain-Audit-sub015/internal/publisher/memory"
	pubsubpublisher "github.com/Nimrod-Galor/Domain-Audit-sub015/internal/publisher/pubsub"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/resolver"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/session"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/storage/gcs"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/storage/local"
	memorystorage "github.com/Nimrod-Galor/Domain-Audit-sub015/internal/storage/memory"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/storage/postgres"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/tier"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/usage"
)

// App holds the wired services and owns their lifecycle.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *session.Registry
	executor *executor.Executor
	server   *http.Server
	closers  []func() error
}

// New builds the service graph from cfg. It fails fast: any collaborator
// that cannot be constructed aborts startup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	clock := system.New()

	pool, err := a.openPool(ctx)
	if err != nil {
		return nil, err
	}

	ledger, err := a.buildLedger(pool, clock)
	if err != nil {
		return nil, err
	}
	catalog, err := a.buildCatalog(pool)
	if err != nil {
		return nil, err
	}
	store, err := a.buildAuditStore(pool)
	if err != nil {
		return nil, err
	}
	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	a.registry = session.NewRegistry(session.Config{
		TTL:           time.Duration(cfg.Sessions.TTLMinutes) * time.Minute,
		MaxSessions:   cfg.Sessions.MaxSessions,
		SweepInterval: time.Duration(cfg.Sessions.SweepIntervalSeconds) * time.Second,
		WatchBuffer:   cfg.Sessions.WatchBuffer,
	}, clock, token.NewSessionGenerator(), logger.Named("session"))

	analyzer := collyanalyzer.New(collyanalyzer.Config{
		UserAgent:   cfg.Analyzer.UserAgent,
		Parallelism: cfg.Analyzer.Parallelism,
		Delay:       time.Duration(cfg.Analyzer.DelayMs) * time.Millisecond,
		LinkTimeout: time.Duration(cfg.Analyzer.LinkTimeoutSeconds) * time.Second,
	}, logger.Named("analyzer"))

	a.executor = executor.New(
		a.registry,
		analyzer,
		store,
		blobs,
		publisher,
		token.NewAuditGenerator(),
		clock,
		executor.Config{
			MaxConcurrent: cfg.Audits.MaxConcurrent,
			JobTimeout:    cfg.JobTimeout(),
			ArchivePrefix: cfg.Audits.ArchivePrefix,
			EventTopic:    cfg.Audits.EventTopic,
		},
		logger.Named("executor"),
	)

	controller := admission.New(catalog, ledger, logger.Named("admission"))
	res := resolver.New(a.registry, ledger, catalog, logger.Named("resolver"))

	apiServer := api.NewServer(a.registry, controller, a.executor, res, store, catalog, api.Config{
		RequestTimeout:  cfg.RequestTimeout(),
		AuthEnabled:     cfg.Auth.Enabled,
		APIKey:          cfg.Auth.APIKey,
		DefaultMaxPages: cfg.Audits.DefaultMaxPages,
		DefaultMaxLinks: cfg.Audits.DefaultMaxLinks,
		HistoryLimit:    cfg.Audits.HistoryLimit,
	}, logger.Named("api"))

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

// Run serves HTTP until ctx is canceled, then drains in-flight audits.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	budget := time.Duration(a.cfg.Audits.ShutdownBudgetSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.executor.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("executor shutdown error", zap.Error(err))
	}
	a.registry.Close()
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if !a.needsDB() {
		return nil, nil
	}
	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeMinute) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	return pool, nil
}

func (a *App) needsDB() bool {
	return a.cfg.Audits.TierSource == "postgres" ||
		a.cfg.Audits.LedgerSource == "postgres" ||
		a.cfg.Audits.AuditStoreSource == "postgres"
}

func (a *App) buildLedger(pool *pgxpool.Pool, clock audit.Clock) (usage.Ledger, error) {
	switch a.cfg.Audits.LedgerSource {
	case "postgres":
		return postgres.NewUsageLedger(pool, a.cfg.Audits.UsageLedgerTable, clock)
	case "memory", "":
		return memorystorage.NewUsageLedger(clock), nil
	default:
		return nil, fmt.Errorf("unknown ledger source %q", a.cfg.Audits.LedgerSource)
	}
}

func (a *App) buildCatalog(pool *pgxpool.Pool) (tier.Catalog, error) {
	switch a.cfg.Audits.TierSource {
	case "postgres":
		return postgres.NewTierCatalog(pool, a.cfg.Audits.UserTierTable, a.logger.Named("tiers"))
	case "static", "":
		return tier.NewStaticCatalog(), nil
	default:
		return nil, fmt.Errorf("unknown tier source %q", a.cfg.Audits.TierSource)
	}
}

func (a *App) buildAuditStore(pool *pgxpool.Pool) (audit.Store, error) {
	switch a.cfg.Audits.AuditStoreSource {
	case "postgres":
		return postgres.NewAuditStore(pool, a.cfg.Audits.AuditTable)
	case "memory", "":
		return memorystorage.NewAuditStore(), nil
	default:
		return nil, fmt.Errorf("unknown audit store source %q", a.cfg.Audits.AuditStoreSource)
	}
}

func (a *App) buildBlobStore(ctx context.Context) (audit.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
	case "memory", "":
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", a.cfg.Storage.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context) (audit.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}
