package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signal-engine/internal/api"
	"signal-engine/internal/balance"
	"signal-engine/internal/credential"
	"signal-engine/internal/eligibility"
	"signal-engine/internal/engine"
	"signal-engine/internal/events"
	"signal-engine/internal/gateway"
	"signal-engine/internal/ledger"
	"signal-engine/internal/marketgate"
	"signal-engine/internal/monitor"
	"signal-engine/internal/order"
	"signal-engine/internal/persistence"
	"signal-engine/internal/reconciliation"
	"signal-engine/internal/retry"
	ingest "signal-engine/internal/signal"
	"signal-engine/internal/supervisor"
	"signal-engine/pkg/cache"
	"signal-engine/pkg/config"
	"signal-engine/pkg/crypto"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet.
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.Init(logger.Options{Dir: cfg.LogDir, Debug: cfg.LogDebug}); err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Named("main")

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	if err := run(cfg, buildVersion, log); err != nil {
		log.Error("signal engine stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	log.Info("signal engine stopped")
}

func run(cfg *config.Config, version string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.DBPath); dir != "." && cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}
	if err := db.VerifySchema(database); err != nil {
		return err
	}

	keys, err := crypto.KeyringFromEnv("MASTER_ENCRYPTION_KEY")
	if err != nil {
		return err
	}

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	(&monitor.Monitor{Bus: bus, Metrics: metrics, Log: logger.Named("monitor")}).Start(ctx)

	audit := persistence.NewAuditWriter(database, 100, time.Second, nil)
	defer audit.Close()

	retryPolicy := retry.Policy{
		Base:       cfg.RetryBase,
		Factor:     cfg.RetryFactor,
		Cap:        cfg.RetryCap,
		MaxRetries: cfg.RetryMaxRetries,
	}

	// Credentials and venue clients
	registry := credential.NewRegistry(database, keys, bus, credential.Config{
		TTL:     cfg.RegistryCacheTTL,
		MaxSize: cfg.RegistryCacheSize,
	}, nil)
	registry.Start(ctx)

	pool := gateway.NewManager(registry, cfg.Policy, gateway.NewClientFactory(ctx, cfg.CallTimeout, nil), gateway.DefaultConfig(), nil)
	pool.Start(ctx)
	defer pool.Stop()
	registry.OnFlag(pool.RemoveCredential)

	// Market gate
	gate := marketgate.New(database, cfg.Policy.MarketGate, bus, nil)
	if err := gate.Load(ctx); err != nil {
		return err
	}

	// Balances
	var fetch balance.Fetcher
	if cfg.BalanceFromVenue {
		fetch = balance.VenueFetcher(pool, cfg.QuoteCoin, retryPolicy)
	}
	balances := balance.NewManager(database, fetch, cfg.BalanceTTL, nil)

	// Signal path
	resolver := eligibility.New(database, gate, balances, cfg.Policy.Sizing, audit, bus, nil)
	executor := order.NewExecutor(database, pool, registry, audit, bus, metrics, order.Config{
		QueueSize:        cfg.CredentialQueueSize,
		RPS:              cfg.CredentialRPS,
		CallTimeout:      cfg.CallTimeout,
		FillPollAttempts: cfg.FillPollAttempts,
		FillPollInterval: cfg.FillPollInterval,
		Retry:            retryPolicy,
	}, nil)
	defer executor.Close()

	sup := supervisor.New(database, pool, executor, cache.NewShardedPriceCache(cfg.PriceCacheTTL), bus, metrics, supervisor.Config{
		Interval:    cfg.PollInterval,
		Jitter:      cfg.PollJitter,
		MaxHold:     cfg.MaxHoldDuration,
		CallTimeout: cfg.CallTimeout,
	}, nil)
	sup.Start(ctx)
	defer sup.Stop()
	executor.SetSupervisor(sup)
	if _, err := sup.Resume(ctx); err != nil {
		return err
	}

	pipeline := engine.NewPipeline(database, resolver, executor, sup, cfg.PipelineWorkers, metrics, nil)
	pipeline.Start(ctx)
	defer pipeline.Wait()

	svc := engine.NewImpl(engine.Config{
		DB:         database,
		Ingest:     ingest.NewGateway(database, cfg.WebhookToken, cfg.SignalTTL, bus, nil),
		Pipeline:   pipeline,
		Supervisor: sup,
		Registry:   registry,
		Gate:       gate,
		Forget:     []func(string){pool.RemoveByUser, balances.Remove},
		Metrics:    metrics,
		Version:    version,
	})

	server := api.NewServer(svc, database, bus, metrics, api.Options{
		JWTSecret: cfg.JWTSecret,
		FeedToken: cfg.MarketFeedToken,
	}, nil)
	httpServer := server.HTTPServer(":" + cfg.Port)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("api listening", zap.String("addr", httpServer.Addr), zap.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return ledger.New(database, cfg.Policy.Commission, bus, nil).Run(gctx, cfg.LedgerInterval)
	})
	g.Go(func() error {
		return reconciliation.NewService(database, pool, sup, bus, cfg.QuoteCoin, cfg.ReconcileInterval, nil).Run(gctx)
	})
	if cfg.MarketFeedURL != "" {
		g.Go(func() error {
			return (&marketgate.Poller{URL: cfg.MarketFeedURL, Interval: cfg.MarketFeedInterval, Gate: gate, Log: logger.Named("marketgate")}).Run(gctx)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.SetGatewayPoolStats(pool.Stats())
				metrics.SetAuditStats(audit.Stats())
				balances.CleanupIdle(time.Hour)
			}
		}
	})

	err = g.Wait()
	log.Info("shutting down", zap.Int("supervised", sup.Supervised()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
