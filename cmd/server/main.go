package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maristack/pelorus/internal/api"
	"github.com/maristack/pelorus/internal/api/handlers"
	"github.com/maristack/pelorus/internal/bus"
	"github.com/maristack/pelorus/internal/clients/enhance"
	"github.com/maristack/pelorus/internal/clients/incidentstore"
	"github.com/maristack/pelorus/internal/clients/metricstore"
	"github.com/maristack/pelorus/internal/clients/policy"
	"github.com/maristack/pelorus/internal/clients/registry"
	"github.com/maristack/pelorus/internal/clients/weather"
	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/correlate"
	"github.com/maristack/pelorus/internal/detect"
	"github.com/maristack/pelorus/internal/enrich"
	"github.com/maristack/pelorus/internal/incident"
	"github.com/maristack/pelorus/internal/remediate"
	"github.com/maristack/pelorus/internal/tracing"
	"github.com/maristack/pelorus/pkg/cache"
	"github.com/maristack/pelorus/pkg/logger"
)

// dedupTTL bounds how long tracking-ID dedup keys live in the cache. Twice
// the correlation window is enough to absorb any redelivery burst.
const dedupTTL = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log := logger.New(cfg.LogLevel)
	log.Info("Starting pelorus-core",
		"environment", cfg.Environment,
		"port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, log)
	if err != nil {
		log.Fatal("Failed to set up tracing", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	// Shared cache: dedup keys, rate limits. Falls back to in-memory when
	// Valkey is unreachable so a cache outage never blocks startup.
	valkeyCache, err := cache.NewValkeySingle(cfg.Cache.Addr, cfg.Cache.DB, cfg.Cache.Password,
		time.Duration(cfg.Cache.TTL)*time.Second)
	if err != nil {
		log.Warn("Valkey unavailable, using in-process cache", "error", err)
		valkeyCache = cache.NewNoopValkeyCache(log)
	}

	gateway, err := bus.NewGateway(cfg.Bus, valkeyCache, log, dedupTTL)
	if err != nil {
		log.Fatal("Failed to connect to message bus", "error", err)
	}
	defer gateway.Close()

	repo, err := incidentstore.New(cfg.IncidentStore.DSN, cfg.IncidentStore.Table, log)
	if err != nil {
		log.Fatal("Failed to connect to incident store", "error", err)
	}
	defer repo.Close()

	search, err := incident.NewSearch()
	if err != nil {
		log.Fatal("Failed to create incident search index", "error", err)
	}
	defer search.Close()

	metrics := metricstore.NewClient(cfg.MetricsStore, log)
	reg := registry.NewClient(cfg.DeviceRegistry, log)
	weatherClient := weather.NewClient(cfg.Weather, log)
	policyClient := policy.NewClient(cfg.Policy, log)
	enhanceClient := enhance.NewClient(cfg.Enhancement, log)

	stream := incident.NewStream(log)
	defer stream.Close()

	if cfg.Correlator.RunbookFile != "" {
		if err := correlate.LoadRunbookOverrides(cfg.Correlator.RunbookFile); err != nil {
			log.Fatal("Failed to load runbook overrides", "error", err)
		}
	}

	detector := detect.New(cfg, gateway, metrics, reg, log)
	enricher := enrich.New(gateway, reg, weatherClient, metrics, enhanceClient, log)
	correlator := correlate.New(gateway, valkeyCache, cfg.CorrelatorWindow(), cfg.CorrelatorIdleClose(), log)
	writer := incident.NewWriter(gateway, repo, reg, search, stream, log)
	engine := remediate.NewEngine(cfg, gateway, policyClient, log)

	server := api.NewServer(cfg, log, api.Deps{
		Repo:   repo,
		Writer: writer,
		Search: search,
		Stream: stream,
		Engine: engine,
		Cache:  valkeyCache,
		Health: map[string]handlers.HealthChecker{
			"bus":            gateway,
			"incident_store": repo,
		},
		Checks: map[string]handlers.HealthChecker{
			"cache":           valkeyCache,
			"metrics_store":   metrics,
			"device_registry": reg,
			"weather":         weatherClient,
			"policy_engine":   policyClient,
			"enhancement":     enhanceClient,
		},
	})

	// Threshold-table edits apply without a restart.
	watcher := config.NewWatcher("configs/config.yaml", cfg, log)
	watcher.OnReload(detector.ApplyConfig)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return detector.Run(runCtx) })
	g.Go(func() error { return enricher.Run(runCtx) })
	g.Go(func() error { return correlator.Run(runCtx) })
	g.Go(func() error { return writer.Run(runCtx) })
	g.Go(func() error { return engine.Run(runCtx) })
	g.Go(func() error { return server.Start(runCtx) })
	g.Go(func() error { return watcher.Start(runCtx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal("Component failed", "error", err)
	}
	log.Info("pelorus-core stopped")
}
