package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mmcdole/shopsync/internal/adapter"
	"github.com/mmcdole/shopsync/internal/adapter/remote"
	"github.com/mmcdole/shopsync/internal/background"
	"github.com/mmcdole/shopsync/internal/cache"
	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/mmcdole/shopsync/internal/network"
	"github.com/mmcdole/shopsync/internal/service"
	"github.com/mmcdole/shopsync/internal/store"
	"github.com/mmcdole/shopsync/internal/syncer"
	"github.com/mmcdole/shopsync/internal/syncqueue"
	"github.com/mmcdole/shopsync/internal/telemetry"
)

// app is the fully wired sync layer for one process
type app struct {
	cfg       *adapter.Config
	logger    *slog.Logger
	kv        domain.KVStore
	queue     *syncqueue.Manager
	cache     *cache.Manager
	monitor   *network.Monitor
	prober    *network.Prober
	scheduler *background.Scheduler
	syncer    *syncer.Orchestrator
	svc       *service.SyncService

	shutdownTelemetry func(context.Context) error
}

// openApp loads the config and wires every component. notify receives dead
// letters as they are reported and may be nil.
func openApp(ctx context.Context, notify func(domain.DeadLetter)) (*app, error) {
	cfg, err := adapter.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("api.base_url is not set; run `shopsync config init` or set SHOPSYNC_API_BASE_URL")
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}

	kv, err := store.Open(store.Options{
		Driver:  cfg.Store.Driver,
		Dir:     cfg.Store.Path,
		Account: cfg.API.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	queue, err := syncqueue.New(kv, syncqueue.Config{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		WriteRetries: cfg.Queue.WriteRetries,
	}, nil, logger)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}

	a := &app{
		cfg:               cfg,
		logger:            logger,
		kv:                kv,
		queue:             queue,
		cache:             cache.New(kv, ttlPolicy(cfg.Cache), nil, logger),
		monitor:           network.NewMonitor(true, logger),
		scheduler:         background.NewScheduler(cfg.Sync.MinBackgroundInterval, logger),
		shutdownTelemetry: shutdown,
	}
	a.prober = network.NewProber(cfg.Network.ProbeURL, cfg.Network.ProbeInterval, cfg.Network.ProbeTimeout, a.monitor, logger)
	if cfg.Network.ProbeURL != "" {
		a.prober.Probe(ctx)
	}

	client := remote.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.RequestTimeout, logger)
	client.SetRetryPolicy(cfg.API.MaxRetries, 0)

	a.syncer = syncer.New(syncer.Deps{
		Queue:     queue,
		Cache:     a.cache,
		Remote:    client,
		Network:   a.monitor,
		Store:     kv,
		Reporter:  telemetry.NewReporter(logger, notify),
		Scheduler: a.scheduler,
		Logger:    logger,
	}, syncer.Config{
		BatchSize:       cfg.Sync.BatchSize,
		ApplyTimeout:    cfg.Sync.ApplyTimeout,
		Retention:       cfg.Sync.Retention,
		CleanupInterval: cfg.Sync.CleanupInterval,
	})
	a.svc = service.NewSyncService(queue, a.cache, a.syncer, client, a.scheduler, logger)
	return a, nil
}

// runBackground starts the long-lived loops and blocks until ctx is done.
// The config file is watched so TTL edits apply without a restart.
func (a *app) runBackground(ctx context.Context) error {
	err := adapter.WatchConfig(configPath, a.logger, func(cfg *adapter.Config) {
		a.cache.SetPolicy(ttlPolicy(cfg.Cache))
	})
	if err != nil {
		a.logger.Debug("config watch disabled", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.prober.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.scheduler.Run(ctx)
	}()

	err = a.syncer.Run(ctx)
	wg.Wait()
	return err
}

func (a *app) Close() {
	if err := a.kv.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}
}

func newLogger(cfg *adapter.Config) *slog.Logger {
	if verbose {
		return adapter.StderrLogger("DEBUG")
	}
	logger, err := adapter.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
		return adapter.NullLogger()
	}
	return logger
}

func ttlPolicy(cfg adapter.CacheConfig) cache.TTLPolicy {
	policy := cache.DefaultPolicy()
	if cfg.DefaultTTL > 0 {
		policy.Default = cfg.DefaultTTL
	}
	for class, ttl := range cfg.TTL {
		if ttl > 0 {
			policy.ByClass[class] = ttl
		}
	}
	return policy
}
