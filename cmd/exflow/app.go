package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randalmurphal/exflow/pkg/exflow"
	"github.com/randalmurphal/exflow/pkg/exflow/broker"
	"github.com/randalmurphal/exflow/pkg/exflow/collaborator"
	"github.com/randalmurphal/exflow/pkg/exflow/config"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
	"github.com/randalmurphal/exflow/pkg/exflow/observability"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
)

// app is one process's wiring of config, store, packs and service.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     eventstore.Full
	packs     *pack.Cache
	svc       *exflow.Service
	wakeup    *broker.Wakeup
	telemetry *observability.Providers
}

func newApp(cfgPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, logOut)
}

func buildApp(cfg config.Config, logOut io.Writer) (*app, error) {
	if logOut == nil {
		logOut = os.Stderr
	}
	logger := slog.New(cfg.Log.Handler(logOut))

	tel, err := observability.SetupProviders(observability.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Metrics:     cfg.Telemetry.Metrics,
		Tracing:     cfg.Telemetry.Tracing,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	wakeup := broker.NewWakeup()
	store, err := openStore(cfg.Store, wakeup)
	if err != nil {
		return nil, err
	}

	packs, err := loadPacks(cfg.Packs.Dir, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	tools, notifier, err := collaborators(cfg.Collaborators, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := []exflow.Option{
		exflow.WithLogger(logger),
		exflow.WithMetrics(tel.Metrics()),
		exflow.WithSpans(tel.Spans()),
		exflow.WithToolExecutor(tools),
		exflow.WithNotifier(notifier),
		exflow.WithStageTimeout(cfg.Broker.AttemptTimeout.Std()),
		exflow.WithRedriverConfig(broker.RedriverConfig{
			BatchSize:     cfg.Redrive.BatchSize,
			PollInterval:  cfg.Redrive.Interval.Std(),
			MaxRetryCount: cfg.Redrive.MaxRetryCount,
		}),
	}
	for _, group := range stageNames {
		opts = append(opts, exflow.WithStageRetry(group, cfg.Retry.For(group).RetryConfig()))
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		packs:     packs,
		svc:       exflow.New(store, packs, opts...),
		wakeup:    wakeup,
		telemetry: tel,
	}, nil
}

func (a *app) close(ctx context.Context) {
	a.wakeup.Close()
	if err := errors.Join(a.store.Close(), a.telemetry.Shutdown(ctx)); err != nil {
		a.logger.Warn("shutdown", slog.String("error", err.Error()))
	}
}

func openStore(cfg config.StoreConfig, wakeup *broker.Wakeup) (eventstore.Full, error) {
	opts := []eventstore.Option{
		eventstore.WithPartitions(cfg.Partitions),
		eventstore.WithNotifier(wakeup),
	}
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := eventstore.NewSQLiteStore(cfg.Path, opts...)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return eventstore.NewMemoryStore(opts...), nil
	}
}

// loadPacks reads every pack in dir and activates each tenant's initial
// version. A missing directory yields an empty cache.
func loadPacks(dir string, logger *slog.Logger) (*pack.Cache, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Warn("pack directory not found, no tenants configured", slog.String("dir", dir))
		src, _ := pack.NewMemorySource()
		return pack.NewCache(src), nil
	}
	src, err := pack.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load packs: %w", err)
	}
	cache := pack.NewCache(src)
	for tenant, version := range src.InitialVersions() {
		if err := cache.Activate(context.Background(), tenant, version); err != nil {
			return nil, fmt.Errorf("activate %s v%d: %w", tenant, version, err)
		}
		logger.Info("pack loaded", slog.String("tenant_id", tenant), slog.Int("version", version))
	}
	return cache, nil
}

// collaborators returns HTTP clients for configured endpoints and the
// local fallbacks otherwise.
func collaborators(cfg config.CollaboratorsConfig, logger *slog.Logger) (collaborator.ToolExecutor, collaborator.Notifier, error) {
	var tools collaborator.ToolExecutor = collaborator.NoopToolExecutor{}
	var notifier collaborator.Notifier = collaborator.LogNotifier{Logger: logger}

	if cfg.Tools.BaseURL != "" {
		t, err := collaborator.NewHTTPToolExecutor(httpConfig(cfg.Tools))
		if err != nil {
			return nil, nil, fmt.Errorf("tool collaborator: %w", err)
		}
		tools = t
	} else {
		logger.Warn("no tool endpoint configured, call_tool steps are skipped")
	}
	if cfg.Notifications.BaseURL != "" {
		n, err := collaborator.NewHTTPNotifier(httpConfig(cfg.Notifications))
		if err != nil {
			return nil, nil, fmt.Errorf("notification collaborator: %w", err)
		}
		notifier = n
	}
	return tools, notifier, nil
}

func httpConfig(e config.EndpointConfig) collaborator.HTTPConfig {
	hc := collaborator.HTTPConfig{
		BaseURL:    e.BaseURL,
		Timeout:    e.Timeout.Std(),
		RetryCount: e.RetryCount,
	}
	if e.APIKey != "" {
		hc.Headers = map[string]string{"Authorization": "Bearer " + e.APIKey}
	}
	return hc
}

func (a *app) brokerOptions() []broker.Option {
	b := a.cfg.Broker
	opts := []broker.Option{
		broker.WithLogger(a.logger),
		broker.WithMetrics(a.telemetry.Metrics()),
		broker.WithSpans(a.telemetry.Spans()),
		broker.WithWakeup(a.wakeup),
		broker.WithBatchSize(b.BatchSize),
		broker.WithPollInterval(b.PollInterval.Std()),
		broker.WithLeaseTTL(b.LeaseTTL.Std()),
	}
	if b.Owner != "" {
		opts = append(opts, broker.WithOwner(b.Owner))
	}
	if b.MaxPartitions > 0 {
		opts = append(opts, broker.WithMaxPartitions(b.MaxPartitions))
	}
	return opts
}
