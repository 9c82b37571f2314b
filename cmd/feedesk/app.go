package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feedesk/backend/internal/application/ledger"
	"github.com/feedesk/backend/internal/infrastructure/cache"
	"github.com/feedesk/backend/internal/infrastructure/config"
	"github.com/feedesk/backend/internal/infrastructure/connectivity"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/infrastructure/persistence"
	"github.com/feedesk/backend/internal/infrastructure/remote"
	"github.com/feedesk/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// app is one device session: local database, authority client and the
// ledger engine built over them
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *persistence.Database
	remote  *remote.HTTPStore
	monitor *connectivity.Monitor
	prober  *connectivity.Prober
	meters  *telemetry.MeterProvider
	engine  *ledger.Engine
}

// openApp wires the device. Unless offline is set the authority is probed
// once before the engine exists, so the starting state never triggers a
// background drain.
func openApp(ctx context.Context, cfg *config.Config, log *zap.Logger, offline bool) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.db, err = persistence.NewLocalDatabase(cfg.Local.Path, log.Named("gorm"), logger.MapGormLogLevel(cfg.Log.GormMode))
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStoreFactory(cfg.Cache, cfg.Redis, a.db.DB, cache.WithLogger(log.Named("cache"))).CreateStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open query cache: %w", err)
	}

	a.remote, err = remote.NewHTTPStore(cfg.Remote.BaseURL,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithDeviceID(cfg.App.DeviceID),
		remote.WithHTTPLogger(log.Named("remote")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.meters, err = telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	metrics := telemetry.NewNoopSyncMetrics()
	if a.meters.IsEnabled() {
		if metrics, err = telemetry.NewSyncMetrics(a.meters.Meter("feedesk/device")); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init sync metrics: %w", err)
		}
	}

	a.monitor = connectivity.NewMonitor(connectivity.Offline,
		connectivity.WithDebounce(cfg.Network.Debounce),
		connectivity.WithLogger(log.Named("connectivity")))
	a.prober = connectivity.NewProber(a.monitor, a.remote, cfg.Network.ProbeInterval, cfg.Remote.Timeout, log.Named("probe"))
	if !offline {
		a.prober.ProbeOnce(ctx)
	}

	a.engine, err = ledger.NewEngine(ledger.Options{
		Remote:        a.remote,
		Local:         persistence.NewLocalStore(a.db.DB),
		Cache:         store,
		Monitor:       a.monitor,
		CacheTTL:      cfg.Cache.TTL,
		RemoteTimeout: cfg.Remote.Timeout,
		Retry:         cfg.Retry.Policy(),
		Counters: ledger.CounterDefaults{
			Prefix: cfg.Receipt.Prefix,
			Format: cfg.Receipt.Format,
		},
		Metrics: metrics,
		Logger:  log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// Close stops probing and releases the engine, metrics and database
func (a *app) Close() error {
	var errs []error
	if a.prober != nil {
		a.prober.Stop()
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	} else if a.monitor != nil {
		a.monitor.Close()
	}
	if a.meters != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.meters.Shutdown(ctx))
		cancel()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
