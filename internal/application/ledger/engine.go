// Package ledger is the local-first core of the device: it decides where
// reads are served from, issues receipt numbers, and replays writes that
// were captured while the authority was unreachable.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/cache"
	"github.com/feedesk/backend/internal/infrastructure/connectivity"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Options wires an Engine
type Options struct {
	Remote fee.RemoteStore
	Local  fee.LocalStore
	Cache  cache.Store

	// Monitor is created from InitialState and Debounce when nil
	Monitor      *connectivity.Monitor
	InitialState connectivity.State
	Debounce     time.Duration

	CacheTTL      time.Duration
	RemoteTimeout time.Duration
	Retry         fee.RetryPolicy
	Counters      CounterDefaults

	Metrics *telemetry.SyncMetrics
	Logger  *zap.Logger
}

// Engine owns one instance of every component. They are built in dependency
// order: monitor, cache, queue, data access, allocator. The allocator is
// bound into the queue and the data access afterwards.
type Engine struct {
	Monitor   *connectivity.Monitor
	Cache     cache.Store
	Queue     *Queue
	Data      *DataAccess
	Allocator *Allocator
	Importer  *Importer

	local   fee.LocalStore
	metrics *telemetry.SyncMetrics
	logger  *zap.Logger

	unsubscribe func()
	closeOnce   sync.Once
	closeErr    error
}

// Status is a snapshot of the device sync state
type Status struct {
	Online  bool
	Pending int
	Blocked int
}

// NewEngine builds the components and registers the reconnect drain
func NewEngine(opts Options) (*Engine, error) {
	if opts.Remote == nil || opts.Local == nil || opts.Cache == nil {
		return nil, errors.New("engine requires remote, local and cache stores")
	}
	if opts.Retry == (fee.RetryPolicy{}) {
		opts.Retry = fee.DefaultRetryPolicy()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopSyncMetrics()
	}
	log := logger.OrNop(opts.Logger)

	e := &Engine{
		local:   opts.Local,
		metrics: opts.Metrics,
		logger:  log,
	}

	e.Monitor = opts.Monitor
	if e.Monitor == nil {
		monitorOpts := []connectivity.Option{connectivity.WithLogger(log.Named("connectivity"))}
		if opts.Debounce > 0 {
			monitorOpts = append(monitorOpts, connectivity.WithDebounce(opts.Debounce))
		}
		e.Monitor = connectivity.NewMonitor(opts.InitialState, monitorOpts...)
	}

	e.Cache = opts.Cache

	e.Queue = NewQueue(opts.Local, opts.Remote, e.Cache,
		WithQueueTimeout(opts.RemoteTimeout),
		WithQueueMetrics(opts.Metrics),
		WithQueueLogger(log.Named("queue")))

	dataOpts := []DataAccessOption{
		WithReadTimeout(opts.RemoteTimeout),
		WithDataMetrics(opts.Metrics),
		WithDataLogger(log.Named("data")),
	}
	if opts.CacheTTL > 0 {
		dataOpts = append(dataOpts, WithCacheTTL(opts.CacheTTL))
	}
	e.Data = NewDataAccess(opts.Remote, opts.Local, e.Cache, e.Monitor, e.Queue, dataOpts...)

	e.Allocator = NewAllocator(opts.Remote, opts.Local, e.Monitor,
		WithRetryPolicy(opts.Retry),
		WithCounterDefaults(opts.Counters),
		WithAllocatorTimeout(opts.RemoteTimeout),
		WithAllocatorMetrics(opts.Metrics),
		WithAllocatorLogger(log.Named("allocator")))

	e.Queue.SetAllocator(e.Allocator)
	e.Data.SetAllocator(e.Allocator)
	e.Importer = NewImporter(e.Data, log.Named("import"))

	e.unsubscribe = e.Monitor.Subscribe(func(s connectivity.State) {
		e.metrics.RecordConnectivity(context.Background(), s.String())
	})
	e.Monitor.OnReconnect(e.onReconnect)
	return e, nil
}

func (e *Engine) onReconnect(ctx context.Context) {
	if _, err := e.Sync(ctx); err != nil {
		e.logger.Error("reconnect sync failed", zap.Error(err))
	}
}

// Sync refreshes the counter snapshots of scopes with queued writes and
// drains the queue once
func (e *Engine) Sync(ctx context.Context) (*DrainReport, error) {
	e.refreshSnapshots(ctx)

	report, err := e.Queue.Drain(ctx)
	if err != nil {
		return report, err
	}
	e.logger.Info("queue drained",
		zap.Int("committed", report.Committed),
		zap.Int("deferred", report.Deferred),
		zap.Int("blocked", len(report.Blocked)),
		zap.Int("mismatches", len(report.Mismatches)),
		zap.Int("remaining", report.Remaining),
		zap.Bool("stopped", report.Stopped))
	return report, nil
}

func (e *Engine) refreshSnapshots(ctx context.Context) {
	open, err := e.local.Writes().ListOpen(ctx)
	if err != nil {
		e.logger.Warn("list queued writes for snapshot refresh", zap.Error(err))
		return
	}

	seen := make(map[string]struct{})
	for _, w := range open {
		scope, ok, err := w.Scope()
		if err != nil || !ok {
			continue
		}
		if _, dup := seen[w.ScopeKey]; dup {
			continue
		}
		seen[w.ScopeKey] = struct{}{}

		if err := e.Allocator.RefreshSnapshot(ctx, scope); err != nil {
			if errors.Is(err, shared.ErrRemoteUnreachable) {
				return
			}
			e.logger.Warn("counter snapshot refresh failed", zap.String("scope", w.ScopeKey), zap.Error(err))
		}
	}
}

// Status reports connectivity and queue depth
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	open, err := e.local.Writes().ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Online: e.Monitor.IsOnline()}
	for _, w := range open {
		if w.IsBlocked() {
			st.Blocked++
		} else {
			st.Pending++
		}
	}
	return st, nil
}

// Close tears the components down in reverse order. Running reconnect
// hooks are cancelled and awaited before the cache is closed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.unsubscribe()
		e.Monitor.Close()
		e.closeErr = e.Cache.Close()
	})
	return e.closeErr
}
