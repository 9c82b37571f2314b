package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/cache"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source tells where a read was served from
type Source string

const (
	SourceRemote     Source = "remote"
	SourceCacheFresh Source = "cache-fresh"
	SourceCacheStale Source = "cache-stale"
	SourceLedger     Source = "ledger"
)

// Stale reports whether the data may lag behind the authority
func (s Source) Stale() bool {
	return s == SourceCacheStale || s == SourceLedger
}

// DefaultCacheTTL is the freshness window of cached query results
const DefaultCacheTTL = 5 * time.Minute

// ReadResult is a query answer tagged with its source
type ReadResult struct {
	Data      []fee.Installment
	Source    Source
	FetchedAt time.Time
}

func (r *ReadResult) clone() *ReadResult {
	out := *r
	out.Data = append([]fee.Installment(nil), r.Data...)
	return &out
}

// WriteResult reports a write that has been persisted on the device
type WriteResult struct {
	Installment   *fee.Installment
	ReceiptNumber string
	Tentative     bool
	// PendingSync is set while the write waits in the queue
	PendingSync bool
}

// DataAccess routes reads and writes between the authority and the device.
// Reads prefer fresh data and degrade to cached or ledger data; writes land
// in the ledger first and reach the authority directly or through the queue.
type DataAccess struct {
	remote    fee.RemoteStore
	local     fee.LocalStore
	conn      Connectivity
	queue     *Queue
	allocator *Allocator
	cache     cache.Store
	ttl       time.Duration
	timeout   time.Duration
	group     singleflight.Group
	entities  *keyedLocks
	metrics   *telemetry.SyncMetrics
	logger    *zap.Logger
	now       func() time.Time
}

// DataAccessOption configures a DataAccess
type DataAccessOption func(*DataAccess)

// WithCacheTTL sets the freshness window of cached results
func WithCacheTTL(ttl time.Duration) DataAccessOption {
	return func(da *DataAccess) {
		da.ttl = ttl
	}
}

// WithReadTimeout bounds remote reads
func WithReadTimeout(d time.Duration) DataAccessOption {
	return func(da *DataAccess) {
		da.timeout = d
	}
}

// WithDataMetrics sets the metrics sink
func WithDataMetrics(m *telemetry.SyncMetrics) DataAccessOption {
	return func(da *DataAccess) {
		da.metrics = m
	}
}

// WithDataLogger sets the logger
func WithDataLogger(l *zap.Logger) DataAccessOption {
	return func(da *DataAccess) {
		da.logger = logger.OrNop(l)
	}
}

// WithClock overrides the time source used for freshness checks
func WithClock(now func() time.Time) DataAccessOption {
	return func(da *DataAccess) {
		da.now = now
	}
}

// NewDataAccess creates the data access layer. The allocator is bound later
// with SetAllocator.
func NewDataAccess(remote fee.RemoteStore, local fee.LocalStore, c cache.Store, conn Connectivity, queue *Queue, opts ...DataAccessOption) *DataAccess {
	da := &DataAccess{
		remote:  remote,
		local:   local,
		conn:    conn,
		queue:   queue,
		cache:   c,
		ttl:     DefaultCacheTTL,
		timeout:  DefaultRemoteTimeout,
		entities: newKeyedLocks(),
		metrics:  telemetry.NewNoopSyncMetrics(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(da)
	}
	return da
}

// SetAllocator binds the allocator used by payments
func (da *DataAccess) SetAllocator(a *Allocator) {
	da.allocator = a
}

// Read answers a query. Identical concurrent reads share one fetch. The
// caller may cancel its wait; the shared fetch is bounded by the remote
// timeout instead.
func (da *DataAccess) Read(ctx context.Context, q fee.Query) (*ReadResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	key := q.Fingerprint()
	gen := da.queue.inv.generation()
	flightKey := key + "#" + strconv.FormatUint(gen, 10)

	ch := da.group.DoChan(flightKey, func() (interface{}, error) {
		return da.read(context.WithoutCancel(ctx), q, key, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		result := res.Val.(*ReadResult).clone()
		da.metrics.RecordRead(ctx, string(result.Source))
		return result, nil
	}
}

func (da *DataAccess) read(ctx context.Context, q fee.Query, key string, gen uint64) (*ReadResult, error) {
	now := da.now()
	// a key with a failed invalidation may hold data older than the ledger
	var entry *cache.Entry
	if da.queue.inv.servable(ctx, key) {
		var err error
		if entry, err = da.cache.Get(ctx, key); err != nil {
			da.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
			entry = nil
		}
	}

	var remoteErr error
	if da.conn.IsOnline() {
		if entry != nil && entry.Fresh(now) {
			if res, ok := da.fromEntry(entry, SourceCacheFresh); ok {
				return res, nil
			}
		}
		res, err := da.fetch(ctx, q, key, gen)
		if err == nil {
			return res, nil
		}
		remoteErr = err
		da.logger.Warn("remote read failed, falling back to local data",
			zap.String("key", key), zap.Error(err))
	}
	return da.fallback(ctx, q, entry, now, remoteErr)
}

// fetch reads from the authority and writes through to the ledger and the
// cache. The returned rows come from the ledger after the merge so local
// changes not yet replayed stay visible.
func (da *DataAccess) fetch(ctx context.Context, q fee.Query, key string, gen uint64) (*ReadResult, error) {
	rows, err := callRemote(ctx, da.timeout, da.metrics, func(ctx context.Context) ([]fee.Installment, error) {
		return da.remote.ListInstallments(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	fetchedAt := da.now()

	data := rows
	if err := da.local.Ledger().MergeRemote(ctx, rows); err != nil {
		da.logger.Warn("ledger merge failed", zap.String("key", key), zap.Error(err))
	} else if merged, err := da.local.Ledger().Find(ctx, q); err != nil {
		da.logger.Warn("ledger read after merge failed", zap.String("key", key), zap.Error(err))
	} else {
		data = merged
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	da.queue.inv.fill(ctx, key, payload, da.ttl, gen)

	return &ReadResult{Data: data, Source: SourceRemote, FetchedAt: fetchedAt}, nil
}

func (da *DataAccess) fallback(ctx context.Context, q fee.Query, entry *cache.Entry, now time.Time, remoteErr error) (*ReadResult, error) {
	if entry != nil {
		source := SourceCacheStale
		if entry.Fresh(now) {
			source = SourceCacheFresh
		}
		if res, ok := da.fromEntry(entry, source); ok {
			return res, nil
		}
	}

	rows, err := da.local.Ledger().Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ledger fallback: %w", err)
	}
	if len(rows) == 0 {
		all, err := da.local.Ledger().Find(ctx, fee.AllInstallments())
		if err != nil {
			return nil, fmt.Errorf("ledger fallback: %w", err)
		}
		if len(all) == 0 {
			if remoteErr != nil {
				return nil, remoteErr
			}
			return nil, shared.Wrap(shared.ErrRemoteUnreachable,
				fmt.Sprintf("no cached or local data for %s", q.Fingerprint()))
		}
	}
	return &ReadResult{Data: rows, Source: SourceLedger, FetchedAt: now}, nil
}

func (da *DataAccess) fromEntry(entry *cache.Entry, source Source) (*ReadResult, bool) {
	var data []fee.Installment
	if err := json.Unmarshal(entry.Data, &data); err != nil {
		da.logger.Warn("discarding undecodable cache entry", zap.String("key", entry.Key), zap.Error(err))
		return nil, false
	}
	return &ReadResult{Data: data, Source: source, FetchedAt: entry.FetchedAt}, true
}

// Installment returns the device copy of one installment
func (da *DataAccess) Installment(ctx context.Context, id uuid.UUID) (*fee.Installment, error) {
	return da.local.Ledger().FindByID(ctx, id)
}

// CreateInstallment stores a new installment. An installment created with a
// payment must already carry its receipt number.
func (da *DataAccess) CreateInstallment(ctx context.Context, inst *fee.Installment) (*WriteResult, error) {
	ctx = context.WithoutCancel(ctx)
	if err := inst.CheckInvariants(); err != nil {
		return nil, err
	}

	inst.MarkPendingSync()
	w, err := fee.NewPendingWrite(fee.OperationCreate, inst, nil)
	if err != nil {
		return nil, err
	}
	w.ScopeKey = inst.ReceiptScope
	if err := da.persist(ctx, inst, w, true); err != nil {
		return nil, err
	}
	return da.settle(ctx, inst, w)
}

// paymentAttempts bounds how often a payment is re-applied after the
// ledger row moved underneath it
const paymentAttempts = 3

// RecordPayment applies a partial or full payment. The first payment on an
// installment obtains a receipt number; later ones reuse it. Payments on one
// installment run one at a time, and the scope stays locked until the
// numbered record is in the ledger.
func (da *DataAccess) RecordPayment(ctx context.Context, id uuid.UUID, p fee.Payment) (*WriteResult, error) {
	ctx = context.WithoutCancel(ctx)
	if da.allocator == nil {
		return nil, errors.New("data access has no allocator bound")
	}

	unlock := da.entities.lock(id.String())
	defer unlock()

	for attempt := 1; ; attempt++ {
		inst, w, err := da.applyPayment(ctx, id, p)
		if errors.Is(err, shared.ErrStaleVersion) && attempt < paymentAttempts {
			da.logger.Debug("installment changed during payment, reapplying",
				zap.String("installment_id", id.String()), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		logger.L(ctx).Info("payment recorded",
			zap.String("installment_id", inst.ID.String()),
			zap.String("receipt_number", inst.ReceiptNumber),
			zap.Bool("tentative", inst.ReceiptTentative))
		return da.settle(ctx, inst, w)
	}
}

// applyPayment reads the current row, applies the payment and persists it
// with its queued write
func (da *DataAccess) applyPayment(ctx context.Context, id uuid.UUID, p fee.Payment) (*fee.Installment, *fee.PendingWrite, error) {
	inst, err := da.local.Ledger().FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := inst.ValidatePayment(p); err != nil {
		return nil, nil, err
	}

	var alloc *fee.Allocation
	if inst.NeedsAllocation() {
		reservation, err := da.allocator.Reserve(ctx, inst.ReceiptScopeFor(p.PaidAt))
		if err != nil {
			return nil, nil, err
		}
		// released once persisted; the replay in settle takes the scope lock itself
		defer reservation.Release()
		a := reservation.Allocation
		alloc = &a
	}

	if err := inst.RecordPayment(p, alloc); err != nil {
		return nil, nil, err
	}
	inst.MarkPendingSync()

	w, err := fee.NewPendingWrite(fee.OperationUpdate, inst, alloc)
	if err != nil {
		return nil, nil, err
	}
	if alloc == nil {
		w.ScopeKey = inst.ReceiptScope
	}
	if err := da.persist(ctx, inst, w, false); err != nil {
		return nil, nil, err
	}
	return inst, w, nil
}

// AcknowledgeReview clears the review flag after an operator has dealt with
// a replaced tentative number
func (da *DataAccess) AcknowledgeReview(ctx context.Context, id uuid.UUID) (*fee.Installment, error) {
	unlock := da.entities.lock(id.String())
	defer unlock()

	var inst *fee.Installment
	err := da.local.Transaction(ctx, func(tx fee.LocalStore) error {
		var err error
		inst, err = tx.Ledger().FindByID(ctx, id)
		if err != nil {
			return err
		}
		if err := inst.AcknowledgeReview(); err != nil {
			return err
		}
		open, err := tx.Writes().ListOpen(ctx)
		if err != nil {
			return err
		}
		for _, w := range open {
			if w.EntityID == id {
				inst.MarkPendingSync()
				break
			}
		}
		return tx.Ledger().Save(ctx, inst)
	})
	if err != nil {
		return nil, err
	}
	da.queue.invalidate(ctx, inst)
	return inst, nil
}

// persist stores the record and its queued write in one local transaction,
// then invalidates every cached result the record belongs to
func (da *DataAccess) persist(ctx context.Context, inst *fee.Installment, w *fee.PendingWrite, create bool) error {
	err := da.local.Transaction(ctx, func(tx fee.LocalStore) error {
		if create {
			_, err := tx.Ledger().FindByID(ctx, inst.ID)
			switch {
			case err == nil:
				return shared.Wrap(shared.ErrAlreadyExists, fmt.Sprintf("installment %s already exists", inst.ID))
			case !errors.Is(err, shared.ErrNotFound):
				return err
			}
		}
		if err := tx.Ledger().Save(ctx, inst); err != nil {
			return err
		}
		return tx.Writes().Append(ctx, w)
	})
	if err != nil {
		return fmt.Errorf("persist installment %s: %w", inst.ID, err)
	}
	da.queue.invalidate(ctx, inst)
	da.queue.recordDepth(ctx)
	return nil
}

// settle pushes a persisted write to the authority when online. Writes with
// a tentative number stay queued until reconnect.
func (da *DataAccess) settle(ctx context.Context, inst *fee.Installment, w *fee.PendingWrite) (*WriteResult, error) {
	res := &WriteResult{
		Installment:   inst,
		ReceiptNumber: inst.ReceiptNumber,
		Tentative:     inst.ReceiptTentative,
		PendingSync:   true,
	}
	if !da.conn.IsOnline() || inst.ReceiptTentative {
		return res, nil
	}

	report, err := da.queue.Drain(ctx)
	if err != nil {
		da.logger.Warn("drain after write failed", zap.String("write_id", w.ID.String()), zap.Error(err))
		return res, nil
	}
	if berr := report.BlockedFor(w.ID); berr != nil {
		return nil, fmt.Errorf("installment %s saved locally, rejected by authority: %w", inst.ID, berr)
	}

	if _, err := da.local.Writes().FindByID(ctx, w.ID); errors.Is(err, shared.ErrNotFound) {
		res.PendingSync = false
	}
	if current, err := da.local.Ledger().FindByID(ctx, inst.ID); err == nil {
		res.Installment = current
		res.ReceiptNumber = current.ReceiptNumber
		res.Tentative = current.ReceiptTentative
	}
	return res, nil
}
