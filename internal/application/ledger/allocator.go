package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Connectivity is the routing view of the network monitor
type Connectivity interface {
	IsOnline() bool
}

// CounterDefaults renders tentative numbers for scopes the device has never
// seen a counter for
type CounterDefaults struct {
	Prefix func(fee.DocumentType) string
	Format string
}

func (d CounterDefaults) counter(scope fee.Scope) *fee.ReceiptCounter {
	c := fee.NewReceiptCounter(scope)
	if d.Prefix != nil {
		if p := d.Prefix(scope.DocumentType); p != "" {
			c.Prefix = p
		}
	}
	if d.Format != "" {
		c.Format = d.Format
	}
	return c
}

// keyedLocks hands out one mutex per key: a counter scope for the allocator,
// an installment id for payments
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *keyedLocks) lock(key string) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Reservation is an allocation whose scope stays locked until Release is
// called. Callers persist the record carrying the number before releasing,
// so the next allocation in the scope sees it.
type Reservation struct {
	Allocation fee.Allocation
	once       sync.Once
	unlock     func()
}

// Release unlocks the scope; calling it more than once is harmless
func (r *Reservation) Release() {
	r.once.Do(r.unlock)
}

// Allocator issues receipt numbers. Online it advances the authoritative
// counter; offline it derives a tentative number from the local snapshot
// and the tentative reservations already queued for the scope.
type Allocator struct {
	remote   fee.RemoteStore
	local    fee.LocalStore
	conn     Connectivity
	policy   fee.RetryPolicy
	defaults CounterDefaults
	timeout  time.Duration
	metrics  *telemetry.SyncMetrics
	logger   *zap.Logger
	locks    *keyedLocks
}

// AllocatorOption configures an Allocator
type AllocatorOption func(*Allocator)

// WithRetryPolicy sets the conflict retry policy
func WithRetryPolicy(p fee.RetryPolicy) AllocatorOption {
	return func(a *Allocator) {
		a.policy = p
	}
}

// WithCounterDefaults sets prefix and format for unseen scopes
func WithCounterDefaults(d CounterDefaults) AllocatorOption {
	return func(a *Allocator) {
		a.defaults = d
	}
}

// WithAllocatorTimeout bounds each counter call
func WithAllocatorTimeout(d time.Duration) AllocatorOption {
	return func(a *Allocator) {
		a.timeout = d
	}
}

// WithAllocatorMetrics sets the metrics sink
func WithAllocatorMetrics(m *telemetry.SyncMetrics) AllocatorOption {
	return func(a *Allocator) {
		a.metrics = m
	}
}

// WithAllocatorLogger sets the logger
func WithAllocatorLogger(l *zap.Logger) AllocatorOption {
	return func(a *Allocator) {
		a.logger = logger.OrNop(l)
	}
}

// NewAllocator creates an allocator
func NewAllocator(remote fee.RemoteStore, local fee.LocalStore, conn Connectivity, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		remote:  remote,
		local:   local,
		conn:    conn,
		policy:  fee.DefaultRetryPolicy(),
		timeout: DefaultRemoteTimeout,
		metrics: telemetry.NewNoopSyncMetrics(),
		logger:  zap.NewNop(),
		locks:   newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate issues one number and releases the scope immediately
func (a *Allocator) Allocate(ctx context.Context, scope fee.Scope) (fee.Allocation, error) {
	r, err := a.Reserve(ctx, scope)
	if err != nil {
		return fee.Allocation{}, err
	}
	r.Release()
	return r.Allocation, nil
}

// Reserve locks the scope and issues one number. When the authority cannot
// be reached, and only then, the number is tentative. Exhausted conflict
// retries fail with shared.ErrAllocationFailed.
func (a *Allocator) Reserve(ctx context.Context, scope fee.Scope) (*Reservation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	unlock := a.locks.lock(scope.Key())
	alloc, err := a.allocateLocked(ctx, scope)
	if err != nil {
		unlock()
		return nil, err
	}
	return &Reservation{Allocation: alloc, unlock: unlock}, nil
}

func (a *Allocator) allocateLocked(ctx context.Context, scope fee.Scope) (fee.Allocation, error) {
	if a.conn.IsOnline() {
		alloc, err := a.confirmLocked(ctx, scope)
		if err == nil {
			return alloc, nil
		}
		if !errors.Is(err, shared.ErrRemoteUnreachable) {
			return fee.Allocation{}, err
		}
		logger.L(ctx).Warn("authority unreachable, issuing tentative receipt number",
			zap.String("scope", scope.Key()), zap.Error(err))
	}
	return a.tentativeLocked(ctx, scope)
}

// lockScope exposes the scope mutex to the replay path
func (a *Allocator) lockScope(scope fee.Scope) func() {
	return a.locks.lock(scope.Key())
}

// confirmLocked advances the authoritative counter, retrying conflicts with
// exponential backoff, and moves the local snapshot forward
func (a *Allocator) confirmLocked(ctx context.Context, scope fee.Scope) (fee.Allocation, error) {
	attempt := 0
	op := func() (*fee.ReceiptCounter, error) {
		attempt++
		counter, err := callRemote(ctx, a.timeout, a.metrics, func(ctx context.Context) (*fee.ReceiptCounter, error) {
			return a.remote.IncrementCounter(ctx, scope)
		})
		switch {
		case err == nil:
			return counter, nil
		case errors.Is(err, shared.ErrCounterConflict):
			a.metrics.RecordConflict(ctx, scope.SchoolID)
			a.logger.Debug("counter conflict",
				zap.String("scope", scope.Key()), zap.Int("attempt", attempt))
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	counter, err := backoff.RetryWithData(op, a.newBackOff(ctx))
	if err != nil {
		if errors.Is(err, shared.ErrCounterConflict) {
			return fee.Allocation{}, shared.Wrap(shared.ErrAllocationFailed,
				fmt.Sprintf("scope %s: counter conflict persisted after %d attempts", scope.Key(), attempt))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fee.Allocation{}, fmt.Errorf("allocate %s: %w", scope.Key(), ctxErr)
		}
		return fee.Allocation{}, err
	}

	if err := a.local.Counters().Save(ctx, counter); err != nil {
		// The number is already issued by the authority; a stale snapshot
		// only affects future tentative numbers.
		a.logger.Warn("failed to save counter snapshot", zap.String("scope", scope.Key()), zap.Error(err))
	}
	a.metrics.RecordAllocation(ctx, scope.SchoolID, false)

	return fee.Allocation{
		Scope:    scope,
		Sequence: counter.Counter,
		Number:   counter.Render(counter.Counter),
	}, nil
}

func (a *Allocator) tentativeLocked(ctx context.Context, scope fee.Scope) (fee.Allocation, error) {
	snapshot, err := a.local.Counters().Get(ctx, scope)
	if err != nil {
		return fee.Allocation{}, fmt.Errorf("load counter snapshot: %w", err)
	}
	if snapshot == nil {
		snapshot = a.defaults.counter(scope)
	}
	queued, err := a.local.Writes().CountTentative(ctx, scope.Key())
	if err != nil {
		return fee.Allocation{}, fmt.Errorf("count tentative reservations: %w", err)
	}

	seq := snapshot.Counter + queued + 1
	a.metrics.RecordAllocation(ctx, scope.SchoolID, true)
	return fee.Allocation{
		Scope:     scope,
		Sequence:  seq,
		Number:    snapshot.Render(seq),
		Tentative: true,
	}, nil
}

// RefreshSnapshot pulls the authoritative counter into the local snapshot.
// The snapshot only moves forward: a read that raced a confirmation in the
// same scope is dropped.
func (a *Allocator) RefreshSnapshot(ctx context.Context, scope fee.Scope) error {
	counter, err := callRemote(ctx, a.timeout, a.metrics, func(ctx context.Context) (*fee.ReceiptCounter, error) {
		return a.remote.GetCounter(ctx, scope)
	})
	if err != nil {
		return err
	}

	unlock := a.locks.lock(scope.Key())
	defer unlock()

	current, err := a.local.Counters().Get(ctx, scope)
	if err != nil {
		return fmt.Errorf("read counter snapshot: %w", err)
	}
	if current != nil && current.Counter >= counter.Counter {
		return nil
	}
	return a.local.Counters().Save(ctx, counter)
}

func (a *Allocator) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = a.policy.InitialBackoff
	exp.MaxInterval = a.policy.MaxBackoff
	exp.Multiplier = a.policy.Multiplier
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := a.policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}
