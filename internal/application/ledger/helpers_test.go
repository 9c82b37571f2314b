package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/cache"
	"github.com/feedesk/backend/internal/infrastructure/persistence"
	"github.com/feedesk/backend/internal/infrastructure/remote"
	"github.com/feedesk/backend/tests/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testSchool = "school-1"
	testTTL    = time.Minute
)

var paidAt = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testScope(school string) fee.Scope {
	return fee.Scope{SchoolID: school, DocumentType: fee.DocumentTypeInstallmentReceipt, Year: 2026}
}

// switchConn is a Connectivity the test flips by hand
type switchConn struct {
	online atomic.Bool
}

func (c *switchConn) IsOnline() bool { return c.online.Load() }
func (c *switchConn) Set(online bool) { c.online.Store(online) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture wires the components over two private SQLite databases: one plays
// the authority, the other the device
type fixture struct {
	t         *testing.T
	ctx       context.Context
	authority *remote.GormStore
	remote    *testutil.FlakyRemote
	local     *persistence.LocalStore
	device    *gorm.DB
	cache     *cache.GormStore
	conn      *switchConn
	clock     *fakeClock
	queue     *Queue
	data      *DataAccess
	allocator *Allocator
	importer  *Importer
}

func newFixture(t *testing.T, online bool, allocOpts ...AllocatorOption) *fixture {
	t.Helper()

	authorityDB := testutil.NewSQLiteDB(t)
	require.NoError(t, persistence.MigrateAuthority(authorityDB))
	deviceDB := testutil.NewSQLiteDB(t)
	require.NoError(t, persistence.MigrateLocal(deviceDB))

	f := &fixture{
		t:         t,
		ctx:       testutil.ContextWithTimeout(t, 30*time.Second),
		authority: remote.NewGormStore(authorityDB),
		local:     persistence.NewLocalStore(deviceDB),
		device:    deviceDB,
		conn:      &switchConn{},
		clock:     newFakeClock(),
	}
	f.conn.Set(online)
	f.remote = testutil.NewFlakyRemote(f.authority)
	f.cache = cache.NewGormStore(deviceDB, cache.WithClock(f.clock.Now))

	f.queue = NewQueue(f.local, f.remote, f.cache)
	f.data = NewDataAccess(f.remote, f.local, f.cache, f.conn, f.queue,
		WithCacheTTL(testTTL), WithClock(f.clock.Now))

	opts := append([]AllocatorOption{WithRetryPolicy(fastRetry(5))}, allocOpts...)
	f.allocator = NewAllocator(f.remote, f.local, f.conn, opts...)
	f.queue.SetAllocator(f.allocator)
	f.data.SetAllocator(f.allocator)
	f.importer = NewImporter(f.data, nil)
	return f
}

func fastRetry(attempts int) fee.RetryPolicy {
	return fee.RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

// advanceAuthority moves the authoritative counter as another device would
func (f *fixture) advanceAuthority(scope fee.Scope, n int) {
	f.t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.authority.IncrementCounter(f.ctx, scope)
		require.NoError(f.t, err)
	}
}

func (f *fixture) setSnapshot(scope fee.Scope, counter int64) {
	f.t.Helper()
	c := fee.NewReceiptCounter(scope)
	c.Counter = counter
	require.NoError(f.t, f.local.Counters().Save(f.ctx, c))
}

// newInstallment creates an unpaid installment through the data access
func (f *fixture) newInstallment(school, student string, amount int64) *fee.Installment {
	f.t.Helper()
	inst, err := fee.NewInstallment(school, student, decimal.NewFromInt(amount), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(f.t, err)
	_, err = f.data.CreateInstallment(f.ctx, inst)
	require.NoError(f.t, err)
	return inst
}

func (f *fixture) pay(inst *fee.Installment, amount int64) *WriteResult {
	f.t.Helper()
	res, err := f.data.RecordPayment(f.ctx, inst.ID, fee.Payment{Amount: decimal.NewFromInt(amount), PaidAt: paidAt})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) ledgerRow(inst *fee.Installment) *fee.Installment {
	f.t.Helper()
	row, err := f.local.Ledger().FindByID(f.ctx, inst.ID)
	require.NoError(f.t, err)
	require.NoError(f.t, row.CheckInvariants())
	return row
}

func (f *fixture) authorityRow(inst *fee.Installment) *fee.Installment {
	f.t.Helper()
	row, err := f.authority.FindInstallment(f.ctx, inst.ID)
	require.NoError(f.t, err)
	return row
}

func (f *fixture) depth() int {
	f.t.Helper()
	n, err := f.queue.Depth(f.ctx)
	require.NoError(f.t, err)
	return n
}

// flakyInvalidation is a cache whose Invalidate fails while broken is set
type flakyInvalidation struct {
	cache.Store
	broken atomic.Bool
}

func (c *flakyInvalidation) Invalidate(ctx context.Context, keyOrPrefix string) error {
	if c.broken.Load() {
		return errors.New("cache unavailable")
	}
	return c.Store.Invalidate(ctx, keyOrPrefix)
}

// flakyCache swaps the device cache for one whose invalidations can fail
func (f *fixture) flakyCache() *flakyInvalidation {
	f.t.Helper()
	c := &flakyInvalidation{Store: f.cache}
	f.queue.inv.cache = c
	f.data.cache = c
	return c
}

var (
	errConflict = shared.Wrap(shared.ErrCounterConflict, "injected conflict")
	errRejected = shared.Wrap(shared.ErrValidationRejected, "injected rejection")
)
