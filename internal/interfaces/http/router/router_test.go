package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/feedesk/backend/internal/application/ledger"
	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/cache"
	"github.com/feedesk/backend/internal/infrastructure/connectivity"
	"github.com/feedesk/backend/internal/infrastructure/persistence"
	"github.com/feedesk/backend/internal/infrastructure/remote"
	"github.com/feedesk/backend/tests/testutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	testDue    = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	testPaidAt = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	testScope  = fee.Scope{SchoolID: "school-1", DocumentType: fee.DocumentTypeInstallmentReceipt, Year: 2026}
)

type pingRegistrar struct{}

func (pingRegistrar) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
}

func TestRouter_Setup(t *testing.T) {
	t.Run("defaults to v1", func(t *testing.T) {
		engine := gin.New()
		NewRouter(engine).Register(pingRegistrar{}).Setup()

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "pong", w.Body.String())
	})

	t.Run("custom version and group middleware", func(t *testing.T) {
		engine := gin.New()
		engine.GET("/outside", func(c *gin.Context) { c.Status(http.StatusOK) })
		tag := func(c *gin.Context) {
			c.Header("X-Group", "api")
			c.Next()
		}
		NewRouter(engine, WithAPIVersion("v2"), WithGroupMiddleware(tag)).
			Register(pingRegistrar{}).
			Setup()

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v2/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "api", w.Header().Get("X-Group"))

		w = httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/outside", nil))
		assert.Empty(t, w.Header().Get("X-Group"))
	})
}

type authorityServer struct {
	store  *remote.GormStore
	server *httptest.Server
}

func newAuthorityServer(t *testing.T, cfg Config) *authorityServer {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	require.NoError(t, persistence.MigrateAuthority(db))
	store := remote.NewGormStore(db)

	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	engine, stop, err := NewAuthorityEngine(store, cfg)
	require.NoError(t, err)
	server := httptest.NewServer(engine)
	t.Cleanup(func() {
		server.Close()
		stop()
	})
	return &authorityServer{store: store, server: server}
}

func (a *authorityServer) client(t *testing.T, device string) *remote.HTTPStore {
	t.Helper()
	client, err := remote.NewHTTPStore(a.server.URL, remote.WithDeviceID(device), remote.WithTimeout(5*time.Second))
	require.NoError(t, err)
	return client
}

func newInstallment(t *testing.T, student string) *fee.Installment {
	t.Helper()
	inst, err := fee.NewInstallment("school-1", student, decimal.NewFromInt(500), testDue)
	require.NoError(t, err)
	return inst
}

func TestNewAuthorityEngine_HTTPStore(t *testing.T) {
	a := newAuthorityServer(t, Config{ServiceName: "feedesk", Version: "test", MaxBodySize: 1 << 20, RequestTimeout: 5 * time.Second})
	client := a.client(t, "till-1")
	ctx := testutil.ContextWithTimeout(t, 30*time.Second)

	require.NoError(t, client.Ping(ctx))

	inst := newInstallment(t, "stu-1")
	created, err := client.CreateInstallment(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, created.ID)

	t.Run("duplicate create", func(t *testing.T) {
		_, err := client.CreateInstallment(ctx, inst)
		assert.ErrorIs(t, err, shared.ErrAlreadyExists)
	})

	t.Run("list by school", func(t *testing.T) {
		rows, err := client.ListInstallments(ctx, fee.InstallmentsForSchool("school-1"))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, inst.ID, rows[0].ID)

		rows, err = client.ListInstallments(ctx, fee.InstallmentsForSchool("school-2"))
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("counters", func(t *testing.T) {
		counter, err := client.GetCounter(ctx, testScope)
		require.NoError(t, err)
		assert.Equal(t, int64(0), counter.Counter)

		counter, err = client.IncrementCounter(ctx, testScope)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counter.Counter)
	})

	t.Run("payment replay", func(t *testing.T) {
		stale := *inst
		counter, err := client.GetCounter(ctx, testScope)
		require.NoError(t, err)
		require.NoError(t, inst.RecordPayment(
			fee.Payment{Amount: decimal.NewFromInt(500), PaidAt: testPaidAt},
			&fee.Allocation{Scope: testScope, Sequence: counter.Counter, Number: counter.Render(counter.Counter)},
		))

		updated, err := client.UpdateInstallment(ctx, inst)
		require.NoError(t, err)
		assert.Equal(t, "INST-2026-00001", updated.ReceiptNumber)

		_, err = client.UpdateInstallment(ctx, &stale)
		assert.ErrorIs(t, err, shared.ErrValidationRejected)
	})

	t.Run("unknown installment", func(t *testing.T) {
		ghost := newInstallment(t, "stu-9")
		_, err := client.UpdateInstallment(ctx, ghost)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestNewAuthorityEngine_RateLimit(t *testing.T) {
	a := newAuthorityServer(t, Config{ServiceName: "feedesk", RateLimit: 2, RateWindow: time.Hour})
	ctx := testutil.ContextWithTimeout(t, 30*time.Second)

	busy := a.client(t, "till-busy")
	for i := 0; i < 2; i++ {
		_, err := busy.GetCounter(ctx, testScope)
		require.NoError(t, err)
	}

	_, err := busy.GetCounter(ctx, testScope)
	assert.ErrorIs(t, err, shared.ErrRemoteUnreachable, "a throttled device treats the authority as unreachable")

	// health checks sit outside the limited group
	require.NoError(t, busy.Ping(ctx))

	other := a.client(t, "till-quiet")
	_, err = other.GetCounter(ctx, testScope)
	assert.NoError(t, err, "limits are per device")
}

func TestNewAuthorityEngine_BodyLimit(t *testing.T) {
	a := newAuthorityServer(t, Config{ServiceName: "feedesk", MaxBodySize: 64})
	client := a.client(t, "till-1")
	ctx := testutil.ContextWithTimeout(t, 30*time.Second)

	_, err := client.CreateInstallment(ctx, newInstallment(t, "stu-1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, shared.ErrRemoteUnreachable, "an oversized write never succeeds on retry")
}

// Two devices share one authority over HTTP. The offline device issues a
// tentative number that the other device takes first, so the replay must
// land on the next confirmed number and flag the local row for review.
func TestAuthority_OfflineDeviceReconciles(t *testing.T) {
	a := newAuthorityServer(t, Config{ServiceName: "feedesk", RequestTimeout: 5 * time.Second})
	ctx := testutil.ContextWithTimeout(t, 30*time.Second)

	deviceDB := testutil.NewSQLiteDB(t)
	require.NoError(t, persistence.MigrateLocal(deviceDB))
	local := persistence.NewLocalStore(deviceDB)

	engine, err := ledger.NewEngine(ledger.Options{
		Remote:       a.client(t, "till-offline"),
		Local:        local,
		Cache:        cache.NewGormStore(deviceDB),
		InitialState: connectivity.Offline,
		Retry: fee.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	inst := newInstallment(t, "stu-1")
	_, err = engine.Data.CreateInstallment(ctx, inst)
	require.NoError(t, err)
	paid, err := engine.Data.RecordPayment(ctx, inst.ID, fee.Payment{Amount: decimal.NewFromInt(500), PaidAt: testPaidAt})
	require.NoError(t, err)
	assert.True(t, paid.Tentative)
	assert.True(t, paid.PendingSync)
	assert.Equal(t, "INST-2026-00001", paid.ReceiptNumber)

	_, err = a.client(t, "till-online").IncrementCounter(ctx, testScope)
	require.NoError(t, err)

	engine.Monitor.Report(true)
	testutil.RequireEventually(t, func() bool {
		n, err := engine.Queue.Depth(ctx)
		return err == nil && n == 0
	}, 10*time.Second, 10*time.Millisecond, "queue should drain after reconnect")

	row, err := a.store.FindInstallment(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "INST-2026-00002", row.ReceiptNumber)
	assert.False(t, row.ReceiptTentative)

	mine, err := local.Ledger().FindByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "INST-2026-00002", mine.ReceiptNumber)
	assert.Equal(t, fee.SyncStatusNeedsReview, mine.SyncStatus)

	st, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, &ledger.Status{Online: true}, st)
}
