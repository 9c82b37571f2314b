package integration

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/migration"
	"github.com/feedesk/backend/internal/infrastructure/remote"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testDue    = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	testPaidAt = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	testScope  = fee.Scope{SchoolID: "school-1", DocumentType: fee.DocumentTypeInstallmentReceipt, Year: 2026}
)

func TestMain(m *testing.M) {
	code := m.Run()
	CleanupSharedContainer()
	os.Exit(code)
}

func newInstallment(t *testing.T, student string, amount int64) *fee.Installment {
	t.Helper()
	inst, err := fee.NewInstallment("school-1", student, decimal.NewFromInt(amount), testDue)
	require.NoError(t, err)
	return inst
}

// payConfirmed draws a number from the authority and records a full payment
func payConfirmed(t *testing.T, ctx context.Context, store *remote.GormStore, inst *fee.Installment) {
	t.Helper()
	c, err := store.IncrementCounter(ctx, inst.ReceiptScopeFor(testPaidAt))
	require.NoError(t, err)
	alloc := &fee.Allocation{Scope: c.Scope, Sequence: c.Counter, Number: c.Render(c.Counter)}
	require.NoError(t, inst.RecordPayment(fee.Payment{Amount: inst.Amount, PaidAt: testPaidAt}, alloc))
}

func TestMigrations_RoundTrip(t *testing.T) {
	tdb := NewTestDB(t)

	m, err := migration.New(tdb.SqlDB, "", zap.NewNop())
	require.NoError(t, err)

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(20260301090100), version)
	assert.False(t, dirty)

	require.NoError(t, m.Down())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, tdb.DB.Migrator().HasTable("installments"))

	require.NoError(t, m.Steps(1))
	assert.True(t, tdb.DB.Migrator().HasTable("receipt_counters"))
	assert.False(t, tdb.DB.Migrator().HasTable("installments"))

	require.NoError(t, m.Up())
	assert.True(t, tdb.DB.Migrator().HasTable("installments"))
}

func TestGormStore_Postgres(t *testing.T) {
	tdb := NewSharedTestDB(t)
	store := remote.NewGormStore(tdb.DB)
	ctx := context.Background()

	t.Run("counter contention never issues a duplicate", func(t *testing.T) {
		tdb.CleanTables()

		var (
			mu     sync.Mutex
			issued = map[int64]bool{}
			wg     sync.WaitGroup
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := store.IncrementCounter(ctx, testScope)
				if err != nil {
					assert.ErrorIs(t, err, shared.ErrCounterConflict)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				assert.False(t, issued[c.Counter], "sequence %d issued twice", c.Counter)
				issued[c.Counter] = true
			}()
		}
		wg.Wait()

		c, err := store.GetCounter(ctx, testScope)
		require.NoError(t, err)
		assert.Equal(t, int64(len(issued)), c.Counter)
		for seq := int64(1); seq <= c.Counter; seq++ {
			assert.True(t, issued[seq], "sequence %d skipped", seq)
		}
	})

	t.Run("paid installment round trips with its receipt", func(t *testing.T) {
		tdb.CleanTables()

		inst := newInstallment(t, "stu-1", 750)
		_, err := store.CreateInstallment(ctx, inst)
		require.NoError(t, err)

		payConfirmed(t, ctx, store, inst)
		_, err = store.UpdateInstallment(ctx, inst)
		require.NoError(t, err)

		got, err := store.FindInstallment(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "INST-2026-00001", got.ReceiptNumber)
		assert.True(t, got.IsPaid)
		assert.True(t, got.PaidAmount.Equal(decimal.NewFromInt(750)))

		rows, err := store.ListInstallments(ctx, fee.InstallmentsForSchool("school-1"))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, inst.ID, rows[0].ID)
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		tdb.CleanTables()

		inst := newInstallment(t, "stu-1", 100)
		_, err := store.CreateInstallment(ctx, inst)
		require.NoError(t, err)
		_, err = store.CreateInstallment(ctx, inst)
		assert.ErrorIs(t, err, shared.ErrAlreadyExists)
	})

	t.Run("receipt numbers are unique across installments", func(t *testing.T) {
		tdb.CleanTables()

		first := newInstallment(t, "stu-1", 100)
		_, err := store.CreateInstallment(ctx, first)
		require.NoError(t, err)
		payConfirmed(t, ctx, store, first)
		_, err = store.UpdateInstallment(ctx, first)
		require.NoError(t, err)

		second := newInstallment(t, "stu-2", 100)
		alloc := &fee.Allocation{Scope: testScope, Sequence: 1, Number: first.ReceiptNumber}
		require.NoError(t, second.RecordPayment(fee.Payment{Amount: second.Amount, PaidAt: testPaidAt}, alloc))
		_, err = store.CreateInstallment(ctx, second)
		assert.ErrorIs(t, err, shared.ErrValidationRejected)

		var count int64
		require.NoError(t, tdb.DB.Table("installments").Where("receipt_number = ?", first.ReceiptNumber).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("tentative numbers never reach the authority schema", func(t *testing.T) {
		tdb.CleanTables()

		inst := newInstallment(t, "stu-1", 100)
		_, err := store.CreateInstallment(ctx, inst)
		require.NoError(t, err)

		err = tdb.DB.Exec(`UPDATE installments SET receipt_tentative = TRUE WHERE id = ?`, inst.ID).Error
		assert.Error(t, err)
	})
}
