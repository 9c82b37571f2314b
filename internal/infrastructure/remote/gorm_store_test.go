package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/persistence"
	"github.com/feedesk/backend/tests/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paidAt = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func setupAuthority(t *testing.T) *GormStore {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	require.NoError(t, persistence.MigrateAuthority(db))
	return NewGormStore(db)
}

func unpaidInstallment(t *testing.T, school, student string, amount int64) *fee.Installment {
	t.Helper()
	inst, err := fee.NewInstallment(school, student, decimal.NewFromInt(amount), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return inst
}

func payWith(t *testing.T, inst *fee.Installment, amount int64, counter *fee.ReceiptCounter) {
	t.Helper()
	var alloc *fee.Allocation
	if counter != nil {
		alloc = &fee.Allocation{Scope: counter.Scope, Sequence: counter.Counter, Number: counter.Render(counter.Counter)}
	}
	require.NoError(t, inst.RecordPayment(fee.Payment{Amount: decimal.NewFromInt(amount), PaidAt: paidAt}, alloc))
}

func TestGormStore_Counters(t *testing.T) {
	ctx := context.Background()
	scope := fee.Scope{SchoolID: "s1", DocumentType: fee.DocumentTypeInstallmentReceipt, Year: 2026}

	t.Run("unused scope reads as zero", func(t *testing.T) {
		store := setupAuthority(t)
		c, err := store.GetCounter(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(0), c.Counter)
		assert.Equal(t, "INST", c.Prefix)
	})

	t.Run("increments are contiguous from one", func(t *testing.T) {
		store := setupAuthority(t)
		for want := int64(1); want <= 3; want++ {
			c, err := store.IncrementCounter(ctx, scope)
			require.NoError(t, err)
			assert.Equal(t, want, c.Counter)
		}
		c, err := store.GetCounter(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(3), c.Counter)
	})

	t.Run("scopes are independent", func(t *testing.T) {
		store := setupAuthority(t)
		_, err := store.IncrementCounter(ctx, scope)
		require.NoError(t, err)

		nextYear := scope
		nextYear.Year = 2027
		c, err := store.IncrementCounter(ctx, nextYear)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Counter)
	})

	t.Run("configured defaults apply to new counters", func(t *testing.T) {
		db := testutil.NewSQLiteDB(t)
		require.NoError(t, persistence.MigrateAuthority(db))
		store := NewGormStore(db, WithCounterDefaults(CounterDefaults{
			Prefix: func(fee.DocumentType) string { return "FEE" },
			Format: "{prefix}/{seq:3}",
		}))

		c, err := store.IncrementCounter(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, "FEE/001", c.Render(c.Counter))
	})

	t.Run("concurrent increments never issue a duplicate", func(t *testing.T) {
		store := setupAuthority(t)
		var (
			mu     sync.Mutex
			issued = map[int64]bool{}
			wg     sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := store.IncrementCounter(ctx, scope)
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

		c, err := store.GetCounter(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(len(issued)), c.Counter)
	})

	t.Run("rejects an invalid scope", func(t *testing.T) {
		store := setupAuthority(t)
		_, err := store.IncrementCounter(ctx, fee.Scope{DocumentType: fee.DocumentTypeReceipt, Year: 2026})
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})
}

func TestAdvanceCounter_ConditionalUpdate(t *testing.T) {
	scope := fee.Scope{SchoolID: "s1", DocumentType: fee.DocumentTypeInstallmentReceipt, Year: 2026}
	now := time.Now()

	t.Run("one row affected advances", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		mockDB.Mock.ExpectExec(`UPDATE "receipt_counters" SET .*WHERE .*counter = \$6`).
			WithArgs(int64(6), sqlmock.AnyArg(), "s1", fee.DocumentTypeInstallmentReceipt, 2026, int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		moved, err := advanceCounter(mockDB.DB, scope, 5, now)
		require.NoError(t, err)
		assert.True(t, moved)
		mockDB.ExpectationsWereMet(t)
	})

	t.Run("zero rows affected is a conflict", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		mockDB.Mock.ExpectExec(`UPDATE "receipt_counters"`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		moved, err := advanceCounter(mockDB.DB, scope, 5, now)
		require.NoError(t, err)
		assert.False(t, moved)
		mockDB.ExpectationsWereMet(t)
	})

	t.Run("stale expectation on sqlite does not move the counter", func(t *testing.T) {
		store := setupAuthority(t)
		ctx := context.Background()
		_, err := store.IncrementCounter(ctx, scope)
		require.NoError(t, err)
		_, err = store.IncrementCounter(ctx, scope)
		require.NoError(t, err)

		moved, err := advanceCounter(store.db, scope, 1, now)
		require.NoError(t, err)
		assert.False(t, moved)

		c, err := store.GetCounter(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(2), c.Counter)
	})
}

func TestGormStore_Installments(t *testing.T) {
	ctx := context.Background()

	t.Run("creates and lists by filter", func(t *testing.T) {
		store := setupAuthority(t)
		a := unpaidInstallment(t, "s1", "stu-1", 1000)
		b := unpaidInstallment(t, "s1", "stu-2", 500)
		c := unpaidInstallment(t, "s2", "stu-3", 700)
		for _, inst := range []*fee.Installment{a, b, c} {
			_, err := store.CreateInstallment(ctx, inst)
			require.NoError(t, err)
		}

		all, err := store.ListInstallments(ctx, fee.AllInstallments())
		require.NoError(t, err)
		assert.Len(t, all, 3)

		school, err := store.ListInstallments(ctx, fee.InstallmentsForSchool("s1"))
		require.NoError(t, err)
		assert.Len(t, school, 2)

		student, err := store.ListInstallments(ctx, fee.InstallmentsForStudent("s1", "stu-2"))
		require.NoError(t, err)
		require.Len(t, student, 1)
		assert.Equal(t, b.ID, student[0].ID)
		assert.Equal(t, fee.SyncStatusSynced, student[0].SyncStatus)
	})

	t.Run("duplicate create reports already exists", func(t *testing.T) {
		store := setupAuthority(t)
		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		_, err := store.CreateInstallment(ctx, inst)
		require.NoError(t, err)

		_, err = store.CreateInstallment(ctx, inst)
		assert.ErrorIs(t, err, shared.ErrAlreadyExists)
	})

	t.Run("accepts a payment with an issued number", func(t *testing.T) {
		store := setupAuthority(t)
		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		_, err := store.CreateInstallment(ctx, inst)
		require.NoError(t, err)

		counter, err := store.IncrementCounter(ctx, inst.ReceiptScopeFor(paidAt))
		require.NoError(t, err)
		payWith(t, inst, 400, counter)

		stored, err := store.UpdateInstallment(ctx, inst)
		require.NoError(t, err)
		assert.Equal(t, "INST-2026-00001", stored.ReceiptNumber)
		assert.True(t, stored.PaidAmount.Equal(decimal.NewFromInt(400)))
	})

	t.Run("rejects payloads that break invariants", func(t *testing.T) {
		store := setupAuthority(t)
		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		inst.PaidAmount = decimal.NewFromInt(10)

		_, err := store.CreateInstallment(ctx, inst)
		assert.ErrorIs(t, err, shared.ErrValidationRejected)
	})

	t.Run("rejects a missing student id", func(t *testing.T) {
		store := setupAuthority(t)
		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		inst.StudentID = ""

		_, err := store.CreateInstallment(ctx, inst)
		assert.ErrorIs(t, err, shared.ErrValidationRejected)
	})

	t.Run("rejects tentative numbers", func(t *testing.T) {
		store := setupAuthority(t)
		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		counter, err := store.IncrementCounter(ctx, inst.ReceiptScopeFor(paidAt))
		require.NoError(t, err)
		payWith(t, inst, 1000, counter)
		inst.ReceiptTentative = true

		_, err = store.CreateInstallment(ctx, inst)
		assert.ErrorIs(t, err, shared.ErrValidationRejected)
	})

	t.Run("rejects sequences the counter never issued", func(t *testing.T) {
		store := setupAuthority(t)
		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		scope := inst.ReceiptScopeFor(paidAt)
		c := fee.NewReceiptCounter(scope)
		c.Counter = 4
		payWith(t, inst, 1000, c)

		_, err := store.CreateInstallment(ctx, inst)
		assert.ErrorIs(t, err, shared.ErrValidationRejected)
	})

	t.Run("rejects a receipt number already used elsewhere", func(t *testing.T) {
		store := setupAuthority(t)
		first := unpaidInstallment(t, "s1", "stu-1", 1000)
		counter, err := store.IncrementCounter(ctx, first.ReceiptScopeFor(paidAt))
		require.NoError(t, err)
		payWith(t, first, 1000, counter)
		_, err = store.CreateInstallment(ctx, first)
		require.NoError(t, err)

		second := unpaidInstallment(t, "s1", "stu-2", 1000)
		payWith(t, second, 1000, counter)
		_, err = store.CreateInstallment(ctx, second)
		assert.ErrorIs(t, err, shared.ErrValidationRejected)
	})

	t.Run("a stored receipt number cannot be replaced", func(t *testing.T) {
		store := setupAuthority(t)
		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		scope := inst.ReceiptScopeFor(paidAt)
		counter, err := store.IncrementCounter(ctx, scope)
		require.NoError(t, err)
		payWith(t, inst, 400, counter)
		_, err = store.CreateInstallment(ctx, inst)
		require.NoError(t, err)

		next, err := store.IncrementCounter(ctx, scope)
		require.NoError(t, err)
		inst.ReceiptNumber = next.Render(next.Counter)
		inst.ReceiptSequence = next.Counter
		inst.Touch(time.Now())

		_, err = store.UpdateInstallment(ctx, inst)
		assert.ErrorIs(t, err, shared.ErrValidationRejected)
	})

	t.Run("rejects stale versions", func(t *testing.T) {
		store := setupAuthority(t)
		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		inst.Touch(time.Now())
		_, err := store.CreateInstallment(ctx, inst)
		require.NoError(t, err)

		stale := *inst
		stale.Version = 1
		_, err = store.UpdateInstallment(ctx, &stale)
		assert.ErrorIs(t, err, shared.ErrValidationRejected)
	})

	t.Run("update of an unknown installment is not found", func(t *testing.T) {
		store := setupAuthority(t)
		_, err := store.UpdateInstallment(ctx, unpaidInstallment(t, "s1", "stu-1", 1000))
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("finds by id", func(t *testing.T) {
		store := setupAuthority(t)
		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		_, err := store.CreateInstallment(ctx, inst)
		require.NoError(t, err)

		got, err := store.FindInstallment(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, inst.StudentID, got.StudentID)

		_, err = store.FindInstallment(ctx, testutil.NewTestUUID("missing"))
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("ping succeeds on an open database", func(t *testing.T) {
		assert.NoError(t, setupAuthority(t).Ping(ctx))
	})
}
