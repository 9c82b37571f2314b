package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func setupLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	db, err := NewLocalDatabase(":memory:", nil, logger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLocalStore(db.DB)
}

func newInstallment(t *testing.T, school, student string, amount int64) *fee.Installment {
	t.Helper()
	inst, err := fee.NewInstallment(school, student, decimal.NewFromInt(amount), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return inst
}

func pay(t *testing.T, inst *fee.Installment, amount int64, seq int64, tentative bool) {
	t.Helper()
	paidAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var alloc *fee.Allocation
	if inst.NeedsAllocation() {
		scope := inst.ReceiptScopeFor(paidAt)
		alloc = &fee.Allocation{Scope: scope, Sequence: seq, Number: fee.NewReceiptCounter(scope).Render(seq), Tentative: tentative}
	}
	require.NoError(t, inst.RecordPayment(fee.Payment{Amount: decimal.NewFromInt(amount), PaidAt: paidAt}, alloc))
}

func TestGormLedgerRepository(t *testing.T) {
	store := setupLocalStore(t)
	repo := store.Ledger()
	ctx := context.Background()

	unpaid := newInstallment(t, "s1", "stu-1", 1000)
	partial := newInstallment(t, "s1", "stu-1", 1000)
	pay(t, partial, 400, 1, false)
	paid := newInstallment(t, "s1", "stu-2", 500)
	pay(t, paid, 500, 2, false)
	other := newInstallment(t, "s2", "stu-9", 300)

	for _, inst := range []*fee.Installment{unpaid, partial, paid, other} {
		require.NoError(t, repo.Save(ctx, inst))
	}

	t.Run("round trips an installment", func(t *testing.T) {
		got, err := repo.FindByID(ctx, partial.ID)
		require.NoError(t, err)
		assert.True(t, got.PaidAmount.Equal(decimal.NewFromInt(400)))
		assert.Equal(t, "INST-2026-00001", got.ReceiptNumber)
		assert.Equal(t, int64(1), got.ReceiptSequence)
		assert.Equal(t, "s1/installment_receipt/2026", got.ReceiptScope)
		require.NotNil(t, got.PaidDate)
		assert.NoError(t, got.CheckInvariants())
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		_, err := repo.FindByID(ctx, uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("filters by query shape", func(t *testing.T) {
		cases := []struct {
			name string
			q    fee.Query
			want int
		}{
			{"all", fee.AllInstallments(), 4},
			{"school", fee.InstallmentsForSchool("s1"), 3},
			{"student", fee.InstallmentsForStudent("s1", "stu-1"), 2},
			{"unpaid", fee.Query{Collection: fee.CollectionInstallments, Status: fee.InstallmentStatusUnpaid}, 2},
			{"partial", fee.Query{Collection: fee.CollectionInstallments, Status: fee.InstallmentStatusPartial}, 1},
			{"paid in school", fee.Query{Collection: fee.CollectionInstallments, SchoolID: "s1", Status: fee.InstallmentStatusPaid}, 1},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				got, err := repo.Find(ctx, tc.q)
				require.NoError(t, err)
				assert.Len(t, got, tc.want)
			})
		}
	})

	t.Run("save updates the row it was read from", func(t *testing.T) {
		row, err := repo.FindByID(ctx, unpaid.ID)
		require.NoError(t, err)
		pay(t, row, 1000, 3, true)
		require.NoError(t, repo.Save(ctx, row))

		got, err := repo.FindByID(ctx, unpaid.ID)
		require.NoError(t, err)
		assert.True(t, got.IsPaid)
		assert.True(t, got.ReceiptTentative)
		assert.Equal(t, fee.SyncStatusPendingSync, got.SyncStatus)
		assert.Equal(t, row.Version, got.Version)
	})

	t.Run("save refuses a row that moved since it was read", func(t *testing.T) {
		first, err := repo.FindByID(ctx, partial.ID)
		require.NoError(t, err)
		second, err := repo.FindByID(ctx, partial.ID)
		require.NoError(t, err)

		pay(t, first, 100, 0, false)
		require.NoError(t, repo.Save(ctx, first))

		pay(t, second, 200, 0, false)
		err = repo.Save(ctx, second)
		assert.ErrorIs(t, err, shared.ErrStaleVersion)

		got, err := repo.FindByID(ctx, partial.ID)
		require.NoError(t, err)
		assert.True(t, got.PaidAmount.Equal(decimal.NewFromInt(500)), "the first payment survives")
	})

	t.Run("save refuses to insert an existing id", func(t *testing.T) {
		dup := *other
		err := repo.Save(ctx, &dup)
		assert.ErrorIs(t, err, shared.ErrAlreadyExists)
	})

	t.Run("merge keeps rows with local changes", func(t *testing.T) {
		remoteCopy := *unpaid
		remoteCopy.PaidAmount = decimal.Zero
		remoteCopy.IsPaid = false
		remoteCopy.ReceiptNumber = ""

		fresh := newInstallment(t, "s3", "stu-3", 100)
		require.NoError(t, repo.MergeRemote(ctx, []fee.Installment{remoteCopy, *fresh}))

		kept, err := repo.FindByID(ctx, unpaid.ID)
		require.NoError(t, err)
		assert.True(t, kept.IsPaid)

		merged, err := repo.FindByID(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, fee.SyncStatusSynced, merged.SyncStatus)
	})
}

func TestGormCounterSnapshotRepository(t *testing.T) {
	store := setupLocalStore(t)
	repo := store.Counters()
	ctx := context.Background()
	scope := fee.Scope{SchoolID: "s1", DocumentType: fee.DocumentTypeInstallmentReceipt, Year: 2026}

	t.Run("unknown scope returns nil", func(t *testing.T) {
		got, err := repo.Get(ctx, scope)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("stores and never moves backwards", func(t *testing.T) {
		c := fee.NewReceiptCounter(scope)
		c.Counter = 7
		require.NoError(t, repo.Save(ctx, c))

		older := fee.NewReceiptCounter(scope)
		older.Counter = 5
		require.NoError(t, repo.Save(ctx, older))

		got, err := repo.Get(ctx, scope)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(7), got.Counter)
		assert.Equal(t, scope, got.Scope)

		newer := fee.NewReceiptCounter(scope)
		newer.Counter = 9
		require.NoError(t, repo.Save(ctx, newer))
		got, err = repo.Get(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(9), got.Counter)
	})

	t.Run("scopes are independent", func(t *testing.T) {
		next := scope
		next.Year = 2027
		got, err := repo.Get(ctx, next)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestGormPendingWriteRepository(t *testing.T) {
	store := setupLocalStore(t)
	repo := store.Writes()
	ctx := context.Background()
	scope := fee.Scope{SchoolID: "s1", DocumentType: fee.DocumentTypeInstallmentReceipt, Year: 2026}

	enqueue := func(tentative bool, seq int64) *fee.PendingWrite {
		inst := newInstallment(t, "s1", "stu-1", 100)
		alloc := &fee.Allocation{Scope: scope, Sequence: seq, Number: "N", Tentative: tentative}
		w, err := fee.NewPendingWrite(fee.OperationCreate, inst, alloc)
		require.NoError(t, err)
		require.NoError(t, repo.Append(ctx, w))
		return w
	}

	first := enqueue(true, 8)
	second := enqueue(true, 9)
	confirmed := enqueue(false, 10)

	t.Run("assigns increasing positions", func(t *testing.T) {
		assert.Equal(t, int64(1), first.Position)
		assert.Equal(t, int64(2), second.Position)
		assert.Equal(t, int64(3), confirmed.Position)
	})

	t.Run("lists open writes in order with payload", func(t *testing.T) {
		open, err := repo.ListOpen(ctx)
		require.NoError(t, err)
		require.Len(t, open, 3)
		assert.Equal(t, first.ID, open[0].ID)
		assert.Equal(t, confirmed.ID, open[2].ID)

		inst, err := open[0].Installment()
		require.NoError(t, err)
		assert.Equal(t, first.EntityID, inst.ID)
	})

	t.Run("counts only tentative reservations", func(t *testing.T) {
		n, err := repo.CountTentative(ctx, scope.Key())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		second.RecordConfirmation(11)
		require.NoError(t, repo.Update(ctx, second))
		n, err = repo.CountTentative(ctx, scope.Key())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("blocked writes stay open", func(t *testing.T) {
		first.MarkBlocked("rejected")
		require.NoError(t, repo.Update(ctx, first))

		got, err := repo.FindByID(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, got.IsBlocked())
		assert.Equal(t, 1, got.Attempts)

		open, err := repo.ListOpen(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 3)
	})

	t.Run("delete removes the write", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, confirmed.ID))
		_, err := repo.FindByID(ctx, confirmed.ID)
		assert.ErrorIs(t, err, shared.ErrNotFound)

		next := enqueue(false, 12)
		assert.Equal(t, int64(3), next.Position)
	})
}

func TestLocalStore_Transaction(t *testing.T) {
	store := setupLocalStore(t)
	ctx := context.Background()
	inst := newInstallment(t, "s1", "stu-1", 100)

	t.Run("rolls back every repository on error", func(t *testing.T) {
		err := store.Transaction(ctx, func(tx fee.LocalStore) error {
			require.NoError(t, tx.Ledger().Save(ctx, inst))
			w, err := fee.NewPendingWrite(fee.OperationCreate, inst, nil)
			require.NoError(t, err)
			require.NoError(t, tx.Writes().Append(ctx, w))
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		_, err = store.Ledger().FindByID(ctx, inst.ID)
		assert.ErrorIs(t, err, shared.ErrNotFound)
		open, err := store.Writes().ListOpen(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("commits together", func(t *testing.T) {
		err := store.Transaction(ctx, func(tx fee.LocalStore) error {
			if err := tx.Ledger().Save(ctx, inst); err != nil {
				return err
			}
			w, err := fee.NewPendingWrite(fee.OperationCreate, inst, nil)
			if err != nil {
				return err
			}
			return tx.Writes().Append(ctx, w)
		})
		require.NoError(t, err)

		_, err = store.Ledger().FindByID(ctx, inst.ID)
		assert.NoError(t, err)
		open, err := store.Writes().ListOpen(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}
