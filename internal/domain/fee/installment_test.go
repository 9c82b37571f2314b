package fee

import (
	"testing"
	"time"

	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDue    = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	testPaidAt = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
)

func newTestInstallment(t *testing.T, amount int64) *Installment {
	t.Helper()
	inst, err := NewInstallment("school-1", "stu-1", decimal.NewFromInt(amount), testDue)
	require.NoError(t, err)
	return inst
}

func testAllocation(seq int64, tentative bool) *Allocation {
	scope := Scope{SchoolID: "school-1", DocumentType: DocumentTypeInstallmentReceipt, Year: 2026}
	return &Allocation{
		Scope:     scope,
		Sequence:  seq,
		Number:    NewReceiptCounter(scope).Render(seq),
		Tentative: tentative,
	}
}

func payment(amount int64) Payment {
	return Payment{Amount: decimal.NewFromInt(amount), PaidAt: testPaidAt}
}

func TestNewInstallment(t *testing.T) {
	tests := []struct {
		name    string
		school  string
		student string
		amount  int64
		due     time.Time
		wantErr bool
	}{
		{"valid", "school-1", "stu-1", 100, testDue, false},
		{"zero amount", "school-1", "stu-1", 0, testDue, false},
		{"blank school", "  ", "stu-1", 100, testDue, true},
		{"blank student", "school-1", "", 100, testDue, true},
		{"negative amount", "school-1", "stu-1", -1, testDue, true},
		{"missing due date", "school-1", "stu-1", 100, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := NewInstallment(tt.school, tt.student, decimal.NewFromInt(tt.amount), tt.due)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, InstallmentStatusUnpaid, inst.Status())
			assert.Equal(t, SyncStatusPendingSync, inst.SyncStatus)
			assert.True(t, inst.NeedsAllocation())
			assert.NoError(t, inst.CheckInvariants())
		})
	}
}

func TestInstallment_RecordPayment(t *testing.T) {
	t.Run("first payment takes the allocation", func(t *testing.T) {
		inst := newTestInstallment(t, 300)
		require.NoError(t, inst.RecordPayment(payment(100), testAllocation(4, false)))

		assert.Equal(t, "INST-2026-00004", inst.ReceiptNumber)
		assert.Equal(t, int64(4), inst.ReceiptSequence)
		assert.Equal(t, "school-1/installment_receipt/2026", inst.ReceiptScope)
		assert.Equal(t, InstallmentStatusPartial, inst.Status())
		assert.False(t, inst.IsPaid)
		require.NotNil(t, inst.PaidDate)
		assert.NoError(t, inst.CheckInvariants())
	})

	t.Run("later payments reuse the number", func(t *testing.T) {
		inst := newTestInstallment(t, 300)
		require.NoError(t, inst.RecordPayment(payment(100), testAllocation(4, false)))
		require.NoError(t, inst.RecordPayment(payment(200), nil))

		assert.Equal(t, "INST-2026-00004", inst.ReceiptNumber)
		assert.True(t, inst.IsPaid)
		assert.Equal(t, InstallmentStatusPaid, inst.Status())
		assert.NoError(t, inst.CheckInvariants())
	})

	t.Run("tentative allocation marks the record pending", func(t *testing.T) {
		inst := newTestInstallment(t, 100)
		inst.SyncStatus = SyncStatusSynced
		require.NoError(t, inst.RecordPayment(payment(100), testAllocation(8, true)))
		assert.True(t, inst.ReceiptTentative)
		assert.Equal(t, SyncStatusPendingSync, inst.SyncStatus)
	})

	t.Run("first payment without a number", func(t *testing.T) {
		inst := newTestInstallment(t, 100)
		assert.ErrorIs(t, inst.RecordPayment(payment(50), nil), shared.ErrPaymentWithoutReceipt)
		assert.ErrorIs(t, inst.RecordPayment(payment(50), &Allocation{}), shared.ErrPaymentWithoutReceipt)
		assert.True(t, inst.PaidAmount.IsZero())
	})

	t.Run("second allocation is refused", func(t *testing.T) {
		inst := newTestInstallment(t, 300)
		require.NoError(t, inst.RecordPayment(payment(100), testAllocation(1, false)))
		assert.ErrorIs(t, inst.RecordPayment(payment(100), testAllocation(2, false)), shared.ErrInvalidState)
	})

	t.Run("invalid payments", func(t *testing.T) {
		inst := newTestInstallment(t, 100)
		tests := []struct {
			name string
			p    Payment
		}{
			{"zero", payment(0)},
			{"negative", payment(-5)},
			{"overpayment", payment(101)},
			{"missing date", Payment{Amount: decimal.NewFromInt(10)}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.ErrorIs(t, inst.RecordPayment(tt.p, testAllocation(1, false)), shared.ErrInvalidInput)
				assert.False(t, inst.HasReceipt())
			})
		}
	})
}

func TestInstallment_RecordImportedPayment(t *testing.T) {
	inst := newTestInstallment(t, 100)
	assert.ErrorIs(t, inst.RecordImportedPayment(payment(100), "  "), shared.ErrPaymentWithoutReceipt)

	require.NoError(t, inst.RecordImportedPayment(payment(100), " LEGACY-7 "))
	assert.Equal(t, "LEGACY-7", inst.ReceiptNumber)
	assert.Zero(t, inst.ReceiptSequence)
	assert.True(t, inst.IsPaid)
	assert.NoError(t, inst.CheckInvariants())

	assert.ErrorIs(t, inst.RecordImportedPayment(payment(1), "LEGACY-8"), shared.ErrInvalidState)
}

func TestInstallment_ConfirmReceipt(t *testing.T) {
	t.Run("same sequence", func(t *testing.T) {
		inst := newTestInstallment(t, 100)
		require.NoError(t, inst.RecordPayment(payment(100), testAllocation(8, true)))

		mismatch, err := inst.ConfirmReceipt(*testAllocation(8, false))
		require.NoError(t, err)
		assert.False(t, mismatch)
		assert.False(t, inst.ReceiptTentative)
		assert.Equal(t, SyncStatusSynced, inst.SyncStatus)
	})

	t.Run("different sequence flags the record", func(t *testing.T) {
		inst := newTestInstallment(t, 100)
		require.NoError(t, inst.RecordPayment(payment(100), testAllocation(8, true)))
		version := inst.Version

		mismatch, err := inst.ConfirmReceipt(*testAllocation(10, false))
		require.NoError(t, err)
		assert.True(t, mismatch)
		assert.Equal(t, "INST-2026-00010", inst.ReceiptNumber)
		assert.Equal(t, SyncStatusNeedsReview, inst.SyncStatus)
		assert.Greater(t, inst.Version, version)

		inst.MarkSynced()
		inst.MarkPendingSync()
		assert.Equal(t, SyncStatusNeedsReview, inst.SyncStatus, "review flag survives sync transitions")

		require.NoError(t, inst.AcknowledgeReview())
		assert.Equal(t, SyncStatusSynced, inst.SyncStatus)
		assert.ErrorIs(t, inst.AcknowledgeReview(), shared.ErrInvalidState)
	})

	t.Run("preconditions", func(t *testing.T) {
		inst := newTestInstallment(t, 100)
		_, err := inst.ConfirmReceipt(*testAllocation(1, false))
		assert.ErrorIs(t, err, shared.ErrInvalidState)

		require.NoError(t, inst.RecordPayment(payment(100), testAllocation(8, true)))
		_, err = inst.ConfirmReceipt(*testAllocation(9, true))
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})
}

func TestInstallment_CheckInvariants(t *testing.T) {
	paid := testPaidAt
	tests := []struct {
		name   string
		mutate func(*Installment)
	}{
		{"paid without receipt", func(i *Installment) {
			i.PaidAmount = decimal.NewFromInt(10)
			i.PaidDate = &paid
		}},
		{"receipt without payment", func(i *Installment) { i.ReceiptNumber = "X-1" }},
		{"overpaid", func(i *Installment) {
			i.PaidAmount = decimal.NewFromInt(101)
			i.PaidDate = &paid
			i.ReceiptNumber = "X-1"
		}},
		{"is_paid on partial", func(i *Installment) {
			i.PaidAmount = decimal.NewFromInt(10)
			i.PaidDate = &paid
			i.ReceiptNumber = "X-1"
			i.IsPaid = true
		}},
		{"missing paid date", func(i *Installment) {
			i.PaidAmount = decimal.NewFromInt(10)
			i.ReceiptNumber = "X-1"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newTestInstallment(t, 100)
			tt.mutate(inst)
			assert.ErrorIs(t, inst.CheckInvariants(), shared.ErrInvalidState)
		})
	}
}

func TestInstallment_ReceiptScopeFor(t *testing.T) {
	inst := newTestInstallment(t, 100)
	scope := inst.ReceiptScopeFor(time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, Scope{SchoolID: "school-1", DocumentType: DocumentTypeInstallmentReceipt, Year: 2027}, scope)
}
