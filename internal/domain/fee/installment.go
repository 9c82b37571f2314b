package fee

import (
	"fmt"
	"strings"
	"time"

	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// SyncStatus tells whether the local copy of an installment matches the authority
type SyncStatus string

const (
	SyncStatusSynced      SyncStatus = "SYNCED"       // Committed remotely, number confirmed
	SyncStatusPendingSync SyncStatus = "PENDING_SYNC" // Written locally, waiting for replay
	SyncStatusNeedsReview SyncStatus = "NEEDS_REVIEW" // Tentative number was replaced during reconciliation
)

// IsValid checks if the status is a valid SyncStatus
func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPendingSync, SyncStatusNeedsReview:
		return true
	}
	return false
}

// InstallmentStatus is the payment state used by query filters
type InstallmentStatus string

const (
	InstallmentStatusUnpaid  InstallmentStatus = "unpaid"
	InstallmentStatusPartial InstallmentStatus = "partial"
	InstallmentStatusPaid    InstallmentStatus = "paid"
)

// IsValid checks if the status is a valid InstallmentStatus
func (s InstallmentStatus) IsValid() bool {
	switch s {
	case InstallmentStatusUnpaid, InstallmentStatusPartial, InstallmentStatusPaid:
		return true
	}
	return false
}

// Payment is a single payment event against an installment
type Payment struct {
	Amount decimal.Decimal
	PaidAt time.Time
}

// Installment is one scheduled or paid slice of a student's fees.
//
// ReceiptNumber is set exactly when PaidAmount is positive. The number is
// assigned by the first payment and reused by every later partial payment.
type Installment struct {
	shared.BaseEntity
	SchoolID         string          `json:"school_id" validate:"required"`
	StudentID        string          `json:"student_id" validate:"required"`
	Amount           decimal.Decimal `json:"amount"`
	DueDate          time.Time       `json:"due_date" validate:"required"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	PaidDate         *time.Time      `json:"paid_date,omitempty"`
	IsPaid           bool            `json:"is_paid"`
	ReceiptNumber    string          `json:"receipt_number,omitempty"`
	ReceiptSequence  int64           `json:"receipt_sequence,omitempty"`
	ReceiptScope     string          `json:"receipt_scope,omitempty"`
	ReceiptTentative bool            `json:"receipt_tentative"`
	SyncStatus       SyncStatus      `json:"sync_status"`
}

// NewInstallment creates an unpaid installment
func NewInstallment(schoolID, studentID string, amount decimal.Decimal, dueDate time.Time) (*Installment, error) {
	schoolID = strings.TrimSpace(schoolID)
	studentID = strings.TrimSpace(studentID)
	if schoolID == "" {
		return nil, shared.Wrap(shared.ErrInvalidInput, "school id cannot be empty")
	}
	if studentID == "" {
		return nil, shared.Wrap(shared.ErrInvalidInput, "student id cannot be empty")
	}
	if amount.IsNegative() {
		return nil, shared.Wrap(shared.ErrInvalidInput, "amount cannot be negative")
	}
	if dueDate.IsZero() {
		return nil, shared.Wrap(shared.ErrInvalidInput, "due date is required")
	}

	return &Installment{
		BaseEntity: shared.NewBaseEntity(),
		SchoolID:   schoolID,
		StudentID:  studentID,
		Amount:     amount,
		DueDate:    dueDate,
		PaidAmount: decimal.Zero,
		SyncStatus: SyncStatusPendingSync,
	}, nil
}

// HasReceipt reports whether a receipt number has been assigned
func (i *Installment) HasReceipt() bool {
	return i.ReceiptNumber != ""
}

// Outstanding returns the amount still owed
func (i *Installment) Outstanding() decimal.Decimal {
	return i.Amount.Sub(i.PaidAmount)
}

// Status derives the payment status
func (i *Installment) Status() InstallmentStatus {
	switch {
	case i.PaidAmount.IsZero():
		return InstallmentStatusUnpaid
	case i.IsPaid:
		return InstallmentStatusPaid
	default:
		return InstallmentStatusPartial
	}
}

// NeedsAllocation reports whether the next payment must obtain a new receipt number
func (i *Installment) NeedsAllocation() bool {
	return !i.HasReceipt()
}

// ValidatePayment checks a payment without mutating the installment
func (i *Installment) ValidatePayment(p Payment) error {
	if !p.Amount.IsPositive() {
		return shared.Wrap(shared.ErrInvalidInput, "payment amount must be positive")
	}
	if p.PaidAt.IsZero() {
		return shared.Wrap(shared.ErrInvalidInput, "payment date is required")
	}
	if i.PaidAmount.Add(p.Amount).GreaterThan(i.Amount) {
		return shared.Wrap(shared.ErrInvalidInput,
			fmt.Sprintf("payment of %s exceeds outstanding amount %s", p.Amount.String(), i.Outstanding().String()))
	}
	return nil
}

// RecordPayment applies a payment. The first payment must come with an
// allocation; later payments must not, since the number is reused.
func (i *Installment) RecordPayment(p Payment, alloc *Allocation) error {
	if err := i.ValidatePayment(p); err != nil {
		return err
	}

	switch {
	case i.NeedsAllocation() && alloc == nil:
		return shared.ErrPaymentWithoutReceipt
	case !i.NeedsAllocation() && alloc != nil:
		return shared.Wrap(shared.ErrInvalidState,
			fmt.Sprintf("installment %s already carries receipt %s", i.ID, i.ReceiptNumber))
	}

	if alloc != nil {
		if alloc.Number == "" || alloc.Sequence <= 0 {
			return shared.ErrPaymentWithoutReceipt
		}
		i.applyAllocation(*alloc)
	}

	paidAt := p.PaidAt
	i.PaidAmount = i.PaidAmount.Add(p.Amount)
	i.PaidDate = &paidAt
	i.IsPaid = i.PaidAmount.Equal(i.Amount)
	if alloc != nil && alloc.Tentative {
		i.SyncStatus = SyncStatusPendingSync
	}
	i.Touch(time.Now())
	return nil
}

// RecordImportedPayment applies a payment whose receipt was issued outside
// this system. The number is kept as given and no sequence is recorded.
func (i *Installment) RecordImportedPayment(p Payment, receiptNumber string) error {
	receiptNumber = strings.TrimSpace(receiptNumber)
	if receiptNumber == "" {
		return shared.ErrPaymentWithoutReceipt
	}
	if i.HasReceipt() {
		return shared.Wrap(shared.ErrInvalidState,
			fmt.Sprintf("installment %s already carries receipt %s", i.ID, i.ReceiptNumber))
	}
	if err := i.ValidatePayment(p); err != nil {
		return err
	}

	paidAt := p.PaidAt
	i.ReceiptNumber = receiptNumber
	i.PaidAmount = i.PaidAmount.Add(p.Amount)
	i.PaidDate = &paidAt
	i.IsPaid = i.PaidAmount.Equal(i.Amount)
	i.Touch(time.Now())
	return nil
}

// ConfirmReceipt replaces the receipt number with a confirmed allocation.
// When the confirmed sequence differs from the tentative one the installment
// is flagged for manual review.
func (i *Installment) ConfirmReceipt(alloc Allocation) (mismatch bool, err error) {
	if !i.HasReceipt() {
		return false, shared.Wrap(shared.ErrInvalidState, "installment has no receipt to confirm")
	}
	if alloc.Tentative {
		return false, shared.Wrap(shared.ErrInvalidInput, "cannot confirm with a tentative allocation")
	}

	mismatch = i.ReceiptTentative && i.ReceiptSequence != alloc.Sequence
	i.applyAllocation(alloc)
	if mismatch {
		i.SyncStatus = SyncStatusNeedsReview
	} else {
		i.SyncStatus = SyncStatusSynced
	}
	i.Touch(time.Now())
	return mismatch, nil
}

// MarkSynced records a successful remote commit
func (i *Installment) MarkSynced() {
	if i.SyncStatus != SyncStatusNeedsReview {
		i.SyncStatus = SyncStatusSynced
	}
}

// MarkPendingSync records that the change has not reached the authority yet
func (i *Installment) MarkPendingSync() {
	if i.SyncStatus != SyncStatusNeedsReview {
		i.SyncStatus = SyncStatusPendingSync
	}
}

// AcknowledgeReview clears the review flag once an operator has handled a
// replaced tentative number
func (i *Installment) AcknowledgeReview() error {
	if i.SyncStatus != SyncStatusNeedsReview {
		return shared.Wrap(shared.ErrInvalidState, fmt.Sprintf("installment %s is not under review", i.ID))
	}
	i.SyncStatus = SyncStatusSynced
	i.Touch(time.Now())
	return nil
}

func (i *Installment) applyAllocation(alloc Allocation) {
	i.ReceiptNumber = alloc.Number
	i.ReceiptSequence = alloc.Sequence
	i.ReceiptScope = alloc.Scope.Key()
	i.ReceiptTentative = alloc.Tentative
}

// CheckInvariants verifies the payment and receipt invariants
func (i *Installment) CheckInvariants() error {
	if i.Amount.IsNegative() {
		return shared.Wrap(shared.ErrInvalidState, "amount is negative")
	}
	if i.PaidAmount.IsNegative() || i.PaidAmount.GreaterThan(i.Amount) {
		return shared.Wrap(shared.ErrInvalidState, "paid amount outside [0, amount]")
	}
	paid := i.PaidAmount.IsPositive()
	if paid != i.HasReceipt() {
		return shared.Wrap(shared.ErrInvalidState, "receipt number must be present iff a payment is recorded")
	}
	if paid != (i.PaidDate != nil) {
		return shared.Wrap(shared.ErrInvalidState, "paid date must be present iff a payment is recorded")
	}
	if i.IsPaid != (paid && i.PaidAmount.Equal(i.Amount)) {
		return shared.Wrap(shared.ErrInvalidState, "is_paid does not match paid amount")
	}
	return nil
}

// ReceiptScopeFor returns the scope a payment on this installment allocates from
func (i *Installment) ReceiptScopeFor(paidAt time.Time) Scope {
	return Scope{
		SchoolID:     i.SchoolID,
		DocumentType: DocumentTypeInstallmentReceipt,
		Year:         paidAt.Year(),
	}
}
