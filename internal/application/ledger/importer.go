package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	csvimport "github.com/feedesk/backend/internal/infrastructure/import"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ImportOutcome is what happened to one input row
type ImportOutcome string

const (
	ImportCreated   ImportOutcome = "created"   // unpaid, or paid with a number from the file
	ImportAllocated ImportOutcome = "allocated" // paid, number issued during import
	ImportSkipped   ImportOutcome = "skipped"   // already in the ledger
	ImportFailed    ImportOutcome = "failed"
)

// importNamespace derives installment ids from the natural row key so a
// re-imported file maps onto the records it created the first time
var importNamespace = uuid.MustParse("6f1c2a4e-3b9d-5e70-8a21-c4d5e6f70812")

// ImportRowResult is the outcome of one row
type ImportRowResult struct {
	Line          int
	InstallmentID uuid.UUID
	Outcome       ImportOutcome
	ReceiptNumber string
	Tentative     bool
	Err           error

	rowErr *csvimport.RowError
}

// ImportReport summarizes an import run
type ImportReport struct {
	Rows      []ImportRowResult
	RowErrors []csvimport.RowError
	Created   int
	Allocated int
	Skipped   int
	Failed    int
	// Drain is set when the batch was pushed to the authority right away
	Drain *DrainReport
}

func (r *ImportReport) add(res ImportRowResult) {
	r.Rows = append(r.Rows, res)
	if res.rowErr != nil {
		r.RowErrors = append(r.RowErrors, *res.rowErr)
	}
	switch res.Outcome {
	case ImportCreated:
		r.Created++
	case ImportAllocated:
		r.Allocated++
	case ImportSkipped:
		r.Skipped++
	case ImportFailed:
		r.Failed++
	}
}

// Importer turns decoded installment rows into ledger records. Rows are
// processed in file order so receipt numbers follow the file.
type Importer struct {
	data   *DataAccess
	logger *zap.Logger
}

// NewImporter creates an importer writing through data
func NewImporter(data *DataAccess, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{data: data, logger: logger}
}

// RowIDs returns the installment id each row maps to. Rows sharing a
// natural key are numbered by order of appearance, so a repeated row is a
// separate installment and a re-imported file maps onto the same records.
func RowIDs(rows []csvimport.InstallmentRow) []uuid.UUID {
	seen := make(map[string]int, len(rows))
	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		key := fmt.Sprintf("%s|%s|%s|%s",
			row.SchoolID, row.StudentID, row.DueDate.Format(csvimport.DateLayout), row.Amount.String())
		seen[key]++
		if n := seen[key]; n > 1 {
			key = fmt.Sprintf("%s#%d", key, n)
		}
		ids[i] = uuid.NewSHA1(importNamespace, []byte(key))
	}
	return ids
}

// Import stores every valid row of the batch. Rows rejected by the decoder
// are carried into the report untouched. Only a device database failure
// aborts the run.
func (im *Importer) Import(ctx context.Context, batch *csvimport.Batch) (*ImportReport, error) {
	ctx = context.WithoutCancel(ctx)
	if im.data.allocator == nil {
		return nil, errors.New("importer has no allocator bound")
	}

	report := &ImportReport{}
	if batch.Errors != nil {
		report.RowErrors = batch.Errors.Errors()
	}

	ids := RowIDs(batch.Rows)
	for i, row := range batch.Rows {
		res, err := im.importRow(ctx, row, ids[i])
		if err != nil {
			return report, fmt.Errorf("import line %d: %w", row.Line, err)
		}
		report.add(res)
		if res.Err != nil {
			im.logger.Warn("import row failed", zap.Int("line", row.Line), zap.Error(res.Err))
		}
	}

	if report.Created+report.Allocated > 0 && im.data.conn.IsOnline() {
		drain, err := im.data.queue.Drain(ctx)
		if err != nil {
			im.logger.Warn("drain after import failed", zap.Error(err))
		}
		report.Drain = drain
	}

	im.logger.Info("import finished",
		zap.Int("created", report.Created),
		zap.Int("allocated", report.Allocated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("row_errors", len(report.RowErrors)))
	return report, nil
}

// importRow returns a non-nil error only for device database failures;
// row problems are reported in the result
func (im *Importer) importRow(ctx context.Context, row csvimport.InstallmentRow, id uuid.UUID) (ImportRowResult, error) {
	repo := im.data.local.Ledger()
	res := ImportRowResult{Line: row.Line, InstallmentID: id}

	existing, err := repo.FindByID(ctx, res.InstallmentID)
	switch {
	case err == nil:
		res.Outcome = ImportSkipped
		res.ReceiptNumber = existing.ReceiptNumber
		return res, nil
	case !errors.Is(err, shared.ErrNotFound):
		return res, err
	}
	if row.ReceiptNumber != "" {
		holder, err := repo.FindByReceiptNumber(ctx, row.ReceiptNumber)
		switch {
		case err == nil && sameInstallment(holder, row):
			res.Outcome = ImportSkipped
			res.InstallmentID = holder.ID
			res.ReceiptNumber = holder.ReceiptNumber
			return res, nil
		case err == nil:
			res.Outcome = ImportFailed
			res.Err = shared.Wrap(shared.ErrAlreadyExists, fmt.Sprintf("receipt %s already belongs to installment %s of student %s",
				row.ReceiptNumber, holder.ID, holder.StudentID))
			res.rowErr = &csvimport.RowError{
				Row:     row.Line,
				Column:  csvimport.ColReceiptNumber,
				Code:    csvimport.ErrCodeImportReceiptTaken,
				Message: fmt.Sprintf("receipt number already issued to student %s", holder.StudentID),
				Value:   row.ReceiptNumber,
			}
			return res, nil
		case !errors.Is(err, shared.ErrNotFound):
			return res, err
		}
	}

	fail := func(err error) (ImportRowResult, error) {
		res.Outcome = ImportFailed
		res.Err = err
		return res, nil
	}

	inst, err := fee.NewInstallment(row.SchoolID, row.StudentID, row.Amount, row.DueDate)
	if err != nil {
		return fail(err)
	}
	inst.ID = res.InstallmentID

	var (
		alloc       *fee.Allocation
		reservation *Reservation
	)
	if row.IsPaid() {
		if row.PaidDate == nil {
			return fail(shared.Wrap(shared.ErrInvalidInput, "paid row without paid date"))
		}
		p := fee.Payment{Amount: row.PaidAmount, PaidAt: *row.PaidDate}
		if row.ReceiptNumber != "" {
			if err := inst.RecordImportedPayment(p, row.ReceiptNumber); err != nil {
				return fail(err)
			}
		} else {
			if err := inst.ValidatePayment(p); err != nil {
				return fail(err)
			}
			reservation, err = im.data.allocator.Reserve(ctx, inst.ReceiptScopeFor(p.PaidAt))
			if err != nil {
				return fail(err)
			}
			defer reservation.Release()
			a := reservation.Allocation
			alloc = &a
			if err := inst.RecordPayment(p, alloc); err != nil {
				return fail(err)
			}
		}
	}
	inst.MarkPendingSync()

	w, err := fee.NewPendingWrite(fee.OperationCreate, inst, alloc)
	if err != nil {
		return fail(err)
	}
	if alloc == nil {
		w.ScopeKey = inst.ReceiptScope
	}
	if err := im.data.persist(ctx, inst, w, true); err != nil {
		return res, err
	}

	res.ReceiptNumber = inst.ReceiptNumber
	res.Tentative = inst.ReceiptTentative
	res.Outcome = ImportCreated
	if alloc != nil {
		res.Outcome = ImportAllocated
	}
	return res, nil
}

// sameInstallment reports whether a stored installment is the record the row
// describes
func sameInstallment(inst *fee.Installment, row csvimport.InstallmentRow) bool {
	return inst.SchoolID == row.SchoolID &&
		inst.StudentID == row.StudentID &&
		inst.Amount.Equal(row.Amount) &&
		inst.DueDate.Format(csvimport.DateLayout) == row.DueDate.Format(csvimport.DateLayout)
}
