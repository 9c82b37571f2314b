package csvimport

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Installment import columns
const (
	ColStudentID     = "student_id"
	ColSchoolID      = "school_id"
	ColAmount        = "amount"
	ColDueDate       = "due_date"
	ColPaidAmount    = "paid_amount"
	ColPaidDate      = "paid_date"
	ColReceiptNumber = "receipt_number"
)

// DateLayout is the accepted text form of date cells
const DateLayout = "2006-01-02"

// InstallmentColumns lists the columns in export order
var InstallmentColumns = []string{
	ColStudentID, ColSchoolID, ColAmount, ColDueDate, ColPaidAmount, ColPaidDate, ColReceiptNumber,
}

// RequiredColumns must be present in every installment file
var RequiredColumns = []string{ColStudentID, ColSchoolID, ColAmount, ColDueDate}

// InstallmentRow is one validated input row
type InstallmentRow struct {
	Line          int
	StudentID     string
	SchoolID      string
	Amount        decimal.Decimal
	DueDate       time.Time
	PaidAmount    decimal.Decimal
	PaidDate      *time.Time
	ReceiptNumber string
}

// IsPaid reports whether the row records a payment
func (r InstallmentRow) IsPaid() bool {
	return r.PaidAmount.IsPositive()
}

// Batch is the decoded content of one import file, in file order
type Batch struct {
	Rows      []InstallmentRow
	TotalRows int
	Errors    *ErrorCollection
}

type rawInstallmentRow struct {
	StudentID     string `csv:"student_id" validate:"required,max=64"`
	SchoolID      string `csv:"school_id" validate:"required,max=64"`
	Amount        string `csv:"amount" validate:"required,numeric"`
	DueDate       string `csv:"due_date" validate:"required"`
	PaidAmount    string `csv:"paid_amount" validate:"omitempty,numeric"`
	PaidDate      string `csv:"paid_date"`
	ReceiptNumber string `csv:"receipt_number" validate:"max=64"`
}

// Decoder turns rows into installment rows, collecting row errors
type Decoder struct {
	validate  *validator.Validate
	maxErrors int
}

// NewDecoder creates a decoder keeping at most maxErrors row errors
func NewDecoder(maxErrors int) *Decoder {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("csv")
	})
	return &Decoder{validate: v, maxErrors: maxErrors}
}

// Decode reads every row of src. Rows with errors are left out of the
// batch; the caller decides whether a partial batch may be applied.
func (d *Decoder) Decode(src RowSource) (*Batch, error) {
	if missing := MissingHeaders(src, RequiredColumns); len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}

	batch := &Batch{Errors: NewErrorCollection(d.maxErrors)}
	receipts := make(map[string]int)
	for {
		row, err := src.ReadRow()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			batch.TotalRows++
			batch.Errors.Add(RowError{Row: batch.TotalRows + 1, Code: ErrCodeImportMalformedRow, Message: err.Error()})
			continue
		}
		if row.IsEmpty() {
			continue
		}
		batch.TotalRows++

		parsed, ok := d.decodeRow(row, batch.Errors)
		if !ok {
			continue
		}
		if parsed.ReceiptNumber != "" {
			if first, seen := receipts[parsed.ReceiptNumber]; seen {
				batch.Errors.AddDuplicateError(row.LineNumber, ColReceiptNumber,
					fmt.Sprintf("%s (first on row %d)", parsed.ReceiptNumber, first))
				continue
			}
			receipts[parsed.ReceiptNumber] = row.LineNumber
		}
		batch.Rows = append(batch.Rows, parsed)
	}
	return batch, nil
}

func (d *Decoder) decodeRow(row *Row, errs *ErrorCollection) (InstallmentRow, bool) {
	raw := rawInstallmentRow{
		StudentID:     row.Get(ColStudentID),
		SchoolID:      row.Get(ColSchoolID),
		Amount:        row.Get(ColAmount),
		DueDate:       row.Get(ColDueDate),
		PaidAmount:    row.Get(ColPaidAmount),
		PaidDate:      row.Get(ColPaidDate),
		ReceiptNumber: row.Get(ColReceiptNumber),
	}

	before := errs.TotalCount()
	if err := d.validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			errs.Add(RowError{Row: row.LineNumber, Code: ErrCodeImportMalformedRow, Message: err.Error()})
			return InstallmentRow{}, false
		}
		for _, fe := range verrs {
			value := fmt.Sprint(fe.Value())
			switch fe.Tag() {
			case "required":
				errs.AddRequiredError(row.LineNumber, fe.Field())
			case "numeric":
				errs.AddTypeError(row.LineNumber, fe.Field(), "decimal", value)
			case "max":
				errs.Add(RowError{Row: row.LineNumber, Column: fe.Field(), Code: ErrCodeImportInvalidLength,
					Message: fmt.Sprintf("length must be at most %s", fe.Param()), Value: value})
			default:
				errs.AddFormatError(row.LineNumber, fe.Field(), fe.Tag(), value)
			}
		}
	}

	out := InstallmentRow{
		Line:          row.LineNumber,
		StudentID:     raw.StudentID,
		SchoolID:      raw.SchoolID,
		ReceiptNumber: raw.ReceiptNumber,
		PaidAmount:    decimal.Zero,
	}
	if v, err := decimal.NewFromString(raw.Amount); err == nil {
		out.Amount = v
	}
	if raw.PaidAmount != "" {
		if v, err := decimal.NewFromString(raw.PaidAmount); err == nil {
			out.PaidAmount = v
		}
	}
	if raw.DueDate != "" {
		due, err := parseDate(raw.DueDate)
		if err != nil {
			errs.AddFormatError(row.LineNumber, ColDueDate, "YYYY-MM-DD", raw.DueDate)
		}
		out.DueDate = due
	}
	if raw.PaidDate != "" {
		paid, err := parseDate(raw.PaidDate)
		if err != nil {
			errs.AddFormatError(row.LineNumber, ColPaidDate, "YYYY-MM-DD", raw.PaidDate)
		}
		out.PaidDate = &paid
	}
	if errs.TotalCount() > before {
		return InstallmentRow{}, false
	}

	inconsistent := func(column, msg, value string) {
		errs.Add(RowError{Row: row.LineNumber, Column: column, Code: ErrCodeImportInconsistent, Message: msg, Value: value})
	}
	switch {
	case out.Amount.IsNegative():
		errs.Add(RowError{Row: row.LineNumber, Column: ColAmount, Code: ErrCodeImportInvalidRange,
			Message: "amount cannot be negative", Value: raw.Amount})
	case out.PaidAmount.IsNegative() || out.PaidAmount.GreaterThan(out.Amount):
		errs.Add(RowError{Row: row.LineNumber, Column: ColPaidAmount, Code: ErrCodeImportInvalidRange,
			Message: "paid amount must be between 0 and amount", Value: raw.PaidAmount})
	case out.IsPaid() && out.PaidDate == nil:
		inconsistent(ColPaidDate, "paid date is required when a payment is recorded", "")
	case !out.IsPaid() && out.PaidDate != nil:
		inconsistent(ColPaidDate, "paid date given without a payment", raw.PaidDate)
	case !out.IsPaid() && out.ReceiptNumber != "":
		inconsistent(ColReceiptNumber, "receipt number given without a payment", raw.ReceiptNumber)
	}
	return out, errs.TotalCount() == before
}

// parseDate accepts YYYY-MM-DD text and spreadsheet date serials
func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, value); err == nil {
		return t, nil
	}
	if serial, err := strconv.ParseFloat(value, 64); err == nil && serial > 0 {
		return excelize.ExcelDateToTime(serial, false)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q", value)
}
