package csvimport

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// DefaultSheet is the sheet written by WriteInstallmentsXLSX
const DefaultSheet = "Installments"

// XLSXReader reads rows of one worksheet. The first row is the header.
type XLSXReader struct {
	headers []string
	rows    [][]string
	next    int
}

// NewXLSXReader opens a workbook and loads sheet, or the first sheet when
// sheet is empty
func NewXLSXReader(r io.Reader, sheet string) (*XLSXReader, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrNoSheet
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}
	if len(rows[0]) == 0 {
		return nil, ErrMissingHeader
	}

	return &XLSXReader{headers: normalizeHeaders(rows[0]), rows: rows[1:]}, nil
}

// Headers returns the parsed header names
func (x *XLSXReader) Headers() []string {
	return x.headers
}

// ReadRow returns the next row or io.EOF
func (x *XLSXReader) ReadRow() (*Row, error) {
	if x.next >= len(x.rows) {
		return nil, io.EOF
	}
	record := x.rows[x.next]
	x.next++
	// header is spreadsheet row 1
	return mapRow(x.next+1, x.headers, record), nil
}

// ExportRow is one installment line of an export
type ExportRow struct {
	StudentID     string
	SchoolID      string
	Amount        decimal.Decimal
	DueDate       string
	PaidAmount    decimal.Decimal
	PaidDate      string
	ReceiptNumber string
}

// WriteInstallmentsXLSX writes rows in the import layout so an export can be
// edited and imported again
func WriteInstallmentsXLSX(w io.Writer, rows []ExportRow) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", DefaultSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	for i, header := range InstallmentColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(DefaultSheet, cell, header); err != nil {
			return err
		}
	}
	for i, r := range rows {
		values := []any{r.StudentID, r.SchoolID, r.Amount.StringFixed(2), r.DueDate, r.PaidAmount.StringFixed(2), r.PaidDate, r.ReceiptNumber}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := f.SetCellValue(DefaultSheet, cell, v); err != nil {
				return err
			}
		}
	}
	return f.Write(w)
}
