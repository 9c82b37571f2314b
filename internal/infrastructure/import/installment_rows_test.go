package csvimport

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const header = "student_id,school_id,amount,due_date,paid_amount,paid_date,receipt_number\n"

func decodeCSV(t *testing.T, body string) *Batch {
	t.Helper()
	p, err := ParseFromBytes([]byte(header + body))
	require.NoError(t, err)
	batch, err := NewDecoder(50).Decode(p)
	require.NoError(t, err)
	return batch
}

func TestDecoder_ValidRows(t *testing.T) {
	batch := decodeCSV(t, ""+
		"stu-1,s1,1000,2026-03-01,1000,2026-03-02,\n"+
		"stu-2,s1,500,2026-03-01,,,\n"+
		"\n"+
		"stu-3,s1,800.50,2026-04-01,200,2026-04-02,INST-2026-00042\n")

	require.False(t, batch.Errors.HasErrors(), batch.Errors.String())
	assert.Equal(t, 3, batch.TotalRows)
	require.Len(t, batch.Rows, 3)

	first := batch.Rows[0]
	assert.Equal(t, 2, first.Line)
	assert.True(t, first.IsPaid())
	assert.True(t, first.Amount.Equal(decimal.NewFromInt(1000)))
	require.NotNil(t, first.PaidDate)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), *first.PaidDate)

	assert.False(t, batch.Rows[1].IsPaid())
	assert.Nil(t, batch.Rows[1].PaidDate)

	third := batch.Rows[2]
	assert.Equal(t, 5, third.Line)
	assert.Equal(t, "INST-2026-00042", third.ReceiptNumber)
	assert.True(t, third.Amount.Equal(decimal.RequireFromString("800.50")))
}

func TestDecoder_RowErrors(t *testing.T) {
	tests := []struct {
		name   string
		row    string
		column string
		code   string
	}{
		{"missing student", ",s1,100,2026-03-01,,,", ColStudentID, ErrCodeImportRequiredField},
		{"non numeric amount", "stu-1,s1,abc,2026-03-01,,,", ColAmount, ErrCodeImportInvalidType},
		{"bad due date", "stu-1,s1,100,03/01/2026,,,", ColDueDate, ErrCodeImportInvalidFormat},
		{"negative amount", "stu-1,s1,-5,2026-03-01,,,", ColAmount, ErrCodeImportInvalidRange},
		{"overpayment", "stu-1,s1,100,2026-03-01,150,2026-03-02,", ColPaidAmount, ErrCodeImportInvalidRange},
		{"payment without date", "stu-1,s1,100,2026-03-01,50,,", ColPaidDate, ErrCodeImportInconsistent},
		{"date without payment", "stu-1,s1,100,2026-03-01,,2026-03-02,", ColPaidDate, ErrCodeImportInconsistent},
		{"receipt without payment", "stu-1,s1,100,2026-03-01,0,,INST-2026-00001", ColReceiptNumber, ErrCodeImportInconsistent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := decodeCSV(t, tt.row+"\n")
			assert.Empty(t, batch.Rows)
			require.True(t, batch.Errors.HasErrors())
			errs := batch.Errors.Errors()
			assert.Equal(t, 2, errs[0].Row)
			assert.Equal(t, tt.column, errs[0].Column)
			assert.Equal(t, tt.code, errs[0].Code)
		})
	}
}

func TestDecoder_DuplicateReceiptInFile(t *testing.T) {
	batch := decodeCSV(t, ""+
		"stu-1,s1,100,2026-03-01,100,2026-03-02,INST-2026-00001\n"+
		"stu-2,s1,100,2026-03-01,100,2026-03-02,INST-2026-00001\n")

	require.Len(t, batch.Rows, 1)
	require.Equal(t, 1, batch.Errors.TotalCount())
	assert.Equal(t, ErrCodeImportDuplicate, batch.Errors.Errors()[0].Code)
	assert.Equal(t, 3, batch.Errors.Errors()[0].Row)
}

func TestDecoder_MissingColumns(t *testing.T) {
	p, err := ParseFromBytes([]byte("student_id,amount\nstu-1,100\n"))
	require.NoError(t, err)
	_, err = NewDecoder(10).Decode(p)
	assert.ErrorContains(t, err, "school_id, due_date")
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), d)

	// 46082 is 2026-03-01 in the 1900 date system
	d, err = parseDate("46082")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", d.Format(DateLayout))

	_, err = parseDate("first of march")
	assert.Error(t, err)
}

func TestXLSX_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	err := WriteInstallmentsXLSX(&buf, []ExportRow{
		{StudentID: "stu-1", SchoolID: "s1", Amount: decimal.NewFromInt(1000), DueDate: "2026-03-01",
			PaidAmount: decimal.NewFromInt(400), PaidDate: "2026-03-02", ReceiptNumber: "INST-2026-00001"},
		{StudentID: "stu-2", SchoolID: "s1", Amount: decimal.NewFromInt(500), DueDate: "2026-03-01",
			PaidAmount: decimal.Zero},
	})
	require.NoError(t, err)

	reader, err := NewXLSXReader(bytes.NewReader(buf.Bytes()), "")
	require.NoError(t, err)
	assert.Equal(t, InstallmentColumns, reader.Headers())

	batch, err := NewDecoder(10).Decode(reader)
	require.NoError(t, err)
	require.False(t, batch.Errors.HasErrors(), batch.Errors.String())
	require.Len(t, batch.Rows, 2)
	assert.Equal(t, "INST-2026-00001", batch.Rows[0].ReceiptNumber)
	assert.Equal(t, 2, batch.Rows[0].Line)
	assert.False(t, batch.Rows[1].IsPaid())
	assert.Equal(t, 3, batch.Rows[1].Line)
}

func TestXLSX_DateSerialCells(t *testing.T) {
	f := excelize.NewFile()
	for i, h := range RequiredColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		require.NoError(t, f.SetCellValue("Sheet1", cell, h))
	}
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "stu-1"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", "s1"))
	require.NoError(t, f.SetCellValue("Sheet1", "C2", 250))
	require.NoError(t, f.SetCellValue("Sheet1", "D2", 46082))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	reader, err := NewXLSXReader(&buf, "Sheet1")
	require.NoError(t, err)
	batch, err := NewDecoder(10).Decode(reader)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1, batch.Errors.String())
	assert.Equal(t, "2026-03-01", batch.Rows[0].DueDate.Format(DateLayout))
}

func TestXLSX_UnknownSheet(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInstallmentsXLSX(&buf, nil))
	_, err := NewXLSXReader(&buf, "Missing")
	assert.Error(t, err)
}
