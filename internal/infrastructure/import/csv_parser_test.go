package csvimport

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVParser(t *testing.T) {
	t.Run("strips BOM and normalizes headers", func(t *testing.T) {
		data := "\xEF\xBB\xBF Student_ID ,school_id\nstu-1, s1 \n"
		p, err := ParseFromBytes([]byte(data))
		require.NoError(t, err)
		assert.Equal(t, []string{"student_id", "school_id"}, p.Headers())

		row, err := p.ReadRow()
		require.NoError(t, err)
		assert.Equal(t, 2, row.LineNumber)
		assert.Equal(t, "stu-1", row.Get("student_id"))
		assert.Equal(t, "s1", row.Get("school_id"))

		_, err = p.ReadRow()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("short rows fill missing columns with empty values", func(t *testing.T) {
		p, err := NewCSVParser(strings.NewReader("a,b,c\n1\n"))
		require.NoError(t, err)
		row, err := p.ReadRow()
		require.NoError(t, err)
		assert.Equal(t, "", row.Get("c"))
		assert.False(t, row.IsEmpty())
	})

	t.Run("custom delimiter", func(t *testing.T) {
		p, err := NewCSVParser(strings.NewReader("a;b\n1;2\n"), WithDelimiter(';'))
		require.NoError(t, err)
		row, err := p.ReadRow()
		require.NoError(t, err)
		assert.Equal(t, "2", row.Get("b"))
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := ParseFromBytes(nil)
		assert.ErrorIs(t, err, ErrEmptyFile)
	})

	t.Run("invalid encoding", func(t *testing.T) {
		_, err := ParseFromBytes([]byte{'a', ',', 0xff, 0xfe, '\n'})
		assert.ErrorIs(t, err, ErrInvalidEncoding)
	})

	t.Run("missing headers are reported", func(t *testing.T) {
		p, err := ParseFromBytes([]byte("student_id,amount\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{"school_id", "due_date"}, MissingHeaders(p, RequiredColumns))
	})
}

func TestErrorCollection(t *testing.T) {
	ec := NewErrorCollection(2)
	assert.False(t, ec.HasErrors())
	assert.Equal(t, "no errors", ec.String())

	ec.AddRequiredError(2, "amount")
	ec.AddTypeError(3, "amount", "decimal", "abc")
	ec.AddFormatError(4, "due_date", "YYYY-MM-DD", "01/02/2026")

	assert.True(t, ec.HasErrors())
	assert.True(t, ec.IsTruncated())
	assert.Equal(t, 3, ec.TotalCount())
	require.Len(t, ec.Errors(), 2)
	assert.Equal(t, "row 2, column 'amount': field 'amount' is required", ec.Errors()[0].Error())
	assert.Contains(t, ec.String(), "3 error(s) found (showing first 2)")
}
