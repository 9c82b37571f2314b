package fee

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/feedesk/backend/internal/domain/shared"
)

// DocumentType distinguishes the receipt number series kept per school
type DocumentType string

const (
	DocumentTypeReceipt            DocumentType = "receipt"
	DocumentTypeInstallmentReceipt DocumentType = "installment_receipt"
)

// IsValid checks if the document type is known
func (d DocumentType) IsValid() bool {
	switch d {
	case DocumentTypeReceipt, DocumentTypeInstallmentReceipt:
		return true
	}
	return false
}

// DefaultPrefix returns the printable prefix used when a counter has none
func (d DocumentType) DefaultPrefix() string {
	if d == DocumentTypeReceipt {
		return "RCPT"
	}
	return "INST"
}

// DefaultReceiptFormat composes prefix, year and a five digit sequence
const DefaultReceiptFormat = "{prefix}-{year}-{seq:5}"

// Scope identifies one receipt counter: (school, document type, year)
type Scope struct {
	SchoolID     string       `json:"school_id"`
	DocumentType DocumentType `json:"document_type"`
	Year         int          `json:"year"`
}

// NewScope creates and validates a scope
func NewScope(schoolID string, docType DocumentType, year int) (Scope, error) {
	s := Scope{SchoolID: strings.TrimSpace(schoolID), DocumentType: docType, Year: year}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Validate checks the scope fields
func (s Scope) Validate() error {
	if s.SchoolID == "" {
		return shared.Wrap(shared.ErrInvalidInput, "scope school id cannot be empty")
	}
	if strings.Contains(s.SchoolID, "/") {
		return shared.Wrap(shared.ErrInvalidInput, "scope school id cannot contain '/'")
	}
	if !s.DocumentType.IsValid() {
		return shared.Wrap(shared.ErrInvalidInput, fmt.Sprintf("unknown document type %q", s.DocumentType))
	}
	if s.Year < 1900 || s.Year > 9999 {
		return shared.Wrap(shared.ErrInvalidInput, fmt.Sprintf("scope year %d out of range", s.Year))
	}
	return nil
}

// Key returns the canonical string form school/type/year
func (s Scope) Key() string {
	return fmt.Sprintf("%s/%s/%d", s.SchoolID, s.DocumentType, s.Year)
}

// String implements fmt.Stringer
func (s Scope) String() string {
	return s.Key()
}

// IsZero reports whether the scope is unset
func (s Scope) IsZero() bool {
	return s == Scope{}
}

// ParseScope parses the output of Scope.Key
func ParseScope(key string) (Scope, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return Scope{}, shared.Wrap(shared.ErrInvalidInput, fmt.Sprintf("malformed scope key %q", key))
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return Scope{}, shared.Wrap(shared.ErrInvalidInput, fmt.Sprintf("malformed scope year in %q", key))
	}
	return NewScope(parts[0], DocumentType(parts[1]), year)
}

// ReceiptCounter is the state of one scope's counter. Counter is the last
// issued sequence; the next number is Counter+1.
type ReceiptCounter struct {
	Scope     Scope     `json:"scope"`
	Prefix    string    `json:"prefix"`
	Format    string    `json:"format"`
	Counter   int64     `json:"counter"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewReceiptCounter creates a counter at zero with default prefix and format
func NewReceiptCounter(scope Scope) *ReceiptCounter {
	return &ReceiptCounter{
		Scope:     scope,
		Prefix:    scope.DocumentType.DefaultPrefix(),
		Format:    DefaultReceiptFormat,
		UpdatedAt: time.Now(),
	}
}

// Render formats a sequence number with this counter's prefix and template
func (c *ReceiptCounter) Render(seq int64) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = c.Scope.DocumentType.DefaultPrefix()
	}
	format := c.Format
	if format == "" {
		format = DefaultReceiptFormat
	}
	return RenderReceiptNumber(format, prefix, c.Scope, seq)
}

// RenderReceiptNumber expands {prefix}, {school}, {year}, {seq} and {seq:N}
// (zero padded to N digits). Unknown placeholders are kept verbatim.
func RenderReceiptNumber(format, prefix string, scope Scope, seq int64) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '{' {
			b.WriteByte(format[i])
			continue
		}
		end := strings.IndexByte(format[i:], '}')
		if end < 0 {
			b.WriteString(format[i:])
			break
		}
		token := format[i+1 : i+end]
		b.WriteString(expandToken(token, prefix, scope, seq))
		i += end
	}
	return b.String()
}

func expandToken(token, prefix string, scope Scope, seq int64) string {
	switch {
	case token == "prefix":
		return prefix
	case token == "school":
		return scope.SchoolID
	case token == "year":
		return strconv.Itoa(scope.Year)
	case token == "seq":
		return strconv.FormatInt(seq, 10)
	case strings.HasPrefix(token, "seq:"):
		width, err := strconv.Atoi(strings.TrimPrefix(token, "seq:"))
		if err != nil || width <= 0 || width > 18 {
			return "{" + token + "}"
		}
		return fmt.Sprintf("%0*d", width, seq)
	}
	return "{" + token + "}"
}

// Allocation is a receipt number handed out by the allocator
type Allocation struct {
	Scope     Scope  `json:"scope"`
	Sequence  int64  `json:"sequence"`
	Number    string `json:"number"`
	Tentative bool   `json:"tentative"`
}
