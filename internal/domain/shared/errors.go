package shared

import "errors"

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Is reports whether target carries the same code, so wrapped copies created
// with a more specific message still match the sentinel with errors.Is.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Error codes shared by the ledger engine and the authority API
const (
	CodeNotFound               = "NOT_FOUND"
	CodeAlreadyExists          = "ALREADY_EXISTS"
	CodeInvalidInput           = "INVALID_INPUT"
	CodeInvalidState           = "INVALID_STATE"
	CodeRemoteUnreachable      = "REMOTE_UNREACHABLE"
	CodeCounterConflict        = "COUNTER_CONFLICT"
	CodeAllocationFailed       = "ALLOCATION_FAILED"
	CodeReconciliationMismatch = "RECONCILIATION_MISMATCH"
	CodeValidationRejected     = "VALIDATION_REJECTED"
	CodePaymentWithoutReceipt  = "PAYMENT_WITHOUT_RECEIPT"
	CodeStaleVersion           = "STALE_VERSION"
)

// Common domain errors
var (
	ErrNotFound               = NewDomainError(CodeNotFound, "Resource not found")
	ErrAlreadyExists          = NewDomainError(CodeAlreadyExists, "Resource already exists")
	ErrInvalidInput           = NewDomainError(CodeInvalidInput, "Invalid input provided")
	ErrInvalidState           = NewDomainError(CodeInvalidState, "Operation not allowed in current state")
	ErrRemoteUnreachable      = NewDomainError(CodeRemoteUnreachable, "Remote store is unreachable")
	ErrCounterConflict        = NewDomainError(CodeCounterConflict, "Receipt counter was modified concurrently")
	ErrAllocationFailed       = NewDomainError(CodeAllocationFailed, "Could not allocate a confirmed receipt number")
	ErrReconciliationMismatch = NewDomainError(CodeReconciliationMismatch, "Tentative receipt number differs from confirmed number")
	ErrValidationRejected     = NewDomainError(CodeValidationRejected, "Remote store rejected the payload")
	ErrPaymentWithoutReceipt  = NewDomainError(CodePaymentWithoutReceipt, "Payment cannot be recorded without a receipt number")
	ErrStaleVersion           = NewDomainError(CodeStaleVersion, "Record was modified since it was read")
)

// Wrap returns a copy of the sentinel error with a more specific message.
// The copy still satisfies errors.Is against the sentinel.
func Wrap(sentinel *DomainError, message string) *DomainError {
	return NewDomainError(sentinel.Code, message)
}
