package dto

import (
	"errors"
	"net/http"

	"github.com/feedesk/backend/internal/domain/shared"
)

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	ErrCodeUnknown  = "ERR_UNKNOWN"
	ErrCodeInternal = "ERR_INTERNAL"
)

// Input error codes
const (
	ErrCodeBadRequest   = "ERR_BAD_REQUEST"
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	ErrCodeInvalidJSON  = "ERR_INVALID_JSON"
	// ErrCodeValidationRejected means the authority refused the payload and
	// replaying it unchanged will never succeed
	ErrCodeValidationRejected = "ERR_VALIDATION_REJECTED"
)

// Resource error codes
const (
	ErrCodeNotFound      = "ERR_NOT_FOUND"
	ErrCodeAlreadyExists = "ERR_ALREADY_EXISTS"
	// ErrCodeCounterConflict means a receipt counter moved during a conditional increment
	ErrCodeCounterConflict = "ERR_COUNTER_CONFLICT"
	// ErrCodeStaleVersion means the record changed after it was read
	ErrCodeStaleVersion = "ERR_STALE_VERSION"
)

// Business rule error codes
const (
	ErrCodeInvalidState           = "ERR_INVALID_STATE"
	ErrCodePaymentWithoutReceipt  = "ERR_PAYMENT_WITHOUT_RECEIPT"
	ErrCodeAllocationFailed       = "ERR_ALLOCATION_FAILED"
	ErrCodeReconciliationMismatch = "ERR_RECONCILIATION_MISMATCH"
)

// Availability error codes
const (
	ErrCodeRemoteUnreachable = "ERR_REMOTE_UNREACHABLE"
	ErrCodeRateLimited       = "ERR_RATE_LIMITED"
	ErrCodeRequestTooLarge   = "ERR_REQUEST_TOO_LARGE"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	// Input errors -> 400 Bad Request
	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeInvalidJSON:  http.StatusBadRequest,

	// Resource errors
	ErrCodeNotFound:        http.StatusNotFound,
	ErrCodeAlreadyExists:   http.StatusConflict,
	ErrCodeCounterConflict: http.StatusConflict,
	ErrCodeStaleVersion:    http.StatusConflict,

	// Business rule errors -> 422 Unprocessable Entity
	ErrCodeValidationRejected:     http.StatusUnprocessableEntity,
	ErrCodeInvalidState:           http.StatusUnprocessableEntity,
	ErrCodePaymentWithoutReceipt:  http.StatusUnprocessableEntity,
	ErrCodeAllocationFailed:       http.StatusUnprocessableEntity,
	ErrCodeReconciliationMismatch: http.StatusUnprocessableEntity,

	ErrCodeRemoteUnreachable: http.StatusServiceUnavailable,
	ErrCodeRateLimited:       http.StatusTooManyRequests,
	ErrCodeRequestTooLarge:   http.StatusRequestEntityTooLarge,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainErrorCodeMapping maps domain error codes to API error codes
var DomainErrorCodeMapping = map[string]string{
	shared.CodeNotFound:               ErrCodeNotFound,
	shared.CodeAlreadyExists:          ErrCodeAlreadyExists,
	shared.CodeInvalidInput:           ErrCodeInvalidInput,
	shared.CodeInvalidState:           ErrCodeInvalidState,
	shared.CodeRemoteUnreachable:      ErrCodeRemoteUnreachable,
	shared.CodeCounterConflict:        ErrCodeCounterConflict,
	shared.CodeAllocationFailed:       ErrCodeAllocationFailed,
	shared.CodeReconciliationMismatch: ErrCodeReconciliationMismatch,
	shared.CodeValidationRejected:     ErrCodeValidationRejected,
	shared.CodePaymentWithoutReceipt:  ErrCodePaymentWithoutReceipt,
	shared.CodeStaleVersion:           ErrCodeStaleVersion,
}

var apiToDomain = func() map[string]*shared.DomainError {
	sentinels := []*shared.DomainError{
		shared.ErrNotFound,
		shared.ErrAlreadyExists,
		shared.ErrInvalidInput,
		shared.ErrInvalidState,
		shared.ErrRemoteUnreachable,
		shared.ErrCounterConflict,
		shared.ErrAllocationFailed,
		shared.ErrReconciliationMismatch,
		shared.ErrValidationRejected,
		shared.ErrPaymentWithoutReceipt,
		shared.ErrStaleVersion,
	}
	m := make(map[string]*shared.DomainError, len(sentinels))
	for _, s := range sentinels {
		m[DomainErrorCodeMapping[s.Code]] = s
	}
	return m
}()

// NormalizeErrorCode converts a domain error code to the API format.
// Codes already in the API format or unknown are returned as-is.
func NormalizeErrorCode(code string) string {
	if apiCode, ok := DomainErrorCodeMapping[code]; ok {
		return apiCode
	}
	return code
}

// CodeForError returns the API error code for err, ErrCodeInternal when
// err is not a domain error
func CodeForError(err error) string {
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		return NormalizeErrorCode(domainErr.Code)
	}
	return ErrCodeInternal
}

// DomainErrorFor turns an API error back into the matching domain error.
// ok is false for codes without a domain counterpart.
func DomainErrorFor(info *ErrorInfo) (*shared.DomainError, bool) {
	if info == nil {
		return nil, false
	}
	sentinel, ok := apiToDomain[NormalizeErrorCode(info.Code)]
	if !ok {
		return nil, false
	}
	msg := info.Message
	if msg == "" {
		msg = sentinel.Message
	}
	return shared.Wrap(sentinel, msg), true
}
