package dto

import (
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/google/uuid"
)

// InstallmentListRequest is the query string of the installment list endpoint
type InstallmentListRequest struct {
	SchoolID  string `form:"school_id" binding:"omitempty,max=64"`
	StudentID string `form:"student_id" binding:"omitempty,max=64"`
	Status    string `form:"status" binding:"omitempty,oneof=unpaid partial paid"`
}

// Query converts the request into a ledger query
func (r InstallmentListRequest) Query() fee.Query {
	return fee.Query{
		Collection: fee.CollectionInstallments,
		SchoolID:   r.SchoolID,
		StudentID:  r.StudentID,
		Status:     fee.InstallmentStatus(r.Status),
	}
}

// ToQueryParams renders a query as list request parameters
func ToQueryParams(q fee.Query) map[string]string {
	params := map[string]string{}
	if q.SchoolID != "" {
		params["school_id"] = q.SchoolID
	}
	if q.StudentID != "" {
		params["student_id"] = q.StudentID
	}
	if q.Status != "" {
		params["status"] = string(q.Status)
	}
	return params
}

// CounterURI addresses one receipt counter
type CounterURI struct {
	SchoolID     string `uri:"school_id" binding:"required"`
	DocumentType string `uri:"document_type" binding:"required,oneof=receipt installment_receipt"`
	Year         int    `uri:"year" binding:"required,min=1900,max=9999"`
}

// Scope converts the URI into a counter scope
func (u CounterURI) Scope() (fee.Scope, error) {
	return fee.NewScope(u.SchoolID, fee.DocumentType(u.DocumentType), u.Year)
}

// IDRequest represents a request with an ID path parameter
type IDRequest struct {
	ID string `uri:"id" binding:"required,uuid"`
}

// WriteResultResponse reports a write persisted on the device
type WriteResultResponse struct {
	Installment   *fee.Installment `json:"installment"`
	ReceiptNumber string           `json:"receipt_number,omitempty"`
	Tentative     bool             `json:"tentative"`
	PendingSync   bool             `json:"pending_sync"`
}

// ListResponse is a query answer together with where it came from
type ListResponse struct {
	Installments []fee.Installment `json:"installments"`
	Meta         Meta              `json:"meta"`
}

// SyncStatusResponse summarizes the device sync state
type SyncStatusResponse struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
	Blocked int  `json:"blocked"`
}

// MismatchResponse describes a tentative number replaced at confirmation
type MismatchResponse struct {
	InstallmentID   uuid.UUID `json:"installment_id"`
	TentativeNumber string    `json:"tentative_number"`
	ConfirmedNumber string    `json:"confirmed_number"`
}

// BlockedWriteResponse is a queued write the authority refused
type BlockedWriteResponse struct {
	ID        uuid.UUID `json:"id"`
	EntityID  uuid.UUID `json:"entity_id"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
}

// DrainResponse reports one queue drain
type DrainResponse struct {
	Committed  int                    `json:"committed"`
	Deferred   int                    `json:"deferred"`
	Remaining  int                    `json:"remaining"`
	Stopped    bool                   `json:"stopped"`
	Mismatches []MismatchResponse     `json:"mismatches,omitempty"`
	Blocked    []BlockedWriteResponse `json:"blocked,omitempty"`
}

// ImportRowResponse is the outcome of one imported row
type ImportRowResponse struct {
	Line          int       `json:"line"`
	InstallmentID uuid.UUID `json:"installment_id"`
	Outcome       string    `json:"outcome"`
	ReceiptNumber string    `json:"receipt_number,omitempty"`
	Tentative     bool      `json:"tentative,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// ImportResponse summarizes an import run
type ImportResponse struct {
	Created   int                 `json:"created"`
	Allocated int                 `json:"allocated"`
	Skipped   int                 `json:"skipped"`
	Failed    int                 `json:"failed"`
	Rows      []ImportRowResponse `json:"rows"`
	RowErrors []RowErrorResponse  `json:"row_errors,omitempty"`
	Drain     *DrainResponse      `json:"drain,omitempty"`
}

// RowErrorResponse is an input row rejected before import
type RowErrorResponse struct {
	Row     int    `json:"row"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// PendingWriteResponse is one entry of the device write queue
type PendingWriteResponse struct {
	ID              uuid.UUID `json:"id"`
	EntityID        uuid.UUID `json:"entity_id"`
	Operation       string    `json:"operation"`
	Status          string    `json:"status"`
	Attempts        int       `json:"attempts"`
	TentativeNumber string    `json:"tentative_number,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}
