package fee

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationKind is the mutation a pending write replays
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
)

// PendingWriteStatus represents the status of a queued write
type PendingWriteStatus string

const (
	PendingWriteStatusPending   PendingWriteStatus = "PENDING"
	PendingWriteStatusBlocked   PendingWriteStatus = "BLOCKED"
	PendingWriteStatusCommitted PendingWriteStatus = "COMMITTED"
)

// PendingWrite is a mutation captured while the authority was unreachable.
// It is removed only after the remote commit succeeds.
type PendingWrite struct {
	ID                uuid.UUID          `json:"id"`
	Position          int64              `json:"position"` // FIFO order, assigned on enqueue
	Kind              OperationKind      `json:"kind"`
	Collection        Collection         `json:"collection"`
	EntityID          uuid.UUID          `json:"entity_id"`
	ScopeKey          string             `json:"scope_key,omitempty"`
	Payload           []byte             `json:"payload"`
	TentativeNumber   string             `json:"tentative_number,omitempty"`
	TentativeSequence int64              `json:"tentative_sequence,omitempty"`
	ConfirmedSequence int64              `json:"confirmed_sequence,omitempty"`
	Status            PendingWriteStatus `json:"status"`
	Attempts          int                `json:"attempts"`
	LastError         string             `json:"last_error,omitempty"`
	EnqueuedAt        time.Time          `json:"enqueued_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// NewPendingWrite captures an installment mutation. When the write carries a
// freshly allocated receipt number, alloc must be that allocation.
func NewPendingWrite(kind OperationKind, inst *Installment, alloc *Allocation) (*PendingWrite, error) {
	payload, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("marshal installment payload: %w", err)
	}

	now := time.Now()
	w := &PendingWrite{
		ID:         uuid.New(),
		Kind:       kind,
		Collection: CollectionInstallments,
		EntityID:   inst.ID,
		Payload:    payload,
		Status:     PendingWriteStatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if alloc != nil {
		w.ScopeKey = alloc.Scope.Key()
		if alloc.Tentative {
			w.TentativeNumber = alloc.Number
			w.TentativeSequence = alloc.Sequence
		} else {
			w.ConfirmedSequence = alloc.Sequence
		}
	}
	return w, nil
}

// Installment decodes the payload
func (w *PendingWrite) Installment() (*Installment, error) {
	var inst Installment
	if err := json.Unmarshal(w.Payload, &inst); err != nil {
		return nil, fmt.Errorf("decode pending write %s: %w", w.ID, err)
	}
	return &inst, nil
}

// SetInstallment replaces the payload
func (w *PendingWrite) SetInstallment(inst *Installment) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal installment payload: %w", err)
	}
	w.Payload = payload
	w.UpdatedAt = time.Now()
	return nil
}

// IsTentative reports whether the write still needs a confirmed number
func (w *PendingWrite) IsTentative() bool {
	return w.TentativeSequence > 0 && w.ConfirmedSequence == 0
}

// Scope parses the scope key; ok is false for writes without a scope
func (w *PendingWrite) Scope() (Scope, bool, error) {
	if w.ScopeKey == "" {
		return Scope{}, false, nil
	}
	s, err := ParseScope(w.ScopeKey)
	if err != nil {
		return Scope{}, false, err
	}
	return s, true, nil
}

// RecordConfirmation stores the confirmed sequence obtained during replay so
// that a retried commit does not allocate again
func (w *PendingWrite) RecordConfirmation(seq int64) {
	w.ConfirmedSequence = seq
	w.UpdatedAt = time.Now()
}

// MarkBlocked parks the write at the head of its sub-queue for operator review
func (w *PendingWrite) MarkBlocked(errMsg string) {
	w.Attempts++
	w.Status = PendingWriteStatusBlocked
	w.LastError = errMsg
	w.UpdatedAt = time.Now()
}

// MarkAttemptFailed records a transient failure; the write stays pending
func (w *PendingWrite) MarkAttemptFailed(errMsg string) {
	w.Attempts++
	w.LastError = errMsg
	w.UpdatedAt = time.Now()
}

// MarkCommitted marks the write as committed remotely
func (w *PendingWrite) MarkCommitted() {
	w.Status = PendingWriteStatusCommitted
	w.LastError = ""
	w.UpdatedAt = time.Now()
}

// ResetForRetry unblocks a write after operator review
func (w *PendingWrite) ResetForRetry() error {
	if w.Status != PendingWriteStatusBlocked {
		return errors.New("can only retry blocked writes")
	}
	w.Status = PendingWriteStatusPending
	w.LastError = ""
	w.UpdatedAt = time.Now()
	return nil
}

// IsBlocked returns true if the write is waiting for operator review
func (w *PendingWrite) IsBlocked() bool {
	return w.Status == PendingWriteStatusBlocked
}
