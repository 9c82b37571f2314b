package fee

import (
	"context"

	"github.com/google/uuid"
)

// RemoteStore is the authoritative store reached over a request/response
// boundary. Implementations report transport failures and timeouts as
// shared.ErrRemoteUnreachable.
type RemoteStore interface {
	// ListInstallments returns the installments matching the query
	ListInstallments(ctx context.Context, q Query) ([]Installment, error)
	// CreateInstallment stores a new installment; shared.ErrAlreadyExists if the id is taken
	CreateInstallment(ctx context.Context, inst *Installment) (*Installment, error)
	// UpdateInstallment replaces an existing installment
	UpdateInstallment(ctx context.Context, inst *Installment) (*Installment, error)
	// IncrementCounter atomically advances the scope counter by one and
	// returns the counter after the increment. A concurrent modification is
	// reported as shared.ErrCounterConflict and is not retried here.
	IncrementCounter(ctx context.Context, scope Scope) (*ReceiptCounter, error)
	// GetCounter returns the current counter; a never used scope is at zero
	GetCounter(ctx context.Context, scope Scope) (*ReceiptCounter, error)
	// Ping checks reachability
	Ping(ctx context.Context) error
}

// LedgerRepository is the local, restart-safe copy of installments
type LedgerRepository interface {
	// FindByID returns shared.ErrNotFound when the installment is unknown
	FindByID(ctx context.Context, id uuid.UUID) (*Installment, error)
	// Find returns installments matching the query ordered by due date
	Find(ctx context.Context, q Query) ([]Installment, error)
	// FindByReceiptNumber returns shared.ErrNotFound when no installment carries the number
	FindByReceiptNumber(ctx context.Context, number string) (*Installment, error)
	// Save inserts or replaces one installment
	Save(ctx context.Context, inst *Installment) error
	// MergeRemote stores installments fetched from the authority without
	// overwriting local rows that still have unsynced changes
	MergeRemote(ctx context.Context, insts []Installment) error
}

// CounterSnapshotRepository holds the last known state of each receipt counter
type CounterSnapshotRepository interface {
	// Get returns nil when the scope has never been seen
	Get(ctx context.Context, scope Scope) (*ReceiptCounter, error)
	// Save stores the snapshot; the stored counter never moves backwards
	Save(ctx context.Context, counter *ReceiptCounter) error
}

// PendingWriteRepository persists the offline write queue
type PendingWriteRepository interface {
	// Append enqueues a write and assigns its position
	Append(ctx context.Context, w *PendingWrite) error
	// ListOpen returns pending and blocked writes in enqueue order
	ListOpen(ctx context.Context) ([]*PendingWrite, error)
	// FindByID returns shared.ErrNotFound when the write is unknown
	FindByID(ctx context.Context, id uuid.UUID) (*PendingWrite, error)
	// CountTentative counts queued writes in the scope still holding a tentative number
	CountTentative(ctx context.Context, scopeKey string) (int64, error)
	// Update stores changes to a write
	Update(ctx context.Context, w *PendingWrite) error
	// Delete removes a committed write
	Delete(ctx context.Context, id uuid.UUID) error
}

// LocalStore groups the device-side repositories and lets callers update
// them in one local transaction
type LocalStore interface {
	Ledger() LedgerRepository
	Counters() CounterSnapshotRepository
	Writes() PendingWriteRepository
	// Transaction runs fn against repositories bound to a single transaction
	Transaction(ctx context.Context, fn func(tx LocalStore) error) error
}
