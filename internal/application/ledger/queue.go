package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/cache"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Replay outcomes recorded in metrics
const (
	ReplayCommitted = "committed"
	ReplayBlocked   = "blocked"
	ReplayDeferred  = "deferred"
)

// BlockedWrite is a write parked during a drain together with the reason
type BlockedWrite struct {
	Write *fee.PendingWrite
	Err   error
}

// DrainReport summarizes one pass over the queue
type DrainReport struct {
	Committed  int
	Deferred   int
	Blocked    []BlockedWrite
	Mismatches []*fee.ReconciliationMismatchError
	Remaining  int
	// Stopped is set when the authority became unreachable mid-drain
	Stopped bool
}

// BlockedFor returns the blocking error recorded for a write in this drain
func (r *DrainReport) BlockedFor(id uuid.UUID) error {
	for _, b := range r.Blocked {
		if b.Write.ID == id {
			return b.Err
		}
	}
	return nil
}

// localFailure marks errors from the device database. They abort a drain
// instead of blocking the write being replayed.
type localFailure struct {
	err error
}

func (e *localFailure) Error() string { return "local store: " + e.err.Error() }
func (e *localFailure) Unwrap() error { return e.err }

func local(err error) error {
	if err == nil {
		return nil
	}
	return &localFailure{err: err}
}

// Queue replays writes captured while the authority was unreachable.
//
// Writes are replayed in enqueue order. Each receipt scope forms its own
// sub-queue and so do writes without a scope. A rejected write blocks the
// rest of its sub-queue, and any later write for the same installment,
// until an operator retries it. Other sub-queues keep draining.
type Queue struct {
	local     fee.LocalStore
	remote    fee.RemoteStore
	inv       *invalidator
	allocator *Allocator
	timeout   time.Duration
	metrics   *telemetry.SyncMetrics
	logger    *zap.Logger

	drainMu sync.Mutex
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithQueueTimeout bounds each replayed authority call
func WithQueueTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.timeout = d
	}
}

// WithQueueMetrics sets the metrics sink
func WithQueueMetrics(m *telemetry.SyncMetrics) QueueOption {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithQueueLogger sets the logger
func WithQueueLogger(l *zap.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger.OrNop(l)
	}
}

// NewQueue creates a queue over the device store
func NewQueue(local fee.LocalStore, remote fee.RemoteStore, c cache.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		local:   local,
		remote:  remote,
		timeout: DefaultRemoteTimeout,
		metrics: telemetry.NewNoopSyncMetrics(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.inv = newInvalidator(c, q.logger)
	return q
}

// SetAllocator binds the allocator used to confirm tentative numbers
func (q *Queue) SetAllocator(a *Allocator) {
	q.allocator = a
}

// Enqueue appends a write to the queue
func (q *Queue) Enqueue(ctx context.Context, w *fee.PendingWrite) error {
	if err := q.local.Writes().Append(ctx, w); err != nil {
		return fmt.Errorf("enqueue write: %w", err)
	}
	q.recordDepth(ctx)
	return nil
}

// Pending lists writes waiting for replay
func (q *Queue) Pending(ctx context.Context) ([]*fee.PendingWrite, error) {
	return q.filter(ctx, fee.PendingWriteStatusPending)
}

// Blocked lists writes parked for operator review
func (q *Queue) Blocked(ctx context.Context) ([]*fee.PendingWrite, error) {
	return q.filter(ctx, fee.PendingWriteStatusBlocked)
}

// Depth returns the number of open writes
func (q *Queue) Depth(ctx context.Context) (int, error) {
	open, err := q.local.Writes().ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

// Retry unblocks a write so the next drain replays it
func (q *Queue) Retry(ctx context.Context, id uuid.UUID) error {
	w, err := q.local.Writes().FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := w.ResetForRetry(); err != nil {
		return shared.Wrap(shared.ErrInvalidState, fmt.Sprintf("write %s: %s", id, err.Error()))
	}
	if err := q.local.Writes().Update(ctx, w); err != nil {
		return err
	}
	q.logger.Info("queued write unblocked", zap.String("write_id", id.String()))
	return nil
}

func (q *Queue) filter(ctx context.Context, status fee.PendingWriteStatus) ([]*fee.PendingWrite, error) {
	open, err := q.local.Writes().ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*fee.PendingWrite, 0, len(open))
	for _, w := range open {
		if w.Status == status {
			out = append(out, w)
		}
	}
	return out, nil
}

// Drain replays open writes once. It returns an error only when the device
// database fails; authority failures are reflected in the report.
func (q *Queue) Drain(ctx context.Context) (*DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	writes, err := q.local.Writes().ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queued writes: %w", err)
	}

	report := &DrainReport{}
	heldQueues := make(map[string]struct{})
	heldEntities := make(map[uuid.UUID]struct{})
	hold := func(w *fee.PendingWrite) {
		heldQueues[w.ScopeKey] = struct{}{}
		heldEntities[w.EntityID] = struct{}{}
	}

loop:
	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		_, queueHeld := heldQueues[w.ScopeKey]
		_, entityHeld := heldEntities[w.EntityID]
		if w.IsBlocked() || queueHeld || entityHeld {
			if !w.IsBlocked() {
				report.Deferred++
			}
			hold(w)
			continue
		}

		mismatch, err := q.replay(ctx, w)
		if mismatch != nil {
			report.Mismatches = append(report.Mismatches, mismatch)
			q.metrics.RecordMismatch(ctx, mismatch.Scope.SchoolID)
			q.logger.Warn("tentative receipt number replaced",
				zap.String("installment_id", mismatch.InstallmentID.String()),
				zap.String("tentative", mismatch.TentativeNumber),
				zap.String("confirmed", mismatch.ConfirmedNumber))
		}

		var lf *localFailure
		switch {
		case err == nil:
			report.Committed++
			q.metrics.RecordReplay(ctx, ReplayCommitted)

		case errors.As(err, &lf):
			q.recordDepth(ctx)
			return report, err

		case errors.Is(err, shared.ErrRemoteUnreachable), errors.Is(err, context.Canceled):
			q.noteAttempt(ctx, w, err)
			report.Stopped = true
			report.Deferred++
			q.metrics.RecordReplay(ctx, ReplayDeferred)
			q.logger.Info("authority unreachable, drain stopped", zap.Error(err))
			break loop

		case errors.Is(err, shared.ErrAllocationFailed), errors.Is(err, shared.ErrCounterConflict):
			q.noteAttempt(ctx, w, err)
			hold(w)
			report.Deferred++
			q.metrics.RecordReplay(ctx, ReplayDeferred)

		default:
			w.MarkBlocked(err.Error())
			if uerr := q.local.Writes().Update(ctx, w); uerr != nil {
				return report, fmt.Errorf("block write %s: %w", w.ID, uerr)
			}
			hold(w)
			report.Blocked = append(report.Blocked, BlockedWrite{Write: w, Err: err})
			q.metrics.RecordReplay(ctx, ReplayBlocked)
			q.logger.Warn("queued write blocked",
				zap.String("write_id", w.ID.String()),
				zap.String("scope", w.ScopeKey),
				zap.Error(err))
		}
	}

	remaining, err := q.Depth(ctx)
	if err != nil {
		return report, err
	}
	report.Remaining = remaining
	q.metrics.RecordQueueDepth(ctx, int64(remaining))
	return report, nil
}

// replay confirms a tentative number when needed, then commits the write
func (q *Queue) replay(ctx context.Context, w *fee.PendingWrite) (*fee.ReconciliationMismatchError, error) {
	inst, err := w.Installment()
	if err != nil {
		return nil, err
	}
	scope, scoped, err := w.Scope()
	if err != nil {
		return nil, err
	}

	var mismatch *fee.ReconciliationMismatchError
	if scoped && w.IsTentative() {
		mismatch, err = q.confirm(ctx, w, inst, scope)
		if err != nil {
			return nil, err
		}
	}
	return mismatch, q.commit(ctx, w, inst)
}

// confirm swaps the tentative number for a freshly issued one. The
// confirmation is stored before the commit so a retried replay does not
// allocate twice.
func (q *Queue) confirm(ctx context.Context, w *fee.PendingWrite, inst *fee.Installment, scope fee.Scope) (*fee.ReconciliationMismatchError, error) {
	if q.allocator == nil {
		return nil, local(errors.New("queue has no allocator bound"))
	}

	unlock := q.allocator.lockScope(scope)
	defer unlock()

	alloc, err := q.allocator.confirmLocked(ctx, scope)
	if err != nil {
		return nil, err
	}
	mismatched, err := inst.ConfirmReceipt(alloc)
	if err != nil {
		return nil, err
	}

	tentativeNumber, tentativeSeq := w.TentativeNumber, w.TentativeSequence
	err = q.local.Transaction(ctx, func(tx fee.LocalStore) error {
		w.RecordConfirmation(alloc.Sequence)
		if err := w.SetInstallment(inst); err != nil {
			return err
		}
		if err := tx.Writes().Update(ctx, w); err != nil {
			return err
		}

		row, err := tx.Ledger().FindByID(ctx, inst.ID)
		switch {
		case errors.Is(err, shared.ErrNotFound):
		case err != nil:
			return err
		case row.ReceiptTentative && row.ReceiptSequence == tentativeSeq:
			if _, err := row.ConfirmReceipt(alloc); err != nil {
				return err
			}
			// synced only once the commit below lands
			row.MarkPendingSync()
			if err := tx.Ledger().Save(ctx, row); err != nil {
				return err
			}
		}
		return carryConfirmation(ctx, tx, w, inst, tentativeNumber)
	})
	if err != nil {
		return nil, local(fmt.Errorf("store confirmation for write %s: %w", w.ID, err))
	}
	q.invalidate(ctx, inst)

	if !mismatched {
		return nil, nil
	}
	return &fee.ReconciliationMismatchError{
		InstallmentID:     inst.ID,
		Scope:             scope,
		TentativeNumber:   tentativeNumber,
		TentativeSequence: tentativeSeq,
		ConfirmedNumber:   alloc.Number,
		ConfirmedSequence: alloc.Sequence,
	}, nil
}

// carryConfirmation rewrites later queued writes for the same installment
// that still carry the tentative number
func carryConfirmation(ctx context.Context, tx fee.LocalStore, w *fee.PendingWrite, confirmed *fee.Installment, tentativeNumber string) error {
	open, err := tx.Writes().ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, later := range open {
		if later.ID == w.ID || later.EntityID != w.EntityID || later.Position < w.Position {
			continue
		}
		inst, err := later.Installment()
		if err != nil {
			return err
		}
		if inst.ReceiptNumber != tentativeNumber {
			continue
		}
		inst.ReceiptNumber = confirmed.ReceiptNumber
		inst.ReceiptSequence = confirmed.ReceiptSequence
		inst.ReceiptScope = confirmed.ReceiptScope
		inst.ReceiptTentative = false
		if confirmed.SyncStatus == fee.SyncStatusNeedsReview {
			inst.SyncStatus = fee.SyncStatusNeedsReview
		}
		if inst.Version < confirmed.Version {
			inst.Version = confirmed.Version
		}
		if err := later.SetInstallment(inst); err != nil {
			return err
		}
		if err := tx.Writes().Update(ctx, later); err != nil {
			return err
		}
	}
	return nil
}

// commit sends the write to the authority and removes it on success
func (q *Queue) commit(ctx context.Context, w *fee.PendingWrite, inst *fee.Installment) error {
	var err error
	switch w.Kind {
	case fee.OperationCreate:
		_, err = callRemote(ctx, q.timeout, q.metrics, func(ctx context.Context) (*fee.Installment, error) {
			return q.remote.CreateInstallment(ctx, inst)
		})
		if errors.Is(err, shared.ErrAlreadyExists) {
			// An earlier attempt reached the authority but its answer was lost
			q.logger.Info("installment already present, replaying create as update",
				zap.String("installment_id", inst.ID.String()))
			err = q.update(ctx, inst)
		}
	case fee.OperationUpdate:
		err = q.update(ctx, inst)
	default:
		err = shared.Wrap(shared.ErrInvalidInput, fmt.Sprintf("unknown write kind %q", w.Kind))
	}
	if err != nil {
		return err
	}

	err = q.local.Transaction(ctx, func(tx fee.LocalStore) error {
		if err := tx.Writes().Delete(ctx, w.ID); err != nil {
			return err
		}
		open, err := tx.Writes().ListOpen(ctx)
		if err != nil {
			return err
		}
		for _, other := range open {
			if other.EntityID == w.EntityID {
				return nil
			}
		}

		row, err := tx.Ledger().FindByID(ctx, w.EntityID)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		row.MarkSynced()
		return tx.Ledger().Save(ctx, row)
	})
	if err != nil {
		return local(fmt.Errorf("settle write %s: %w", w.ID, err))
	}
	q.invalidate(ctx, inst)
	return nil
}

func (q *Queue) update(ctx context.Context, inst *fee.Installment) error {
	_, err := callRemote(ctx, q.timeout, q.metrics, func(ctx context.Context) (*fee.Installment, error) {
		return q.remote.UpdateInstallment(ctx, inst)
	})
	return err
}

func (q *Queue) noteAttempt(ctx context.Context, w *fee.PendingWrite, cause error) {
	w.MarkAttemptFailed(cause.Error())
	if err := q.local.Writes().Update(ctx, w); err != nil {
		q.logger.Warn("failed to record replay attempt", zap.String("write_id", w.ID.String()), zap.Error(err))
	}
}

// invalidate drops cached results holding the installment. A failure is
// only logged: the write is already durable and the invalidator withholds
// the affected keys from reads until it can drop them.
func (q *Queue) invalidate(ctx context.Context, inst *fee.Installment) {
	if err := q.inv.invalidate(ctx, inst); err != nil {
		q.logger.Error("cache invalidation failed, withholding cached results",
			zap.String("installment_id", inst.ID.String()), zap.Error(err))
	}
}

func (q *Queue) recordDepth(ctx context.Context) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return
	}
	q.metrics.RecordQueueDepth(ctx, int64(depth))
}
