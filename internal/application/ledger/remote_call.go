package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/infrastructure/telemetry"
)

// DefaultRemoteTimeout bounds a single authority call
const DefaultRemoteTimeout = 5 * time.Second

// callRemote runs one authority call under a timeout. A deadline hit that the
// store did not classify itself is reported as shared.ErrRemoteUnreachable.
// Cancellation by the caller is returned unchanged.
func callRemote[T any](ctx context.Context, timeout time.Duration, metrics *telemetry.SyncMetrics, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = shared.Wrap(shared.ErrRemoteUnreachable, "authority call timed out")
	}
	metrics.RecordRemote(ctx, time.Since(start), outcomeOf(err))
	return res, err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, shared.ErrCounterConflict):
		return "conflict"
	case errors.Is(err, shared.ErrRemoteUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
