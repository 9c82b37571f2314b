package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
)

// FlakyRemote wraps a fee.RemoteStore and can be switched off to simulate
// an unreachable authority. It also counts calls per operation and lets a
// test inject one-shot errors or hooks.
type FlakyRemote struct {
	inner fee.RemoteStore
	down  atomic.Bool

	mu         sync.Mutex
	calls      map[string]int
	failNext   map[string][]error
	beforeCall func(op string)
}

// NewFlakyRemote wraps inner; the remote starts reachable
func NewFlakyRemote(inner fee.RemoteStore) *FlakyRemote {
	return &FlakyRemote{
		inner:    inner,
		calls:    make(map[string]int),
		failNext: make(map[string][]error),
	}
}

// SetDown switches the remote between unreachable and reachable
func (f *FlakyRemote) SetDown(down bool) {
	f.down.Store(down)
}

// FailNext queues err to be returned by the next call of op
// ("ListInstallments", "CreateInstallment", "UpdateInstallment",
// "IncrementCounter", "GetCounter", "Ping")
func (f *FlakyRemote) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], errs...)
}

// BeforeCall installs a hook run before every reachable call
func (f *FlakyRemote) BeforeCall(hook func(op string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeCall = hook
}

// Calls returns how often op was invoked, including failed calls
func (f *FlakyRemote) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FlakyRemote) enter(op string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.beforeCall
	var injected error
	if queue := f.failNext[op]; len(queue) > 0 {
		injected = queue[0]
		f.failNext[op] = queue[1:]
	}
	f.mu.Unlock()

	if f.down.Load() {
		return shared.Wrap(shared.ErrRemoteUnreachable, "remote switched off")
	}
	if hook != nil {
		hook(op)
	}
	return injected
}

func (f *FlakyRemote) ListInstallments(ctx context.Context, q fee.Query) ([]fee.Installment, error) {
	if err := f.enter("ListInstallments"); err != nil {
		return nil, err
	}
	return f.inner.ListInstallments(ctx, q)
}

func (f *FlakyRemote) CreateInstallment(ctx context.Context, inst *fee.Installment) (*fee.Installment, error) {
	if err := f.enter("CreateInstallment"); err != nil {
		return nil, err
	}
	return f.inner.CreateInstallment(ctx, inst)
}

func (f *FlakyRemote) UpdateInstallment(ctx context.Context, inst *fee.Installment) (*fee.Installment, error) {
	if err := f.enter("UpdateInstallment"); err != nil {
		return nil, err
	}
	return f.inner.UpdateInstallment(ctx, inst)
}

func (f *FlakyRemote) IncrementCounter(ctx context.Context, scope fee.Scope) (*fee.ReceiptCounter, error) {
	if err := f.enter("IncrementCounter"); err != nil {
		return nil, err
	}
	return f.inner.IncrementCounter(ctx, scope)
}

func (f *FlakyRemote) GetCounter(ctx context.Context, scope fee.Scope) (*fee.ReceiptCounter, error) {
	if err := f.enter("GetCounter"); err != nil {
		return nil, err
	}
	return f.inner.GetCounter(ctx, scope)
}

func (f *FlakyRemote) Ping(ctx context.Context) error {
	if err := f.enter("Ping"); err != nil {
		return err
	}
	return f.inner.Ping(ctx)
}

var _ fee.RemoteStore = (*FlakyRemote)(nil)
