// Package connectivity tracks whether the authority is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/feedesk/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// State is the connectivity state
type State int

const (
	Offline State = iota
	Online
)

// String implements fmt.Stringer
func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Observer is told about debounced state changes
type Observer func(State)

// ReconnectHook runs on every offline to online transition
type ReconnectHook func(ctx context.Context)

// Monitor holds the current connectivity state. State changes are pushed in
// with Report; the monitor never polls. Routing decisions read the raw state,
// observers are notified only after the state held for the debounce window,
// and reconnect hooks run immediately on each offline to online edge.
type Monitor struct {
	mu           sync.Mutex
	state        State
	notified     State
	debounce     time.Duration
	timer        *time.Timer
	observers    map[int]Observer
	nextObserver int
	hooks        []ReconnectHook
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Monitor
type Option func(*Monitor)

// WithDebounce sets the observer grace window
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) {
		m.debounce = d
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger.OrNop(l)
	}
}

// NewMonitor creates a monitor in the given initial state
func NewMonitor(initial State, opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		state:     initial,
		notified:  initial,
		debounce:  2 * time.Second,
		observers: make(map[int]Observer),
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the raw current state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the authority is currently considered reachable
func (m *Monitor) IsOnline() bool {
	return m.State() == Online
}

// Report delivers a connectivity event
func (m *Monitor) Report(online bool) {
	next := Offline
	if online {
		next = Online
	}

	m.mu.Lock()
	if m.closed || next == m.state {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	m.scheduleNotifyLocked()

	var hooks []ReconnectHook
	if prev == Offline && next == Online {
		hooks = append(hooks, m.hooks...)
	}
	for _, hook := range hooks {
		m.wg.Add(1)
		go func(h ReconnectHook) {
			defer m.wg.Done()
			h(m.ctx)
		}(hook)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Stringer("from", prev), zap.Stringer("to", next))
}

// Subscribe registers an observer and returns a function that removes it
func (m *Monitor) Subscribe(o Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = o
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

// OnReconnect registers a hook run on every offline to online transition
func (m *Monitor) OnReconnect(h ReconnectHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Close stops pending notifications, cancels running hooks and waits for them
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) scheduleNotifyLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.debounce <= 0 {
		m.notifyLocked()
		return
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.closed {
			m.notifyLocked()
		}
	})
}

// notifyLocked tells observers about the settled state. A flap that returns
// to the last notified state produces no notification.
func (m *Monitor) notifyLocked() {
	if m.state == m.notified {
		return
	}
	m.notified = m.state
	state := m.state
	for _, o := range m.observers {
		m.wg.Add(1)
		go func(o Observer) {
			defer m.wg.Done()
			o(state)
		}(o)
	}
}
