package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger checks reachability of the authority
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober periodically pings the authority and reports the result to a
// Monitor. It is optional; any other event source may call Report instead.
type Prober struct {
	monitor  *Monitor
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a prober
func NewProber(monitor *Monitor, pinger Pinger, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		monitor:  monitor,
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// ProbeOnce pings once and reports the outcome
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err := p.pinger.Ping(ctx)
	if err != nil {
		p.logger.Debug("authority probe failed", zap.Error(err))
	}
	p.monitor.Report(err == nil)
	return err == nil
}

// Start probes immediately and then on every interval
func (p *Prober) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.ProbeOnce(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeOnce(ctx)
			}
		}
	}()

	p.logger.Info("authority prober started", zap.Duration("interval", p.interval))
}

// Stop stops probing and waits for the loop to exit
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
