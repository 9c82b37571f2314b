package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// SyncMetrics records the behaviour of the local-first engine: where reads
// were served from, how receipt numbers were issued, and how replay went.
type SyncMetrics struct {
	reads          *Counter
	allocations    *Counter
	conflicts      *Counter
	mismatches     *Counter
	replayed       *Counter
	queueDepth     *Gauge
	remoteDuration *Histogram
	connectivity   *Counter
}

// NewSyncMetrics creates the instruments on meter
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	var (
		m   SyncMetrics
		err error
	)
	if m.reads, err = NewCounter(meter, "feedesk_reads_total", "Reads by serving source", "{read}"); err != nil {
		return nil, err
	}
	if m.allocations, err = NewCounter(meter, "feedesk_receipt_allocations_total", "Receipt numbers issued", "{receipt}"); err != nil {
		return nil, err
	}
	if m.conflicts, err = NewCounter(meter, "feedesk_counter_conflicts_total", "Counter conflicts detected by the authority", "{conflict}"); err != nil {
		return nil, err
	}
	if m.mismatches, err = NewCounter(meter, "feedesk_reconciliation_mismatches_total", "Tentative numbers replaced on replay", "{receipt}"); err != nil {
		return nil, err
	}
	if m.replayed, err = NewCounter(meter, "feedesk_replayed_writes_total", "Queued writes replayed by outcome", "{write}"); err != nil {
		return nil, err
	}
	if m.queueDepth, err = NewGauge(meter, "feedesk_queue_depth", "Open writes waiting for replay", "{write}"); err != nil {
		return nil, err
	}
	if m.remoteDuration, err = NewHistogram(meter, "feedesk_remote_duration_seconds", "Authority round trip time", "s", RemoteDurationBuckets...); err != nil {
		return nil, err
	}
	if m.connectivity, err = NewCounter(meter, "feedesk_connectivity_changes_total", "Settled connectivity transitions", "{change}"); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewNoopSyncMetrics returns metrics that record nothing
func NewNoopSyncMetrics() *SyncMetrics {
	m, _ := NewSyncMetrics(noop.NewMeterProvider().Meter("feedesk"))
	return m
}

// RecordRead counts a read served from source
func (m *SyncMetrics) RecordRead(ctx context.Context, source string) {
	m.reads.Inc(ctx, AttrSource.String(source))
}

// RecordAllocation counts an issued receipt number
func (m *SyncMetrics) RecordAllocation(ctx context.Context, schoolID string, tentative bool) {
	kind := "confirmed"
	if tentative {
		kind = "tentative"
	}
	m.allocations.Inc(ctx, AttrSchoolID.String(schoolID), AttrKind.String(kind))
}

// RecordConflict counts a counter conflict
func (m *SyncMetrics) RecordConflict(ctx context.Context, schoolID string) {
	m.conflicts.Inc(ctx, AttrSchoolID.String(schoolID))
}

// RecordMismatch counts a replaced tentative number
func (m *SyncMetrics) RecordMismatch(ctx context.Context, schoolID string) {
	m.mismatches.Inc(ctx, AttrSchoolID.String(schoolID))
}

// RecordReplay counts a replayed write by outcome (committed, blocked, deferred)
func (m *SyncMetrics) RecordReplay(ctx context.Context, outcome string) {
	m.replayed.Inc(ctx, AttrOutcome.String(outcome))
}

// RecordQueueDepth records the number of open queued writes
func (m *SyncMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}

// RecordRemote records how long an authority call took
func (m *SyncMetrics) RecordRemote(ctx context.Context, d time.Duration, outcome string) {
	m.remoteDuration.RecordDuration(ctx, d, AttrOutcome.String(outcome))
}

// RecordConnectivity counts a settled connectivity change
func (m *SyncMetrics) RecordConnectivity(ctx context.Context, state string) {
	m.connectivity.Inc(ctx, AttrState.String(state))
}
