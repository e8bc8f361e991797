// Package observe provides the scheduler's OpenTelemetry metrics: a
// Prometheus exporter bridge via [InitProvider] so instruments are
// scraped from the standard /metrics endpoint, and the instrument set
// spec §9's observability notes (lock-wait and hot-path latency
// warnings) and the component design sections name.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lingua-io/scheduler"

// Metrics holds every OpenTelemetry instrument the scheduler records to.
// All fields are safe for concurrent use — the underlying OTel types
// handle their own synchronization.
type Metrics struct {
	// --- Latency histograms ---

	// JobDispatchDuration tracks time from job creation to a successful
	// Select+reserve+send (C7).
	JobDispatchDuration metric.Float64Histogram

	// JobLifecycleDuration tracks time from job creation to a terminal
	// state (Completed/Failed), across however many dispatch attempts.
	JobLifecycleDuration metric.Float64Histogram

	// SelectDuration tracks the Selector's (C5) pool+node scoring pass.
	SelectDuration metric.Float64Histogram

	// --- Counters ---

	// JobsDispatched counts dispatch attempts. Use with attribute
	// status("ok"|"no_node"|"reserve_failed").
	JobsDispatched metric.Int64Counter

	// JobsFailedOver counts C10 resubmissions, by reason
	// ("pending_timeout"|"dispatch_timeout").
	JobsFailedOver metric.Int64Counter

	// JobsTimedOut counts jobs that exhausted failover_max_attempts and
	// were marked Failed.
	JobsTimedOut metric.Int64Counter

	// NodeRegistrations counts node_register messages accepted.
	NodeRegistrations metric.Int64Counter

	// SelectorExclusions counts candidate nodes rejected during
	// selection, by reason (selector.ExcludeReason).
	SelectorExclusions metric.Int64Counter

	// ModelNotAvailableReports counts accepted (non-debounced,
	// non-rate-limited) model_not_available reports.
	ModelNotAvailableReports metric.Int64Counter

	// RouterForwards counts Cross-Instance Router (C11) message routes,
	// by destination("local"|"remote").
	RouterForwards metric.Int64Counter

	// RouterDLQMoves counts entries the DLQ sweep moved out of an
	// instance's inbox stream.
	RouterDLQMoves metric.Int64Counter

	// RoomsExpired counts Room Fan-out (C12) silence-timeout evictions.
	RoomsExpired metric.Int64Counter

	// --- Gauges ---

	// ActiveNodes tracks nodes currently in the Ready state.
	ActiveNodes metric.Int64UpDownCounter

	// ActiveSessions tracks live Session Actors (C8).
	ActiveSessions metric.Int64UpDownCounter

	// ActiveRooms tracks rooms currently held in memory.
	ActiveRooms metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialized [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation
// fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.JobDispatchDuration, err = m.Float64Histogram("scheduler.job.dispatch.duration",
		metric.WithDescription("Time from job creation to a successful dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobLifecycleDuration, err = m.Float64Histogram("scheduler.job.lifecycle.duration",
		metric.WithDescription("Time from job creation to a terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SelectDuration, err = m.Float64Histogram("scheduler.select.duration",
		metric.WithDescription("Latency of the pool+node selection pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.JobsDispatched, err = m.Int64Counter("scheduler.jobs.dispatched",
		metric.WithDescription("Total dispatch attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.JobsFailedOver, err = m.Int64Counter("scheduler.jobs.failed_over",
		metric.WithDescription("Total failover resubmissions by reason."),
	); err != nil {
		return nil, err
	}
	if met.JobsTimedOut, err = m.Int64Counter("scheduler.jobs.timed_out",
		metric.WithDescription("Total jobs that exhausted failover attempts."),
	); err != nil {
		return nil, err
	}
	if met.NodeRegistrations, err = m.Int64Counter("scheduler.node.registrations",
		metric.WithDescription("Total node_register messages accepted."),
	); err != nil {
		return nil, err
	}
	if met.SelectorExclusions, err = m.Int64Counter("scheduler.selector.exclusions",
		metric.WithDescription("Total candidate nodes rejected during selection, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ModelNotAvailableReports, err = m.Int64Counter("scheduler.model_not_available.reports",
		metric.WithDescription("Total accepted model_not_available reports."),
	); err != nil {
		return nil, err
	}
	if met.RouterForwards, err = m.Int64Counter("scheduler.router.forwards",
		metric.WithDescription("Total cross-instance routed messages, by destination."),
	); err != nil {
		return nil, err
	}
	if met.RouterDLQMoves, err = m.Int64Counter("scheduler.router.dlq_moves",
		metric.WithDescription("Total inbox entries moved to an instance's DLQ stream."),
	); err != nil {
		return nil, err
	}
	if met.RoomsExpired, err = m.Int64Counter("scheduler.rooms.expired",
		metric.WithDescription("Total rooms evicted by the silence-timeout scan."),
	); err != nil {
		return nil, err
	}

	if met.ActiveNodes, err = m.Int64UpDownCounter("scheduler.active_nodes",
		metric.WithDescription("Nodes currently in the Ready state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("scheduler.active_sessions",
		metric.WithDescription("Currently live session actors."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRooms, err = m.Int64UpDownCounter("scheduler.active_rooms",
		metric.WithDescription("Rooms currently held in memory."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating
// it on first call using [otel.GetMeterProvider]. Subsequent calls
// return the same pointer. Panics if instrument creation fails (should
// not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordJobDispatched records a dispatch attempt outcome.
func (m *Metrics) RecordJobDispatched(ctx context.Context, status string) {
	m.JobsDispatched.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordFailover records a C10 resubmission by reason.
func (m *Metrics) RecordFailover(ctx context.Context, reason string) {
	m.JobsFailedOver.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordSelectorExclusion records a candidate node rejected during
// selection.
func (m *Metrics) RecordSelectorExclusion(ctx context.Context, reason string) {
	m.SelectorExclusions.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordRouterForward records a cross-instance route by destination.
func (m *Metrics) RecordRouterForward(ctx context.Context, destination string) {
	m.RouterForwards.Add(ctx, 1, metric.WithAttributes(Attr("destination", destination)))
}
