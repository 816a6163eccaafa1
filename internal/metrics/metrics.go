// Package metrics provides Prometheus instruments for the orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for this process.
var Registry = prometheus.NewRegistry()

// factory registers metrics to our custom Registry directly.
var factory = promauto.With(Registry)

// QueueDepth tracks the current number of queued entries per campaign.
var QueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dialqueue",
	Name:      "depth",
	Help:      "Current number of entries in status queued, per campaign",
}, []string{"campaign"})

// ClaimsTotal counts claim outcomes. result: claimed|empty|rejected.
var ClaimsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dialqueue",
	Name:      "claims_total",
	Help:      "Queue claim attempts by result",
}, []string{"result"})

// ClaimReleasesTotal counts releases back to the queue tail. reason:
// agent_unavailable|claim_timeout|manual.
var ClaimReleasesTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dialqueue",
	Name:      "claim_releases_total",
	Help:      "Claimed entries released back to the queue tail, by reason",
}, []string{"reason"})

// QueueOverflowTotal counts enqueues past the configured depth limit.
var QueueOverflowTotal = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "dialqueue",
	Name:      "overflow_total",
	Help:      "Enqueue operations that exceeded the configured queue depth",
})

// CallTransitionsTotal counts call state transitions by target state.
var CallTransitionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "calls",
	Name:      "transitions_total",
	Help:      "Call state machine transitions by target state",
}, []string{"state"})

// ActiveCalls tracks calls in a non-terminal state.
var ActiveCalls = factory.NewGauge(prometheus.GaugeOpts{
	Namespace: "calls",
	Name:      "active",
	Help:      "Calls currently in a non-terminal state",
})

// PendingDispositions tracks calls in ended awaiting an outcome.
var PendingDispositions = factory.NewGauge(prometheus.GaugeOpts{
	Namespace: "calls",
	Name:      "pending_dispositions",
	Help:      "Calls that reached ended and still lack an outcome",
})

// EventsPublishedTotal counts published events by category.
var EventsPublishedTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "events",
	Name:      "published_total",
	Help:      "Events accepted by the bus, by category",
}, []string{"category"})

// DeliveriesTotal counts per-subscriber delivery outcomes.
// result: completed|retried|dead_lettered.
var DeliveriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "events",
	Name:      "deliveries_total",
	Help:      "Per-subscriber event delivery outcomes",
}, []string{"result"})

// DeliveryDurationSeconds tracks subscriber handler latency.
var DeliveryDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
	Namespace: "events",
	Name:      "delivery_duration_seconds",
	Help:      "Time spent in subscriber handlers per delivery",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
})

// FlowStepsTotal counts flow step terminations by status.
var FlowStepsTotal = factory.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flows",
	Name:      "steps_total",
	Help:      "Flow execution step terminations by status",
}, []string{"status"})

// ReconcileViolationsTotal counts ended-without-outcome calls found by the sweep.
var ReconcileViolationsTotal = factory.NewCounter(prometheus.CounterOpts{
	Namespace: "reconcile",
	Name:      "violations_total",
	Help:      "Invariant violations (ended call without outcome) surfaced by the reconciliation sweep",
})
