// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing

	RoutingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_routing_decisions_total",
			Help: "Routing decisions by destination and agent type",
		},
		[]string{"destination", "agent_type"},
	)

	RoutingLookupFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_routing_lookup_failures_total",
			Help: "Lookups that failed closed to no action",
		},
		[]string{"kind"},
	)

	RoutingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaydesk_routing_duration_seconds",
			Help:    "Time to decide and enqueue one inbound message",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Queue

	QueueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_queue_enqueued_total",
			Help: "Entries appended per stream",
		},
		[]string{"stream", "status"},
	)

	QueuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaydesk_queue_pending",
			Help: "Delivered but unacknowledged entries per consumer group",
		},
		[]string{"stream", "group"},
	)

	QueueTrimmedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_queue_trimmed_total",
			Help: "Entries removed by stream trimming",
		},
		[]string{"stream"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_dead_letters_total",
			Help: "Entries moved to the dead-letter stream",
		},
		[]string{"stream", "reason"},
	)

	// Workers

	WorkerEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_worker_entries_total",
			Help: "Entries handled by worker pools by outcome",
		},
		[]string{"group", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaydesk_dispatch_duration_seconds",
			Help:    "Downstream dispatch latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"group", "status"},
	)
)

// Worker outcome label values.
const (
	OutcomeAcked      = "acked"
	OutcomeDuplicate  = "duplicate"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
)
