// Package metrics holds the Prometheus collectors exported on /metrics
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postdispatch"

var (
	// HTTPRequestsTotal counts API requests by route, method and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of http requests handled by the Brain API.",
		},
		[]string{"path", "method", "code"},
	)

	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs pushed onto a platform:region queue.",
		},
		[]string{"queue"},
	)

	JobsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs moved to the active state and published as claimed-ready.",
		},
		[]string{"queue"},
	)

	// JobsFinishedTotal counts finalized jobs; outcome is completed, retried or failed
	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs finalized by a worker report.",
		},
		[]string{"queue", "outcome"},
	)

	// UnlinkedResultsTotal counts finalized jobs that carried no scheduled post
	UnlinkedResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlinked_results_total",
			Help:      "Job outcomes acknowledged without a scheduled post to update.",
		},
		[]string{"queue", "outcome"},
	)

	OrphanedClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_claims_total",
			Help:      "Claim records found expired by the reconciliation sweep.",
		},
		[]string{"queue", "action"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Signed pushes to workers by outcome.",
		},
		[]string{"outcome"},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of signed pushes to workers.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	WorkersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_online",
			Help:      "Workers with a health ping inside the offline window.",
		},
	)

	// IsLeader is 1 while this process holds the sweep lease
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
