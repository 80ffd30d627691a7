package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages enqueued counter
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docq_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"queue"},
	)

	// Leases issued counter
	MessagesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docq_messages_claimed_total",
			Help: "Total number of leases issued by claim",
		},
		[]string{"queue"},
	)

	// Lease renewals counter
	LeasesRenewed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docq_leases_renewed_total",
			Help: "Total number of lease renewals",
		},
		[]string{"queue"},
	)

	// Messages acknowledged counter
	MessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docq_messages_acked_total",
			Help: "Total number of messages acknowledged",
		},
		[]string{"queue"},
	)

	// Messages handed to a dead-letter queue
	MessagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docq_messages_dead_lettered_total",
			Help: "Total number of messages moved to a dead-letter queue",
		},
		[]string{"queue"},
	)

	// Finalized messages removed by purge
	MessagesPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docq_messages_purged_total",
			Help: "Total number of finalized messages removed by purge",
		},
		[]string{"queue"},
	)

	// Claim round-trip duration
	ClaimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docq_claim_duration_seconds",
			Help:    "Time taken for a claim call, dead-letter hand-offs included",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Purger errors counter
	PurgerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docq_purger_errors_total",
			Help: "Total number of purger errors",
		},
	)
)
