package core

// metrics.go – prometheus instrumentation for the consensus engine. Wired
// at the points §5 and §7 call out as observable: proposal decisions,
// vote aggregation, and no-vote/lock-conflict diagnostics.

import "github.com/prometheus/client_golang/prometheus"

var (
	MetricBlocksDecided = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft",
		Name:      "blocks_decided_total",
		Help:      "Total candidate blocks the decider has processed, by vote outcome.",
	}, []string{"outcome"})

	MetricNoVotes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardbft",
		Name:      "no_votes_total",
		Help:      "Total no-votes emitted, by reason.",
	}, []string{"reason"})

	MetricLockConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shardbft",
		Name:      "lock_conflicts_total",
		Help:      "Total substate lock conflicts recorded.",
	})

	MetricQuorumCertificates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shardbft",
		Name:      "quorum_certificates_total",
		Help:      "Total quorum certificates formed by the vote aggregator.",
	})

	MetricPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardbft",
		Name:      "transaction_pool_size",
		Help:      "Current number of entries in the transaction pool.",
	})

	MetricViewTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shardbft",
		Name:      "view_timeouts_total",
		Help:      "Total leader-timeout events observed by the pacemaker.",
	})
)

// RegisterMetrics registers every collector above with reg. Call once per
// process.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		MetricBlocksDecided,
		MetricNoVotes,
		MetricLockConflicts,
		MetricQuorumCertificates,
		MetricPoolSize,
		MetricViewTimeouts,
	)
}
