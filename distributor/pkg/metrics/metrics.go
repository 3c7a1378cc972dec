package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mevdist_distributor_build_info",
			Help: "Build information of the MEV tip distributor",
		},
		[]string{"version", "commit", "date"},
	)

	StageUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mevdist_distributor_stage_units_total",
			Help: "Total number of units (validators, claimants, accounts) processed per stage by outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mevdist_distributor_stage_duration_seconds",
			Help:    "Duration of a stage run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68 minutes
		},
		[]string{"stage"},
	)

	SubmissionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mevdist_distributor_submission_attempts_total",
			Help: "Total number of transaction submission attempts",
		},
		[]string{"stage", "status"},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mevdist_distributor_rpc_requests_total",
			Help: "Total number of RPC requests",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mevdist_distributor_rpc_request_duration_seconds",
			Help:    "Duration of RPC requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"method"},
	)

	WorkpoolTasksAbandonedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mevdist_distributor_workpool_tasks_abandoned_total",
			Help: "Total number of tasks abandoned after exceeding their timeout",
		},
		[]string{"pool"},
	)
)
