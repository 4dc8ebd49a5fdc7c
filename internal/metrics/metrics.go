package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

var (
	// ProcessRewardDuration tracks the latency of reward processing
	ProcessRewardDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "giftcard_process_duration_seconds",
			Help:    "Duration of reward processing requests in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"outcome"},
	)

	// ProcessRewardTotal counts processing outcomes per program
	ProcessRewardTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftcard_process_total",
			Help: "Reward processing results by program and outcome",
		},
		[]string{"program", "outcome"},
	)

	// LockWaitDuration tracks how long callers wait for the pool lock
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "giftcard_lock_wait_seconds",
			Help:    "Time spent acquiring the pool reservation lock",
			Buckets: latencyBuckets,
		},
		[]string{"result"},
	)

	// LockHoldDuration tracks how long the pool lock is held
	LockHoldDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "giftcard_lock_hold_seconds",
			Help:    "Time the pool reservation lock is held",
			Buckets: latencyBuckets,
		},
	)

	// AvailableRewards reports the remaining inventory seen by the last reservation per program
	AvailableRewards = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "giftcard_available_rewards",
			Help: "Available rewards matching each program's filter",
		},
		[]string{"program"},
	)

	// ClaimTotal counts claim page visits by result
	ClaimTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftcard_claim_total",
			Help: "Claim page visits by result",
		},
		[]string{"result"},
	)

	// SweepRecordsTotal counts participant records visited by sweeps and batches
	SweepRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftcard_sweep_records_total",
			Help: "Participant records evaluated by sweeps by program and result",
		},
		[]string{"program", "result"},
	)

	// EmailTotal counts outgoing emails by kind and result
	EmailTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftcard_email_total",
			Help: "Outgoing emails by kind and result",
		},
		[]string{"kind", "result"},
	)

	// HTTPRequestsTotal counts HTTP requests by route pattern, method and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftcard_http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency by route pattern
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "giftcard_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ScheduledRunsTotal counts daily job runs by job and result
	ScheduledRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftcard_scheduled_runs_total",
			Help: "Daily job runs by job and result",
		},
		[]string{"job", "result"},
	)
)

// RecordProcessReward records the duration and outcome of one processing request
func RecordProcessReward(program, outcome string, duration float64) {
	ProcessRewardDuration.WithLabelValues(outcome).Observe(duration)
	ProcessRewardTotal.WithLabelValues(program, outcome).Inc()
}

// RecordLockWait records how long a lock acquisition took and whether it succeeded
func RecordLockWait(acquired bool, duration float64) {
	result := "acquired"
	if !acquired {
		result = "timeout"
	}
	LockWaitDuration.WithLabelValues(result).Observe(duration)
}

// RecordEmail records one email send attempt
func RecordEmail(kind string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	EmailTotal.WithLabelValues(kind, result).Inc()
}
