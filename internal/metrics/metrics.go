// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mealsched"

var (
	Attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservation_attempts_total",
		Help:      "Submit calls by classified verdict.",
	}, []string{"verdict"})

	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservation_cycles_total",
		Help:      "Completed reservation cycles by outcome.",
	}, []string{"outcome", "trigger"})

	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_logins_total",
		Help:      "Remote logins by result.",
	}, []string{"result"})

	HolidayFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "holiday_fetch_errors_total",
		Help:      "Failed holiday month refreshes (fail-open).",
	})

	RemoteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "remote_request_duration_seconds",
		Help:      "Latency of calls to the remote reservation service.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	NextAction = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "next_action_timestamp_seconds",
		Help:      "Unix time of the next scheduled reservation attempt per user.",
	}, []string{"user"})
)
