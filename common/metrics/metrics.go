// Package metrics vends the Prometheus collectors of linkvault
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkvault_http_requests_total",
			Help: "Number of HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linkvault_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ContentCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkvault_content_created_total",
			Help: "Number of content created, by kind",
		},
		[]string{"kind"},
	)

	// AccessTotal counts access decisions by outcome: granted, or the code of the rejection
	AccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkvault_access_total",
			Help: "Number of content access attempts, by outcome",
		},
		[]string{"outcome"},
	)

	SweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkvault_swept_total",
		Help: "Number of content reclaimed by sweeper",
	})

	SweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkvault_sweep_failures_total",
		Help: "Number of content sweeper failed to reclaim",
	})
)

const OutcomeGranted = "Granted"
