package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ride_operation_seconds",
		Help:    "Time spent in orchestrator operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_transitions_total",
		Help: "Orchestrator operations grouped by outcome.",
	}, []string{"operation", "result"})

	staleResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_stale_responses_total",
		Help: "Driver responses and timeout checks discarded as no-ops.",
	})

	notificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_notification_failures_total",
		Help: "Notifications that could not be delivered, by type.",
	}, []string{"type"})

	compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_compensations_total",
		Help: "Ride records rolled back after a driver directory failure.",
	}, []string{"operation"})
)
