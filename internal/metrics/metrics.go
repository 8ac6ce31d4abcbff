package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_events_ingested_total",
			Help: "Total number of ingested events",
		},
		[]string{"source"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_events_rejected_total",
			Help: "Total number of events rejected at the ingestion boundary",
		},
		[]string{"reason"},
	)

	FindingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_findings_total",
			Help: "Total number of detection rule findings",
		},
		[]string{"rule"},
	)

	SightingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_sightings_total",
			Help: "Total number of IOC sightings created",
		},
		[]string{"indicator_type"},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_alerts_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	IncidentsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsentry_incidents_open",
			Help: "Number of currently open incidents",
		},
	)

	DispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsentry_dispatch_failures_total",
			Help: "Total number of notifications that exhausted their retries",
		},
		[]string{"channel"},
	)

	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsentry_dead_letters_total",
			Help: "Total number of events dead-lettered after store write failures",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsentry_event_processing_duration_seconds",
			Help:    "Time taken to process events end to end",
			Buckets: prometheus.DefBuckets,
		},
	)
)
