package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Push channel
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventcast_subscribers",
			Help: "Number of connected push-channel subscribers",
		},
	)

	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventcast_broadcasts_total",
			Help: "Total number of broadcast calls",
		},
	)

	SubscriberWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventcast_subscriber_write_failures_total",
			Help: "Total number of subscriber writes that failed and dropped the subscriber",
		},
	)

	// Ingestion
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcast_events_ingested_total",
			Help: "Total number of ingested events by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// Queue
	MessagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcast_consumer_messages_total",
			Help: "Total number of stream entries handed to the consumer handler",
		},
		[]string{"topic"},
	)

	HandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcast_consumer_handler_failures_total",
			Help: "Total number of handler errors or panics isolated by the consumer",
		},
		[]string{"topic"},
	)

	MessagesProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcast_producer_messages_total",
			Help: "Total number of messages published by outcome",
		},
		[]string{"topic", "outcome"},
	)

	QueueEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventcast_queue_enabled",
			Help: "Whether queue ingestion is active (1) or disabled (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Subscribers,
		BroadcastsTotal,
		SubscriberWriteFailures,
		EventsIngested,
		MessagesConsumed,
		HandlerFailures,
		MessagesProduced,
		QueueEnabled,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
