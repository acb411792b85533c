// Package metrics exposes the router's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wampd_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	ConnectionsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_connections_aborted_total",
		Help: "Total number of connections aborted by the authorization hook",
	})

	// Message metrics
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_messages_received_total",
		Help: "Total number of WAMP frames received from clients",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_messages_sent_total",
		Help: "Total number of WAMP frames sent to clients",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_events_delivered_total",
		Help: "Total number of EVENT messages delivered to local subscribers",
	})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_delivery_failures_total",
		Help: "Total number of EVENT deliveries that failed on the write sink",
	})

	// Redis bus metrics
	BusPublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_bus_publishes_total",
		Help: "Total number of broadcasts published to the Redis bus",
	})

	BusPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_bus_publish_failures_total",
		Help: "Total number of Redis PUBLISH calls that failed",
	})

	BusMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_bus_messages_received_total",
		Help: "Total number of broadcasts received from the Redis bus",
	})

	BusEchoesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_bus_echoes_dropped_total",
		Help: "Total number of own publications dropped on bus receive",
	})

	SubscriberEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_subscriber_evictions_total",
		Help: "Total number of local subscribers evicted after a bus failure",
	})

	PublisherRecycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wampd_publisher_recycles_total",
		Help: "Total number of periodic Redis publisher connection recycles",
	})

	// Processor metrics
	ProcedureCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wampd_procedure_calls_total",
		Help: "Total number of CALL invocations by procedure",
	}, []string{"procedure"})

	ProcessorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wampd_processor_errors_total",
		Help: "Total number of ERROR replies by error URI",
	}, []string{"uri"})
)

// Handler returns the Prometheus scrape handler for the main mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
