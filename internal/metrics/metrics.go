// Package metrics provides Prometheus instrumentation for the realtime fanout
// engine: connection gauges, envelope throughput counters, and bus health
// counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of registered connections,
	// labeled by fanout domain.
	ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realtime_connections_active",
		Help: "Current number of registered connections",
	}, []string{"domain"})

	// EnvelopesPublished counts envelopes published to the bus, labeled by
	// domain and event type.
	EnvelopesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_envelopes_published_total",
		Help: "Total envelopes published to the broadcast bus",
	}, []string{"domain", "type"})

	// EnvelopesDelivered counts envelope frames written to local connections.
	EnvelopesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_envelopes_delivered_total",
		Help: "Total envelope frames delivered to local connections",
	}, []string{"domain"})

	// DeliveryFailures counts failed local writes; each failure also reaps the
	// connection.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_delivery_failures_total",
		Help: "Total failed local deliveries (connection reaped)",
	})

	// BusErrors counts broker-level failures, labeled by operation:
	// "publish", "subscribe", or "decode".
	BusErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_bus_errors_total",
		Help: "Total broadcast bus failures",
	}, []string{"op"})

	// BusReconnects counts broker reconnections.
	BusReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_bus_reconnects_total",
		Help: "Total broadcast bus reconnections",
	})

	// MessagesTotal counts chat messages by outcome: "stored", "rejected",
	// "rate_limited", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_total",
		Help: "Total chat messages processed",
	}, []string{"result"})

	// LocationSamples counts live-location samples accepted into the ring
	// buffer.
	LocationSamples = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_location_samples_total",
		Help: "Total location samples accepted",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		EnvelopesPublished,
		EnvelopesDelivered,
		DeliveryFailures,
		BusErrors,
		BusReconnects,
		MessagesTotal,
		LocationSamples,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
