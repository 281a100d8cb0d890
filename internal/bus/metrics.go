package bus

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Events handed to the bus, by event type.",
		},
		[]string{"type"},
	)

	eventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_events_delivered_total",
			Help: "Events placed into subscriber buffers.",
		},
	)

	subscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bus_subscriptions_active",
			Help: "Live subscriptions, by topic kind.",
		},
		[]string{"topic"},
	)

	subscriptionsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_subscriptions_dropped_total",
			Help: "Subscriptions dropped because their buffer was full.",
		},
	)

	relayErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_relay_errors_total",
			Help: "Failed attempts to forward an event to other nodes.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDelivered, subscriptionsActive, subscriptionsDropped, relayErrors)
}
