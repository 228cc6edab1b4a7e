// Package metrics holds the prometheus collectors of the messaging core. They are
// registered with the default registry and served by the admin server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_connections",
			Help: "Number of live client connections.",
		},
	)

	OnlineProfiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_online_profiles",
			Help: "Number of profiles with at least one live connection.",
		},
	)

	Actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_actions_total",
			Help: "Client actions processed, by action and result code.",
		},
		[]string{"action", "result"},
	)

	EventsPushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_events_pushed_total",
			Help: "Server events enqueued to live connections, by event type.",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_events_dropped_total",
			Help: "Server events dropped because a connection buffer was full or closed.",
		},
		[]string{"type"},
	)

	Attachments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_attachments_total",
			Help: "Uploaded attachments, by result.",
		},
		[]string{"result"},
	)

	PushNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_push_notifications_total",
			Help: "Web push notifications sent to offline participants, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(Connections)
	prometheus.MustRegister(OnlineProfiles)
	prometheus.MustRegister(Actions)
	prometheus.MustRegister(EventsPushed)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(Attachments)
	prometheus.MustRegister(PushNotifications)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
