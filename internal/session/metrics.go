package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_active",
		Help: "Live sessions connected to this node.",
	})

	resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_resyncs_total",
		Help: "Resync notices sent after a dropped subscription, by topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(sessionsActive, resyncs)
}
