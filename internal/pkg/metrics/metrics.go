// Package metrics exposes Prometheus collectors for the analyzer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "oapx"

var (
	PacketsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_classified_total",
			Help:      "Observed bodies by classification.",
		}, []string{"kind"})

	HandshakeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_events_total",
			Help:      "Registry events: request, orphan_response, invalid_proof, derived, unresolved.",
		}, []string{"event"})

	DecryptAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_attempts_total",
			Help:      "Oracle attempts on encrypted containers by result.",
		}, []string{"result"})

	Replays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Operator replays by result.",
		}, []string{"result"})

	ProxiedExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxied_exchanges_total",
			Help:      "Exchanges relayed by the intercepting proxy.",
		}, []string{"outcome"})
)

// registerGauge replaces any previous collector of the same name, so a
// re-created engine (tests, reloads) reports its own stores.
func registerGauge(g prometheus.Collector) {
	prometheus.Unregister(g)
	_ = prometheus.Register(g)
}

// RegisterStoreGauges publishes live sizes of the handshake registry and
// session store.
func RegisterStoreGauges(contexts, sessions func() int) {
	registerGauge(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handshake_contexts",
			Help:      "Handshake contexts held by the registry.",
		}, func() float64 { return float64(contexts()) }))

	registerGauge(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Recovered session key pairs.",
		}, func() float64 { return float64(sessions()) }))
}
