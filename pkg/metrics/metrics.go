package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "nodepool_nodes", Help: "Known nodes per lifecycle state"},
		[]string{"state"},
	)
	ActiveNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "nodepool_active_nodes", Help: "Current active pool size"},
	)
	ProbeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nodepool_probes_total", Help: "Probe outcomes"},
		[]string{"result"},
	)
	DiscoveryAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nodepool_discovery_admitted_total", Help: "Endpoints admitted via discovery"},
	)
	DiscoveryTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "nodepool_discovery_tokens", Help: "Remaining discovery token-bucket tokens"},
	)
	Failovers = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nodepool_failovers_total", Help: "Subscription failovers"},
	)
	Resyncs = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nodepool_resyncs_total", Help: "UTXO state resynchronizations"},
	)
	SubscriptionState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "nodepool_subscription_state", Help: "Subscription manager state (enum ordinal)"},
	)
	Notifications = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nodepool_notifications_total", Help: "UTXO change notifications delivered"},
	)
	Broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nodepool_broadcasts_total", Help: "Transaction broadcast outcomes"},
		[]string{"result"},
	)
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "nodepool_ws_clients", Help: "Connected notification stream clients"},
	)
)

func Init() {
	prometheus.MustRegister(NodesByState, ActiveNodes, ProbeResults)
	prometheus.MustRegister(DiscoveryAdmitted, DiscoveryTokens)
	prometheus.MustRegister(Failovers, Resyncs, SubscriptionState, Notifications)
	prometheus.MustRegister(Broadcasts, WSClients)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
