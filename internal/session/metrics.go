package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	joinedClients = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "session",
		Name:      "joined_clients",
		Help:      "Connections currently joined per document.",
	}, []string{"document"})

	hostedEngines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session",
		Name:      "hosted_engines",
		Help:      "Document engines currently resident.",
	})

	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "messages_total",
		Help:      "Inbound protocol messages by type.",
	}, []string{"type"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(joinedClients, hostedEngines, messagesTotal)
	})
}

var tracer = otel.Tracer("github.com/example/twodo-sync-engine/session")
