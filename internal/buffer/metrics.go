package buffer

import "github.com/prometheus/client_golang/prometheus"

var (
	flushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buffer",
		Name:      "flushes_total",
		Help:      "Buffer flush attempts by result.",
	}, []string{"result"})

	loadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buffer",
		Name:      "loads_total",
		Help:      "Buffer load attempts by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(flushesTotal, loadsTotal)
}
