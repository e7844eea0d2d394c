package changelog

import "github.com/prometheus/client_golang/prometheus"

var (
	recordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changelog",
		Name:      "changes_recorded_total",
		Help:      "Changes appended to the undo stack, by origin.",
	}, []string{"document", "origin"})

	undoTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changelog",
		Name:      "undo_total",
		Help:      "Undo attempts by result.",
	}, []string{"document", "result"})

	redoTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changelog",
		Name:      "redo_total",
		Help:      "Redo attempts by result.",
	}, []string{"document", "result"})

	evictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changelog",
		Name:      "evictions_total",
		Help:      "Undo entries dropped because the stack exceeded capacity.",
	}, []string{"document"})

	recoveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changelog",
		Name:      "snapshot_recoveries_total",
		Help:      "Times the workspace was rolled back to a snapshot.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(recordedTotal, undoTotal, redoTotal, evictionsTotal, recoveriesTotal)
}
