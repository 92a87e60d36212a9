package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/evidence-engine/internal/model"
)

var (
	// cyclesTotal counts finished cycles.
	// Labels: status (complete, failed, rejected)
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence_engine",
		Subsystem: "cycle",
		Name:      "runs_total",
		Help:      "Total cycles by outcome",
	}, []string{"status"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "evidence_engine",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Wall time of a cycle from lock to commit",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// cycleErrors counts isolated per-record and per-subject failures.
	// Labels: kind (malformed_input, inconsistent_state)
	cycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence_engine",
		Subsystem: "cycle",
		Name:      "errors_total",
		Help:      "Isolated errors reported with cycles",
	}, []string{"kind"})

	// decisionsTotal counts forwarding decisions.
	// Labels: decision (forward, park, compact)
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence_engine",
		Subsystem: "grading",
		Name:      "decisions_total",
		Help:      "Forwarding decisions by outcome",
	}, []string{"decision"})

	triggersFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evidence_engine",
		Subsystem: "cascade",
		Name:      "invalidations_total",
		Help:      "Subject invalidations raised by metric triggers",
	})

	subjectsRerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evidence_engine",
		Subsystem: "rating",
		Name:      "rerated_total",
		Help:      "Subjects re-rated",
	})

	quarantineDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "evidence_engine",
		Subsystem: "intake",
		Name:      "quarantine_depth",
		Help:      "Records currently held in quarantine",
	})
)

// RecordCycle updates the cycle collectors from a committed report.
func RecordCycle(report *model.CycleReport, elapsed time.Duration) {
	cyclesTotal.WithLabelValues(string(model.CycleStatusComplete)).Inc()
	cycleDuration.Observe(elapsed.Seconds())
	for _, e := range report.Errors {
		cycleErrors.WithLabelValues(string(e.Kind)).Inc()
	}
	decisionsTotal.WithLabelValues(string(model.DecisionForward)).Add(float64(len(report.Forwarded)))
	decisionsTotal.WithLabelValues(string(model.DecisionPark)).Add(float64(len(report.Parked)))
	decisionsTotal.WithLabelValues(string(model.DecisionCompact)).Add(float64(len(report.Compacted)))
	triggersFired.Add(float64(len(report.Invalidations)))
	subjectsRerated.Add(float64(len(report.Rerated)))
}

// RecordCycleFailure counts a cycle that did not commit. status is
// "failed" for aborted cycles and "rejected" for lock or table refusals.
func RecordCycleFailure(status string, elapsed time.Duration) {
	cyclesTotal.WithLabelValues(status).Inc()
	if elapsed > 0 {
		cycleDuration.Observe(elapsed.Seconds())
	}
}

// SetQuarantineDepth publishes the current quarantine size.
func SetQuarantineDepth(n int) {
	quarantineDepth.Set(float64(n))
}
