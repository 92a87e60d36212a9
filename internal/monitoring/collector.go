package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Cycle metrics (within lookback window).
	CyclesTotal    int     `json:"cycles_total"`
	CyclesComplete int     `json:"cycles_complete"`
	CyclesFailed   int     `json:"cycles_failed"`
	CyclesRunning  int     `json:"cycles_running"`
	CycleFailRate  float64 `json:"cycle_fail_rate"`
	CycleErrors    int     `json:"cycle_errors"`

	// Directive alerts of the active snapshot.
	CollapseAlerts   int `json:"collapse_alerts"`
	RegressionAlerts int `json:"regression_alerts"`
	ActiveVersion    int `json:"active_version"`

	QuarantineDepth int `json:"quarantine_depth"`

	// Metadata.
	LookbackCycles int       `json:"lookback_cycles"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of engine metrics over the last lookback cycles.
func (c *Collector) Collect(ctx context.Context, lookbackCycles int) (*MetricsSnapshot, error) {
	if lookbackCycles <= 0 {
		lookbackCycles = 20
	}
	snap := &MetricsSnapshot{
		LookbackCycles: lookbackCycles,
		CollectedAt:    time.Now().UTC(),
	}

	runs, err := c.store.ListCycles(ctx, store.CycleFilter{Limit: lookbackCycles})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list cycles")
	}

	snap.CyclesTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.CycleStatusComplete:
			snap.CyclesComplete++
		case model.CycleStatusFailed:
			snap.CyclesFailed++
		case model.CycleStatusRunning:
			snap.CyclesRunning++
		}
		if r.Report != nil {
			snap.CycleErrors += len(r.Report.Errors)
		}
	}
	if finished := snap.CyclesComplete + snap.CyclesFailed; finished > 0 {
		snap.CycleFailRate = float64(snap.CyclesFailed) / float64(finished)
	}

	active, err := c.store.LoadActiveSnapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: load active snapshot")
	}
	if active != nil {
		snap.ActiveVersion = active.Version
		if active.Directive != nil {
			for _, a := range active.Directive.Alerts {
				switch a.Kind {
				case model.AlertConfidenceCollapse:
					snap.CollapseAlerts++
				case model.AlertConfidenceRegression:
					snap.RegressionAlerts++
				}
			}
		}
	}

	depth, err := c.store.CountQuarantine(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count quarantine")
	}
	snap.QuarantineDepth = depth
	SetQuarantineDepth(depth)

	return snap, nil
}
