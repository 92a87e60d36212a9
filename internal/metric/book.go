package metric

import (
	"math"
	"sort"

	"github.com/sells-group/evidence-engine/internal/model"
)

// velocityTolerance is the relative band inside which consecutive moves
// count as steady.
const velocityTolerance = 0.10

// Book holds the current force metrics and remembers which ones moved in
// the running cycle.
type Book struct {
	historyLimit int
	metrics      map[string]*model.ForceMetric
	order        []string
	changed      map[string]bool
}

// NewBook restores a book from persisted metrics.
func NewBook(historyLimit int, metrics []model.ForceMetric) *Book {
	if historyLimit < 3 {
		historyLimit = 3
	}
	b := &Book{
		historyLimit: historyLimit,
		metrics:      make(map[string]*model.ForceMetric, len(metrics)),
		changed:      make(map[string]bool),
	}
	for _, m := range metrics {
		m := m
		m.History = append([]model.MetricObservation(nil), m.History...)
		b.metrics[m.ID] = &m
		b.order = append(b.order, m.ID)
	}
	return b
}

// BeginCycle marks the current values as the previous stored values that
// edge detection compares against.
func (b *Book) BeginCycle() {
	b.changed = make(map[string]bool)
	for _, m := range b.metrics {
		m.PreviousValue = m.Value
		m.HasPrevious = m.HasValue
	}
}

// Observe records a reading. Non-finite values are ignored.
func (b *Book) Observe(u model.MetricUpdate, cycle int) {
	if math.IsNaN(u.Value) || math.IsInf(u.Value, 0) {
		return
	}
	m, ok := b.metrics[u.MetricID]
	if !ok {
		m = &model.ForceMetric{SchemaVersion: model.SchemaVersion, ID: u.MetricID}
		b.metrics[u.MetricID] = m
		b.order = append(b.order, u.MetricID)
	}

	m.History = append(m.History, model.MetricObservation{
		Value:      u.Value,
		Cycle:      cycle,
		Source:     u.Source,
		ObservedAt: u.Timestamp,
	})
	if len(m.History) > b.historyLimit {
		m.History = m.History[len(m.History)-b.historyLimit:]
	}
	m.Value = u.Value
	m.HasValue = true
	m.UpdatedCycle = cycle
	m.Direction, m.Velocity = classify(m.History)
	b.changed[u.MetricID] = true
}

// Get returns a copy of the metric with id.
func (b *Book) Get(id string) (model.ForceMetric, bool) {
	m, ok := b.metrics[id]
	if !ok {
		return model.ForceMetric{}, false
	}
	return *m, true
}

// Changed returns the metrics updated since BeginCycle, sorted by id.
func (b *Book) Changed() []model.ForceMetric {
	ids := make([]string, 0, len(b.changed))
	for id := range b.changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.ForceMetric, 0, len(ids))
	for _, id := range ids {
		out = append(out, *b.metrics[id])
	}
	return out
}

// Values returns the current value of every metric that has one.
func (b *Book) Values() map[string]float64 {
	out := make(map[string]float64, len(b.metrics))
	for id, m := range b.metrics {
		if m.HasValue {
			out[id] = m.Value
		}
	}
	return out
}

// Snapshot returns copies of all metrics in first-seen order.
func (b *Book) Snapshot() []model.ForceMetric {
	out := make([]model.ForceMetric, 0, len(b.order))
	for _, id := range b.order {
		m := *b.metrics[id]
		m.History = append([]model.MetricObservation(nil), m.History...)
		out = append(out, m)
	}
	return out
}

// classify derives direction from the last move and velocity from the last
// two moves.
func classify(h []model.MetricObservation) (model.Direction, model.Velocity) {
	if len(h) < 2 {
		return model.DirectionFlat, model.VelocitySteady
	}
	d2 := h[len(h)-1].Value - h[len(h)-2].Value
	dir := model.DirectionFlat
	switch {
	case d2 > 0:
		dir = model.DirectionRising
	case d2 < 0:
		dir = model.DirectionFalling
	}
	if len(h) < 3 {
		return dir, model.VelocitySteady
	}

	d1 := h[len(h)-2].Value - h[len(h)-3].Value
	switch {
	case d1 != 0 && d2 != 0 && (d1 > 0) != (d2 > 0):
		return dir, model.VelocityReversing
	case math.Abs(d2) > math.Abs(d1)*(1+velocityTolerance):
		return dir, model.VelocityAccelerating
	case math.Abs(d2) < math.Abs(d1)*(1-velocityTolerance):
		return dir, model.VelocityDecelerating
	default:
		return dir, model.VelocitySteady
	}
}
