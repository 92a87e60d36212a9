package metric

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/model"
)

func update(id string, v float64) model.MetricUpdate {
	return model.MetricUpdate{MetricID: id, Value: v, Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Source: "bls"}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		dir    model.Direction
		vel    model.Velocity
	}{
		{"single value", []float64{10}, model.DirectionFlat, model.VelocitySteady},
		{"two values rising", []float64{10, 12}, model.DirectionRising, model.VelocitySteady},
		{"accelerating", []float64{10, 12, 16}, model.DirectionRising, model.VelocityAccelerating},
		{"decelerating", []float64{10, 14, 15}, model.DirectionRising, model.VelocityDecelerating},
		{"steady", []float64{10, 12, 14}, model.DirectionRising, model.VelocitySteady},
		{"reversing", []float64{10, 14, 12}, model.DirectionFalling, model.VelocityReversing},
		{"flat after move", []float64{10, 14, 14}, model.DirectionFlat, model.VelocityDecelerating},
		{"within tolerance", []float64{100, 90, 80.5}, model.DirectionFalling, model.VelocitySteady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h []model.MetricObservation
			for _, v := range tt.values {
				h = append(h, model.MetricObservation{Value: v})
			}
			dir, vel := classify(h)
			assert.Equal(t, tt.dir, dir)
			assert.Equal(t, tt.vel, vel)
		})
	}
}

func TestBook_ObserveTracksPreviousAndChanges(t *testing.T) {
	b := NewBook(4, nil)

	b.BeginCycle()
	b.Observe(update("cost", 50), 1)
	m, ok := b.Get("cost")
	require.True(t, ok)
	assert.False(t, m.HasPrevious)
	assert.True(t, m.HasValue)
	assert.Equal(t, 1, m.UpdatedCycle)
	assert.Equal(t, model.SchemaVersion, m.SchemaVersion)

	b.BeginCycle()
	assert.Empty(t, b.Changed())
	b.Observe(update("cost", 45), 2)
	b.Observe(update("wage", 3), 2)
	m, _ = b.Get("cost")
	assert.True(t, m.HasPrevious)
	assert.InDelta(t, 50, m.PreviousValue, 0.001)
	assert.InDelta(t, 45, m.Value, 0.001)
	assert.Equal(t, model.DirectionFalling, m.Direction)

	changed := b.Changed()
	require.Len(t, changed, 2)
	assert.Equal(t, "cost", changed[0].ID)
	assert.Equal(t, "wage", changed[1].ID)
	assert.Equal(t, map[string]float64{"cost": 45, "wage": 3}, b.Values())
}

func TestBook_HistoryIsBounded(t *testing.T) {
	b := NewBook(3, nil)
	for i := 0; i < 10; i++ {
		b.Observe(update("cost", float64(i)), i)
	}
	m, _ := b.Get("cost")
	require.Len(t, m.History, 3)
	assert.InDelta(t, 7, m.History[0].Value, 0.001)
}

func TestBook_IgnoresNonFinite(t *testing.T) {
	b := NewBook(8, nil)
	b.Observe(update("cost", math.NaN()), 1)
	b.Observe(update("cost", math.Inf(1)), 1)
	_, ok := b.Get("cost")
	assert.False(t, ok)
	assert.Empty(t, b.Changed())
}

func TestBook_SnapshotIsACopy(t *testing.T) {
	b := NewBook(8, nil)
	b.Observe(update("cost", 10), 1)
	snap := b.Snapshot()
	b.Observe(update("cost", 20), 2)

	require.Len(t, snap, 1)
	assert.Len(t, snap[0].History, 1)
	restored := NewBook(8, snap)
	m, _ := restored.Get("cost")
	assert.InDelta(t, 10, m.Value, 0.001)
}
