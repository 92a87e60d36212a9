package rating

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

func scores(m map[string]float64) func(string) (float64, bool) {
	return func(id string) (float64, bool) {
		v, ok := m[id]
		return v, ok
	}
}

func TestRate_AxisBlend(t *testing.T) {
	r := New(DefaultConfig())
	sub := model.Subject{ID: "s1", Inputs: map[string]model.AxisInput{
		AxisDemand: {
			Qualitative: model.QualitativeHigh,
			Signals:     []float64{8, 6},
			EvidenceIDs: []string{"e2", "e1", "missing"},
			Metrics: []model.MetricLink{
				{MetricID: "m1", Comparison: model.CompareGT, Threshold: 0.5, Adjustment: 0.5},
				{MetricID: "m2", Comparison: model.CompareLT, Threshold: 0, Adjustment: -3},
			},
		},
	}}
	env := Env{
		Metrics:       map[string]float64{"m1": 0.7, "m2": 1},
		EvidenceScore: scores(map[string]float64{"e1": 8, "e2": 7}),
	}

	res := r.Rate(sub, env)
	demand := res.Axes[AxisDemand]
	assert.InDelta(t, 8.0, demand.Value, 0.001)
	assert.True(t, demand.Recomputed)
	assert.False(t, demand.Inherited)
	assert.Equal(t, []string{"evidence:e1", "evidence:e2", "metric:m1"}, demand.Provenance)
	assert.Empty(t, res.Problems)
}

func TestRate_SingleSources(t *testing.T) {
	r := New(DefaultConfig())
	tests := []struct {
		name string
		in   model.AxisInput
		want float64
	}{
		{"anchor only", model.AxisInput{Qualitative: model.QualitativeLow}, 2.5},
		{"signals only", model.AxisInput{Signals: []float64{4, 6}}, 5},
		{"empty input is neutral", model.AxisInput{Notes: "nothing yet"}, 5},
		{"clamped high", model.AxisInput{Qualitative: model.QualitativeVeryHigh, Metrics: []model.MetricLink{
			{MetricID: "m", Comparison: model.CompareGTE, Threshold: 0, Adjustment: 5},
		}}, 10},
		{"clamped low", model.AxisInput{Qualitative: model.QualitativeLow, Metrics: []model.MetricLink{
			{MetricID: "m", Comparison: model.CompareGTE, Threshold: 0, Adjustment: -5},
		}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := model.Subject{ID: "s", Inputs: map[string]model.AxisInput{AxisDemand: tt.in}}
			res := r.Rate(sub, Env{Metrics: map[string]float64{"m": 1}})
			assert.InDelta(t, tt.want, res.Axes[AxisDemand].Value, 0.001)
		})
	}
}

func TestRate_NeutralComposite(t *testing.T) {
	r := New(DefaultConfig())
	res := r.Rate(model.Subject{ID: "s"}, Env{})

	require.Len(t, res.Axes, 5)
	for name, av := range res.Axes {
		assert.InDelta(t, 5.0, av.Value, 0.001, name)
	}
	assert.InDelta(t, 50.0, res.Composite, 0.001)
	assert.Equal(t, []string{"viable"}, res.Categories)
}

func TestRate_CategoriesInPriorityOrder(t *testing.T) {
	r := New(DefaultConfig())
	sub := model.Subject{ID: "s", Inputs: map[string]model.AxisInput{
		AxisDemand:            {Qualitative: model.QualitativeVeryHigh},
		AxisDefensibility:     {Qualitative: model.QualitativeHigh},
		AxisTiming:            {Qualitative: model.QualitativeHigh},
		AxisCapitalEfficiency: {Qualitative: model.QualitativeMedium},
		AxisForceAlignment:    {Qualitative: model.QualitativeVeryHigh},
	}}

	res := r.Rate(sub, Env{})
	assert.InDelta(t, 78.0, res.Composite, 0.001)
	assert.Equal(t, []string{"prime", "force_driven", "high_conviction"}, res.Categories)
}

func TestRate_GeoSpread(t *testing.T) {
	r := New(DefaultConfig())
	sub := model.Subject{ID: "s", GeoScores: map[string]float64{"us": 8, "eu": 3}}
	res := r.Rate(sub, Env{})
	assert.Contains(t, res.Categories, "geo_divergent")

	sub.GeoScores = map[string]float64{"us": 6, "eu": 4}
	res = r.Rate(sub, Env{})
	assert.NotContains(t, res.Categories, "geo_divergent")
}

func TestRate_RetiredGetsTerminalOnly(t *testing.T) {
	r := New(DefaultConfig())
	sub := model.Subject{ID: "s", Retired: true, Inputs: map[string]model.AxisInput{
		AxisDemand: {Qualitative: model.QualitativeVeryHigh},
	}}
	res := r.Rate(sub, Env{})
	assert.Equal(t, []string{RetiredCategory}, res.Categories)
}

func TestRate_Inheritance(t *testing.T) {
	r := New(DefaultConfig())
	parent := model.Subject{ID: "p", Axes: map[string]model.AxisValue{
		AxisTiming:         {Value: 3},
		AxisForceAlignment: {Value: 8},
	}}
	child := model.Subject{ID: "c", ParentID: "p", Inputs: map[string]model.AxisInput{
		AxisTiming: {Qualitative: model.QualitativeHigh},
		AxisDemand: {Qualitative: model.QualitativeHigh},
	}}

	res := r.Rate(child, Env{Parents: map[string]model.Subject{"p": parent}})
	timing := res.Axes[AxisTiming]
	assert.True(t, timing.Inherited)
	assert.False(t, timing.Recomputed)
	assert.InDelta(t, 3.0, timing.Value, 0.001)
	assert.Equal(t, []string{"parent:p"}, timing.Provenance)
	assert.InDelta(t, 8.0, res.Axes[AxisForceAlignment].Value, 0.001)
	assert.InDelta(t, 7.5, res.Axes[AxisDemand].Value, 0.001)
	assert.Contains(t, res.Categories, "timing_risk")
	assert.Empty(t, res.Problems)
}

func TestRate_BrokenInheritance(t *testing.T) {
	r := New(DefaultConfig())
	child := model.Subject{ID: "c", ParentID: "gone", Inputs: map[string]model.AxisInput{
		AxisTiming: {Qualitative: model.QualitativeHigh},
	}}

	res := r.Rate(child, Env{})
	timing := res.Axes[AxisTiming]
	assert.False(t, timing.Inherited)
	assert.True(t, timing.InheritanceBroken)
	assert.InDelta(t, 7.5, timing.Value, 0.001)
	assert.True(t, res.Axes[AxisForceAlignment].InheritanceBroken)
	assert.InDelta(t, 5.0, res.Axes[AxisForceAlignment].Value, 0.001)

	require.Len(t, res.Problems, 2)
	for _, p := range res.Problems {
		assert.True(t, resilience.IsInconsistentState(p))
	}
}

func TestRate_Idempotent(t *testing.T) {
	r := New(DefaultConfig())
	sub := model.Subject{ID: "s", GeoScores: map[string]float64{"a": 1, "b": 9}, Inputs: map[string]model.AxisInput{
		AxisDemand: {Qualitative: model.QualitativeMedium, Signals: []float64{3.3, 7.1, 5.9}, EvidenceIDs: []string{"x", "y"}},
		AxisTiming: {Signals: []float64{1.1, 2.2}},
		AxisForceAlignment: {Metrics: []model.MetricLink{
			{MetricID: "m", Comparison: model.CompareLTE, Threshold: 2, Adjustment: 1.5},
		}},
	}}
	env := Env{
		Metrics:       map[string]float64{"m": 2},
		EvidenceScore: scores(map[string]float64{"x": 6.25, "y": 9.5}),
	}

	first := r.Rate(sub, env)
	second := r.Rate(sub, env)
	assert.Equal(t, first, second)
}

func TestValidateTable_Defaults(t *testing.T) {
	require.NoError(t, ValidateTable(DefaultCategories(), DefaultAxes()))
	require.NoError(t, ValidateAxes(DefaultAxes()))
}

func TestValidateTable_Problems(t *testing.T) {
	cond := func(field string, op model.ConditionOp, v float64) model.CategoryCondition {
		return model.CategoryCondition{Field: field, Op: op, Value: v}
	}
	tests := []struct {
		name  string
		rules []model.CategoryRule
		want  string
	}{
		{"duplicate name", []model.CategoryRule{
			{Name: "a", Priority: 1, Conditions: []model.CategoryCondition{cond(AxisDemand, model.OpGT, 1)}},
			{Name: "a", Priority: 2, Conditions: []model.CategoryCondition{cond(AxisDemand, model.OpGT, 2)}},
		}, `duplicate category "a"`},
		{"duplicate priority", []model.CategoryRule{
			{Name: "a", Priority: 1, Conditions: []model.CategoryCondition{cond(AxisDemand, model.OpGT, 1)}},
			{Name: "b", Priority: 1, Conditions: []model.CategoryCondition{cond(AxisDemand, model.OpGT, 2)}},
		}, "share priority 1"},
		{"unknown field", []model.CategoryRule{
			{Name: "a", Priority: 1, Conditions: []model.CategoryCondition{cond("hype", model.OpGT, 1)}},
		}, `unknown field "hype"`},
		{"unknown operator", []model.CategoryRule{
			{Name: "a", Priority: 1, Conditions: []model.CategoryCondition{cond(AxisDemand, "eq", 1)}},
		}, `unknown operator "eq"`},
		{"contradictory bounds", []model.CategoryRule{
			{Name: "a", Priority: 1, Conditions: []model.CategoryCondition{cond(AxisDemand, model.OpGT, 7), cond(AxisDemand, model.OpLT, 3)}},
		}, "unsatisfiable on demand"},
		{"outside domain", []model.CategoryRule{
			{Name: "a", Priority: 1, Conditions: []model.CategoryCondition{cond(AxisDemand, model.OpGT, 10)}},
		}, "unsatisfiable on demand"},
		{"no conditions", []model.CategoryRule{{Name: "a", Priority: 1}}, `"a" has no conditions`},
		{"overlap in group", []model.CategoryRule{
			{Name: "a", Priority: 1, Group: "tier", Conditions: []model.CategoryCondition{cond(AxisDemand, model.OpGTE, 5)}},
			{Name: "b", Priority: 2, Group: "tier", Conditions: []model.CategoryCondition{cond(AxisDemand, model.OpGTE, 6)}},
		}, `"a" and "b" overlap in exclusive group "tier"`},
		{"two terminals", []model.CategoryRule{
			{Name: "x", Priority: 1, Terminal: true},
			{Name: "y", Priority: 2, Terminal: true},
		}, "at most one terminal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTable(tt.rules, DefaultAxes())
			require.Error(t, err)
			assert.True(t, resilience.IsThresholdMisconfiguration(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateTable_AdjacentGroupRulesDoNotOverlap(t *testing.T) {
	rules := []model.CategoryRule{
		{Name: "low", Priority: 1, Group: "tier", Conditions: []model.CategoryCondition{{Field: AxisDemand, Op: model.OpLT, Value: 5}}},
		{Name: "high", Priority: 2, Group: "tier", Conditions: []model.CategoryCondition{{Field: AxisDemand, Op: model.OpGTE, Value: 5}}},
		{Name: "other", Priority: 3, Group: "tier", Conditions: []model.CategoryCondition{
			{Field: AxisDemand, Op: model.OpGTE, Value: 5},
			{Field: AxisTiming, Op: model.OpLT, Value: 0},
		}},
	}
	err := ValidateTable(rules, DefaultAxes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsatisfiable on timing")
	assert.NotContains(t, err.Error(), `"low" and "high"`)
}

func TestValidateAxes(t *testing.T) {
	axes := DefaultAxes()
	axes[0].Weight = 0.15
	err := ValidateAxes(axes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must sum to 1")

	err = ValidateAxes(append(DefaultAxes(), model.AxisSpec{Name: AxisDemand}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate axis "demand"`)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RatingConfig{})
	assert.Equal(t, DefaultAxes(), cfg.Axes)
	assert.Equal(t, DefaultCategories(), cfg.Categories)
	assert.InDelta(t, 5.0, cfg.NeutralValue, 0.001)

	custom := []model.AxisSpec{{Name: "only", Weight: 1}}
	cfg = FromConfig(config.RatingConfig{Axes: custom, NeutralValue: 4})
	assert.Equal(t, custom, cfg.Axes)
	assert.InDelta(t, 4.0, cfg.NeutralValue, 0.001)
}

func tree() map[string]*model.Subject {
	return map[string]*model.Subject{
		"a": {ID: "a"},
		"b": {ID: "b", ParentID: "a"},
		"c": {ID: "c", ParentID: "b"},
		"d": {ID: "d"},
	}
}

func TestLevels(t *testing.T) {
	levels := Levels(tree(), []string{"c", "a", "d", "b"})
	assert.Equal(t, [][]string{{"a", "d"}, {"b"}, {"c"}}, levels)

	cyclic := map[string]*model.Subject{
		"x": {ID: "x", ParentID: "y"},
		"y": {ID: "y", ParentID: "x"},
	}
	levels = Levels(cyclic, []string{"x", "y"})
	total := 0
	for _, l := range levels {
		total += len(l)
	}
	assert.Equal(t, 2, total)
}

func TestDependents(t *testing.T) {
	assert.Equal(t, []string{"b", "c"}, Dependents(tree(), []string{"a"}))
	assert.Equal(t, []string{"c"}, Dependents(tree(), []string{"b"}))
	assert.Empty(t, Dependents(tree(), []string{"d"}))
}

func TestRateAll_ParentsFirst(t *testing.T) {
	r := New(DefaultConfig())
	all := map[string]*model.Subject{
		"p": {ID: "p", Inputs: map[string]model.AxisInput{AxisTiming: {Qualitative: model.QualitativeLow}}},
		"c": {ID: "c", ParentID: "p", NeedsRecompute: true, InvalidatedBy: []string{"t1"},
			Inputs: map[string]model.AxisInput{AxisTiming: {Qualitative: model.QualitativeHigh}}},
	}

	results, err := r.RateAll(context.Background(), all, []string{"c", "p"}, Env{}, 1, 10, 4)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "p", results[0].SubjectID)

	child := all["c"]
	assert.InDelta(t, 2.5, child.Axes[AxisTiming].Value, 0.001)
	assert.True(t, child.Axes[AxisTiming].Inherited)
	assert.False(t, child.NeedsRecompute)
	assert.Nil(t, child.InvalidatedBy)
	assert.Equal(t, 1, child.RatedCycle)
	require.Len(t, child.History, 1)

	all["p"].Inputs[AxisTiming] = model.AxisInput{Qualitative: model.QualitativeHigh}
	_, err = r.RateAll(context.Background(), all, []string{"p", "c"}, Env{}, 2, 10, 4)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, all["c"].Axes[AxisTiming].Value, 0.001)
	assert.Len(t, all["c"].History, 2)
}

func TestRateAll_Cancelled(t *testing.T) {
	r := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.RateAll(ctx, tree(), []string{"a", "d"}, Env{}, 1, 10, 2)
	require.Error(t, err)
}

func TestApply_HistoryBounded(t *testing.T) {
	sub := &model.Subject{ID: "s"}
	for cycle := 1; cycle <= 3; cycle++ {
		Apply(sub, Result{Composite: float64(cycle), Categories: []string{"viable"}}, cycle, 2)
	}
	require.Len(t, sub.History, 2)
	assert.Equal(t, 2, sub.History[0].Cycle)
	assert.Equal(t, 3, sub.History[1].Cycle)
	assert.Equal(t, 3, sub.RatedCycle)
}
