package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/confidence"
	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
	"github.com/sells-group/evidence-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Cycle.MaxConcurrency = 4
	cfg.Cycle.RatingHistoryLimit = 12
	cfg.Cycle.RetryMaxAttempts = 1
	cfg.Ledger.DedupWindowHours = 72
	cfg.Ledger.DuplicateSimilarity = 0.8
	cfg.Ledger.ClusterSimilarity = 0.5
	cfg.Ledger.CompactAfterCycles = 3
	cfg.Ledger.SummaryMaxChars = 80
	cfg.Ledger.MetricHistory = 8
	cfg.Grading.ForwardThreshold = 6
	cfg.Grading.ParkBand = 2
	cfg.Confidence.Increment = 0.1
	cfg.Confidence.ContradictionPenalty = 0.15
	cfg.Confidence.Ceiling = 0.999
	cfg.Staleness.DefaultTTLHours = 168
	cfg.Directive.PrimaryTargets = 5
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	e := New(cfg, st)
	e.now = func() time.Time { return t0 }
	return e, st
}

func evidence(id, source, headline string, label model.ConfidenceLabel) model.EvidenceRecord {
	return model.EvidenceRecord{
		ID:         id,
		Provenance: model.Provenance{SourceName: source, SourceKind: model.SourceAnalyst, RetrievedAt: t0},
		Tags:       model.Tags{Dimensions: []string{"D"}},
		Payload:    model.Payload{Headline: headline},
		Confidence: label,
	}
}

func assessment(id, force string) model.AssessmentInput {
	return model.AssessmentInput{
		SubjectID: id,
		Kind:      model.SubjectModel,
		Name:      "Subject " + id,
		Mode:      model.AssessmentNew,
		Tags:      model.SubjectTags{Forces: []string{force}},
		Axes: map[string]model.AxisInput{
			"demand": {Qualitative: model.QualitativeHigh},
		},
	}
}

func metricUpdate(id string, v float64) model.MetricUpdate {
	return model.MetricUpdate{MetricID: id, Value: v, Timestamp: t0, Source: "feed"}
}

func batchAt(cycle int) model.Batch {
	return model.Batch{Cycle: cycle, Now: t0.Add(time.Duration(cycle) * 24 * time.Hour)}
}

func TestRunCycle_ThreeCycleConfidence(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	headlines := []string{
		"freight volumes recover across inland ports",
		"warehouse vacancy tightens in secondary metros",
		"carrier capacity contracts after spot rate slump",
	}
	want := []float64{0.325, 0.3925, 0.45325}
	for i, h := range headlines {
		cycle := i + 1
		b := batchAt(cycle)
		b.Evidence = []model.EvidenceRecord{
			evidence(fmt.Sprintf("e%d", cycle), fmt.Sprintf("src-%d", cycle), h, model.ConfidenceLow),
		}
		report, err := e.RunCycle(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, cycle, report.SnapshotVersion)
		assert.Equal(t, 1, report.Ingested)

		snap, err := e.Snapshot()
		require.NoError(t, err)
		require.Len(t, snap.Confidence, 1)
		assert.InDelta(t, want[i], snap.Confidence[0].Value, 1e-9)
		assert.Equal(t, model.TierEmerging, confidence.TierOf(snap.Confidence[0].Value))
	}
}

func TestRunCycle_SelectiveInvalidation(t *testing.T) {
	cfg := testConfig()
	cfg.Cascade.Triggers = []model.CascadeTrigger{{
		ID:         "energy-spike",
		MetricID:   "oil",
		Comparison: model.CompareGT,
		Threshold:  100,
		Selector:   model.Selector{Forces: []string{"energy"}},
		Action:     model.ActionRecompute,
	}}
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	b := batchAt(1)
	b.Assessments = []model.AssessmentInput{assessment("a", "energy"), assessment("b", "labor")}
	b.MetricUpdates = []model.MetricUpdate{metricUpdate("oil", 80)}
	report, err := e.RunCycle(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, report.Rerated)
	assert.Empty(t, report.Invalidations)

	b = batchAt(2)
	b.MetricUpdates = []model.MetricUpdate{metricUpdate("oil", 120)}
	report, err = e.RunCycle(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Rerated)
	require.Len(t, report.Invalidations, 1)
	assert.Equal(t, "a", report.Invalidations[0].SubjectID)

	sub, ok := e.Subject("b")
	require.True(t, ok)
	assert.Equal(t, 1, sub.RatedCycle)
	sub, _ = e.Subject("a")
	assert.Equal(t, 2, sub.RatedCycle)
	assert.False(t, sub.NeedsRecompute)

	// Still above the threshold: no new crossing.
	b = batchAt(3)
	b.MetricUpdates = []model.MetricUpdate{metricUpdate("oil", 130)}
	report, err = e.RunCycle(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, report.Rerated)
	assert.Empty(t, report.Invalidations)

	b = batchAt(4)
	b.MetricUpdates = []model.MetricUpdate{metricUpdate("oil", 140)}
	report, err = e.RunCycle(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, report.Rerated)
	assert.Empty(t, report.Invalidations)
	sub, _ = e.Subject("a")
	assert.Equal(t, 2, sub.RatedCycle)
}

func TestRunCycle_ChildFollowsParent(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	parent := assessment("sector", "energy")
	parent.Kind = model.SubjectSector
	parent.Axes["timing"] = model.AxisInput{Qualitative: model.QualitativeVeryHigh}
	child := assessment("child", "energy")
	child.ParentID = "sector"

	b := batchAt(1)
	b.Assessments = []model.AssessmentInput{parent, child}
	_, err := e.RunCycle(ctx, b)
	require.NoError(t, err)

	sub, _ := e.Subject("child")
	require.Contains(t, sub.Axes, "timing")
	assert.True(t, sub.Axes["timing"].Inherited)
	assert.InDelta(t, 9, sub.Axes["timing"].Value, 1e-9)

	reassess := parent
	reassess.Mode = model.AssessmentReassess
	reassess.Axes = map[string]model.AxisInput{"timing": {Qualitative: model.QualitativeLow}}
	b = batchAt(2)
	b.Assessments = []model.AssessmentInput{reassess}
	report, err := e.RunCycle(ctx, b)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sector", "child"}, report.Rerated)

	sub, _ = e.Subject("child")
	assert.InDelta(t, 2.5, sub.Axes["timing"].Value, 1e-9)
}

func TestRunCycle_RejectsConcurrentCycle(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	_, err := e.RunCycle(context.Background(), batchAt(1))
	assert.ErrorIs(t, err, resilience.ErrCycleInProgress)

	err = e.Rollback(context.Background(), 1)
	assert.ErrorIs(t, err, resilience.ErrCycleInProgress)
}

func TestRunCycle_MisconfiguredTableTouchesNothing(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()

	b := batchAt(1)
	b.Assessments = []model.AssessmentInput{assessment("a", "energy")}
	b.Overrides.Categories = []model.CategoryRule{{
		Name:       "broken",
		Priority:   1,
		Conditions: []model.CategoryCondition{{Field: "no_such_axis", Op: model.OpGT, Value: 1}},
	}}

	_, err := e.RunCycle(ctx, b)
	require.Error(t, err)
	assert.True(t, resilience.IsThresholdMisconfiguration(err))

	runs, err := st.ListCycles(ctx, store.CycleFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	active, err := st.LoadActiveSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	snap, err := e.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Subjects)
	assert.Zero(t, snap.Cycle)
}

func TestRunCycle_BadTriggerTableRejected(t *testing.T) {
	cfg := testConfig()
	dup := model.CascadeTrigger{
		ID: "t1", MetricID: "oil", Comparison: model.CompareGT, Threshold: 1,
		Selector: model.Selector{Forces: []string{"energy"}}, Action: model.ActionRecompute,
	}
	cfg.Cascade.Triggers = []model.CascadeTrigger{dup, dup}
	e, _ := newTestEngine(t, cfg)

	_, err := e.RunCycle(context.Background(), batchAt(1))
	require.Error(t, err)
	assert.True(t, resilience.IsThresholdMisconfiguration(err))
}

func TestRunCycle_MalformedRecordsQuarantined(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()

	bad := evidence("bad", "src", "  ", model.ConfidenceLow)
	b := batchAt(1)
	b.Evidence = []model.EvidenceRecord{
		evidence("good", "src", "port congestion eases on the west coast", model.ConfidenceMedium),
		bad,
	}
	reassess := assessment("ghost", "energy")
	reassess.Mode = model.AssessmentReassess
	b.Assessments = []model.AssessmentInput{reassess}

	report, err := e.RunCycle(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Ingested)
	require.Len(t, report.Errors, 2)
	for _, ce := range report.Errors {
		assert.Equal(t, model.ErrorMalformedInput, ce.Kind)
	}

	n, err := st.CountQuarantine(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunCycle_CycleMustAdvance(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	_, err := e.RunCycle(ctx, batchAt(2))
	require.NoError(t, err)

	_, err = e.RunCycle(ctx, batchAt(2))
	assert.ErrorIs(t, err, ErrCycleOutOfOrder)

	report, err := e.RunCycle(ctx, model.Batch{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Cycle)
}

func TestRunCycle_DecisionsLogged(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()

	rec := evidence("e1", "census", "median rents rose in twelve metros", model.ConfidenceHigh)
	rec.Provenance.SourceKind = model.SourceOfficial
	rec.Payload.DataPoints = []model.DataPoint{{Label: "rent", Value: 4.1}, {Label: "metros", Value: 12}}
	b := batchAt(1)
	b.Evidence = []model.EvidenceRecord{rec}

	report, err := e.RunCycle(ctx, b)
	require.NoError(t, err)

	decisions, err := st.ListDecisions(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, 1, decisions[0].Cycle)
	if decisions[0].Decision == model.DecisionForward {
		assert.Equal(t, []string{"e1"}, report.Forwarded)
	}
	assert.GreaterOrEqual(t, decisions[0].Score, 0.0)
	assert.LessOrEqual(t, decisions[0].Score, 10.0)
}

func TestRunCycle_Deterministic(t *testing.T) {
	run := func() model.Snapshot {
		e, _ := newTestEngine(t, testConfig())
		b := batchAt(1)
		b.Evidence = []model.EvidenceRecord{
			evidence("e1", "a", "grid storage orders double year over year", model.ConfidenceMedium),
			evidence("e2", "b", "grid storage orders double again this year", model.ConfidenceLow),
		}
		b.Assessments = []model.AssessmentInput{assessment("x", "energy"), assessment("y", "labor")}
		_, err := e.RunCycle(context.Background(), b)
		require.NoError(t, err)
		snap, err := e.Snapshot()
		require.NoError(t, err)
		return snap
	}

	first, second := run(), run()
	assert.Equal(t, first.Subjects, second.Subjects)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Directive, second.Directive)
	assert.Equal(t, first.Ledger.Decisions, second.Ledger.Decisions)
}

func TestRollback(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()

	for cycle := 1; cycle <= 2; cycle++ {
		b := batchAt(cycle)
		b.Assessments = []model.AssessmentInput{assessment(fmt.Sprintf("s%d", cycle), "energy")}
		_, err := e.RunCycle(ctx, b)
		require.NoError(t, err)
	}

	require.NoError(t, e.Rollback(ctx, 1))
	snap, err := e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Cycle)
	assert.Len(t, snap.Subjects, 1)

	// A fresh engine sees the rolled-back state.
	other := New(testConfig(), st)
	require.NoError(t, other.Load(ctx))
	snap, err = other.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)

	report, err := e.RunCycle(ctx, model.Batch{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Cycle)
	assert.Equal(t, 3, report.SnapshotVersion)

	snap, err = e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ParentVersion)

	assert.Error(t, e.Rollback(ctx, 99))
}

func TestApplyPatternOverride(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	headline := "battery recycling capacity expands across the midwest"
	b := batchAt(1)
	b.Evidence = []model.EvidenceRecord{
		evidence("p1", "alpha", headline, model.ConfidenceMedium),
		evidence("p2", "beta", headline, model.ConfidenceMedium),
		evidence("p3", "gamma", headline, model.ConfidenceMedium),
	}
	report, err := e.RunCycle(ctx, b)
	require.NoError(t, err)
	require.Len(t, report.PatternsCreated, 1)
	id := report.PatternsCreated[0]

	version, err := e.ApplyPatternOverride(ctx, id, model.PatternArchived)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	snap, err := e.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Patterns, 1)
	assert.Equal(t, model.PatternArchived, snap.Patterns[0].Status)

	_, err = e.ApplyPatternOverride(ctx, id, model.PatternStrong)
	assert.Error(t, err)
	_, err = e.ApplyPatternOverride(ctx, "pat-missing", model.PatternArchived)
	assert.Error(t, err)
}

func TestRunCycle_BatchPatternOverrideSticks(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()

	headline := "battery recycling capacity expands across the midwest"
	b := batchAt(1)
	b.Evidence = []model.EvidenceRecord{
		evidence("p1", "alpha", headline, model.ConfidenceMedium),
		evidence("p2", "beta", headline, model.ConfidenceMedium),
		evidence("p3", "gamma", headline, model.ConfidenceMedium),
	}
	report, err := e.RunCycle(ctx, b)
	require.NoError(t, err)
	require.Len(t, report.PatternsCreated, 1)
	id := report.PatternsCreated[0]

	b = batchAt(2)
	b.Overrides.PatternStatus = map[string]model.PatternStatus{id: model.PatternContradicted}
	_, err = e.RunCycle(ctx, b)
	require.NoError(t, err)

	snap, err := e.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Patterns, 1)
	assert.Equal(t, model.PatternContradicted, snap.Patterns[0].Status)
	assert.True(t, snap.Patterns[0].Pinned)

	stored, err := st.LoadActiveSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Len(t, stored.Patterns, 1)
	assert.Equal(t, model.PatternContradicted, stored.Patterns[0].Status)

	_, err = e.RunCycle(ctx, batchAt(3))
	require.NoError(t, err)
	snap, err = e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, model.PatternContradicted, snap.Patterns[0].Status)
}

func TestRunCycle_StaleWriterReloads(t *testing.T) {
	first, st := newTestEngine(t, testConfig())
	second := New(testConfig(), st)
	second.now = func() time.Time { return t0 }
	ctx := context.Background()

	_, err := first.RunCycle(ctx, batchAt(1))
	require.NoError(t, err)

	_, err = second.RunCycle(ctx, batchAt(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStaleParent)

	snap, err := second.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)

	report, err := second.RunCycle(ctx, batchAt(2))
	require.NoError(t, err)
	assert.Equal(t, 2, report.SnapshotVersion)

	runs, err := st.ListCycles(ctx, store.CycleFilter{Status: model.CycleStatusFailed})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestEvidence_QueriesActiveLedger(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	assert.Empty(t, e.Evidence(ledger.Filter{}))

	b := batchAt(1)
	b.Evidence = []model.EvidenceRecord{
		evidence("q1", "alpha", "port throughput climbs on the gulf coast", model.ConfidenceMedium),
		evidence("q2", "beta", "semiconductor lead times shorten again", model.ConfidenceMedium),
	}
	_, err := e.RunCycle(ctx, b)
	require.NoError(t, err)

	all := e.Evidence(ledger.Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "q1", all[0].ID)

	got := e.Evidence(ledger.Filter{Source: "beta"})
	require.Len(t, got, 1)
	assert.Equal(t, "q2", got[0].ID)
	assert.Empty(t, e.Evidence(ledger.Filter{FromCycle: 2}))
}

func TestLoad_EmptyStore(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	require.NoError(t, e.Load(context.Background()))
	assert.Nil(t, e.Directive())

	snap, err := e.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.Version)
}
