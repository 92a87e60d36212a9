package pattern

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/model"
)

type fakeSource struct {
	clusters   map[string]*model.Cluster
	unresolved map[string]int
}

func newFakeSource(clusters ...model.Cluster) *fakeSource {
	f := &fakeSource{clusters: map[string]*model.Cluster{}, unresolved: map[string]int{}}
	for _, c := range clusters {
		f.clusters[c.ID] = &c
	}
	return f
}

func (f *fakeSource) Clusters() []model.Cluster {
	var out []model.Cluster
	for _, c := range f.clusters {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeSource) Cluster(id string) (model.Cluster, bool) {
	c, ok := f.clusters[id]
	if !ok {
		return model.Cluster{}, false
	}
	return *c, true
}

func (f *fakeSource) UnresolvedContradictions(id string) int { return f.unresolved[id] }

func (f *fakeSource) LinkPattern(clusterID, patternID string) {
	if c, ok := f.clusters[clusterID]; ok {
		c.PatternID = patternID
	}
}

func cluster(id string, records, sources, lastCycle int) model.Cluster {
	c := model.Cluster{ID: id, LastCycle: lastCycle, Dimensions: []string{"D"}}
	for i := range records {
		c.RecordIDs = append(c.RecordIDs, fmt.Sprintf("%s-r%d", id, i))
	}
	for i := range sources {
		c.Sources = append(c.Sources, fmt.Sprintf("src-%d", i))
	}
	return c
}

func tracked(id, clusterID string, detected int) model.Pattern {
	return model.Pattern{ID: id, ClusterID: clusterID, DetectedCycle: detected, LastEvaluatedCycle: detected - 1, Status: model.PatternDetected}
}

func TestStrength(t *testing.T) {
	assert.InDelta(t, 0.7467, Strength(2, 0, 2, 0, 0), 0.001)
	assert.InDelta(t, 1.0, Strength(10, 0, 10, 0, 0), 1e-9)
	assert.InDelta(t, 0.0, Strength(1, 5, 1, 10, 5), 1e-9)
	assert.InDelta(t, 0.5+0.12-0.06-0.08, Strength(3, 2, 3, 2, 1), 1e-9)
}

func TestEvaluate_SourceCountGate(t *testing.T) {
	src := newFakeSource(cluster("c1", 2, 2, 1))
	r := NewRegistry(DefaultConfig(), []model.Pattern{tracked("p1", "c1", 1)})

	r.Evaluate(src, 1)
	p, ok := r.Get("p1")
	require.True(t, ok)
	assert.InDelta(t, 0.747, p.Strength, 0.001)
	assert.Equal(t, model.PatternEmerging, p.Status)
	assert.Equal(t, 2, p.IndependentSources)
}

func TestEvaluate_ForwardStates(t *testing.T) {
	tests := []struct {
		name    string
		records int
		sources int
		cycle   int
		want    model.PatternStatus
	}{
		{"strong", 3, 3, 1, model.PatternStrong},
		{"very strong", 5, 5, 1, model.PatternVeryStrong},
		{"too young to confirm", 4, 4, 2, model.PatternStrong},
		{"confirmed", 4, 4, 4, model.PatternConfirmed},
		{"single record stays detected", 1, 1, 1, model.PatternDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(cluster("c1", tt.records, tt.sources, tt.cycle))
			r := NewRegistry(DefaultConfig(), []model.Pattern{tracked("p1", "c1", 1)})
			r.Evaluate(src, tt.cycle)
			p, _ := r.Get("p1")
			assert.Equal(t, tt.want, p.Status)
		})
	}
}

func TestEvaluate_WeakeningThenContradicted(t *testing.T) {
	src := newFakeSource(cluster("c1", 2, 2, 1))
	r := NewRegistry(DefaultConfig(), []model.Pattern{tracked("p1", "c1", 1)})
	r.Evaluate(src, 1)

	c := src.clusters["c1"]
	c.Contradicting = []string{"x1", "x2", "x3"}
	c.LastCycle = 2
	src.unresolved["c1"] = 3

	trs := r.Evaluate(src, 2)
	require.Len(t, trs, 1)
	assert.Equal(t, model.PatternEmerging, trs[0].From)
	assert.Equal(t, model.PatternWeakening, trs[0].To)
	p, _ := r.Get("p1")
	assert.InDelta(t, 0.173, p.Strength, 0.001)
	assert.Equal(t, 1, p.ContradictedStreak)

	r.Evaluate(src, 3)
	p, _ = r.Get("p1")
	assert.Equal(t, model.PatternContradicted, p.Status)
	assert.Equal(t, 1, p.CyclesWithoutNewEvidence)

	reason, ok := r.ReviewReason(p)
	assert.True(t, ok)
	assert.Equal(t, "contradicted", reason)
}

func TestEvaluate_OncePerCycle(t *testing.T) {
	src := newFakeSource(cluster("c1", 3, 3, 1))
	r := NewRegistry(DefaultConfig(), []model.Pattern{tracked("p1", "c1", 1)})
	r.Evaluate(src, 1)
	r.Evaluate(src, 1)
	p, _ := r.Get("p1")
	assert.Len(t, p.History, 1)
}

func TestEvaluate_StaleReview(t *testing.T) {
	src := newFakeSource(cluster("c1", 3, 3, 1))
	r := NewRegistry(DefaultConfig(), []model.Pattern{tracked("p1", "c1", 1)})
	for cycle := 1; cycle <= 3; cycle++ {
		r.Evaluate(src, cycle)
	}
	p, _ := r.Get("p1")
	assert.Equal(t, 2, p.CyclesWithoutNewEvidence)
	reason, ok := r.ReviewReason(p)
	assert.True(t, ok)
	assert.Equal(t, "stale", reason)
}

func TestDetect(t *testing.T) {
	linked := cluster("c3", 5, 3, 1)
	linked.PatternID = "pat-existing"
	src := newFakeSource(cluster("c1", 3, 2, 1), cluster("c2", 3, 1, 1), linked, cluster("c4", 2, 2, 1))
	r := NewRegistry(DefaultConfig(), nil)

	created := r.Detect(src, 1)
	assert.Equal(t, []string{"pat-c1"}, created)
	assert.Equal(t, "pat-c1", src.clusters["c1"].PatternID)
	assert.Empty(t, r.Detect(src, 2))

	trs := r.Evaluate(src, 1)
	require.Len(t, trs, 1)
	assert.Equal(t, model.PatternEmerging, trs[0].To)
}

func TestOverride(t *testing.T) {
	src := newFakeSource(cluster("c1", 3, 3, 1))
	r := NewRegistry(DefaultConfig(), []model.Pattern{tracked("p1", "c1", 1)})

	require.Error(t, r.Override("missing", model.PatternArchived, 1))
	require.Error(t, r.Override("p1", "gone", 1))
	require.NoError(t, r.Override("p1", model.PatternArchived, 1))

	assert.Empty(t, r.Evaluate(src, 1))
	p, _ := r.Get("p1")
	assert.Equal(t, model.PatternArchived, p.Status)
	assert.Empty(t, p.History)

	err := r.Override("p1", model.PatternStrong, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archived")

	_, ok := r.ReviewReason(p)
	assert.False(t, ok)
}

func TestOverride_PinnedUntilNewEvidence(t *testing.T) {
	src := newFakeSource(cluster("c1", 3, 3, 1))
	r := NewRegistry(DefaultConfig(), []model.Pattern{tracked("p1", "c1", 1)})

	require.NoError(t, r.Override("p1", model.PatternContradicted, 1))
	assert.Empty(t, r.Evaluate(src, 1))
	p, _ := r.Get("p1")
	assert.Equal(t, model.PatternContradicted, p.Status)
	assert.True(t, p.Pinned)
	assert.InDelta(t, 0.87, p.Strength, 1e-9)
	require.Len(t, p.History, 1)
	assert.Equal(t, model.PatternContradicted, p.History[0].Status)

	assert.Empty(t, r.Evaluate(src, 2))
	p, _ = r.Get("p1")
	assert.Equal(t, model.PatternContradicted, p.Status)

	src.clusters["c1"].LastCycle = 3
	trs := r.Evaluate(src, 3)
	require.Len(t, trs, 1)
	assert.Equal(t, model.PatternContradicted, trs[0].From)
	assert.Equal(t, model.PatternStrong, trs[0].To)
	p, _ = r.Get("p1")
	assert.False(t, p.Pinned)
}

func TestEvaluate_ReinforcementsCountAsSupport(t *testing.T) {
	c := cluster("c1", 2, 2, 1)
	c.Reinforcements = 2
	src := newFakeSource(c)
	r := NewRegistry(DefaultConfig(), []model.Pattern{tracked("p1", "c1", 1)})

	r.Evaluate(src, 1)
	p, _ := r.Get("p1")
	assert.Equal(t, 2, p.Reinforcements)
	assert.InDelta(t, Strength(4, 0, 2, 0, 0), p.Strength, 1e-9)
	assert.Greater(t, p.Strength, Strength(2, 0, 2, 0, 0))
	assert.Equal(t, model.PatternEmerging, p.Status)
}

func TestPatternsAreCopies(t *testing.T) {
	r := NewRegistry(DefaultConfig(), []model.Pattern{{ID: "b", SupportingIDs: []string{"x"}}, {ID: "a"}})
	ps := r.Patterns()
	require.Len(t, ps, 2)
	assert.Equal(t, "a", ps[0].ID)
	ps[1].SupportingIDs[0] = "mutated"
	p, _ := r.Get("b")
	assert.Equal(t, []string{"x"}, p.SupportingIDs)
}
