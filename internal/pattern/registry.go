// Package pattern tracks recurring multi-source evidence clusters through a
// strength-driven lifecycle.
package pattern

import (
	"math"
	"slices"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/model"
)

// Config holds detection and lifecycle settings.
type Config struct {
	MinClusterRecords int
	MinClusterSources int
	StaleAfterCycles  int
	HistoryLimit      int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{MinClusterRecords: 3, MinClusterSources: 2, StaleAfterCycles: 2, HistoryLimit: 12}
}

// FromConfig converts pattern settings, keeping defaults for zero values.
func FromConfig(cfg config.PatternConfig) Config {
	out := DefaultConfig()
	if cfg.MinClusterRecords > 0 {
		out.MinClusterRecords = cfg.MinClusterRecords
	}
	if cfg.MinClusterSources > 0 {
		out.MinClusterSources = cfg.MinClusterSources
	}
	if cfg.StaleAfterCycles > 0 {
		out.StaleAfterCycles = cfg.StaleAfterCycles
	}
	if cfg.HistoryLimit > 0 {
		out.HistoryLimit = cfg.HistoryLimit
	}
	return out
}

// ClusterSource exposes the evidence clusters patterns are built on.
type ClusterSource interface {
	Clusters() []model.Cluster
	Cluster(id string) (model.Cluster, bool)
	UnresolvedContradictions(clusterID string) int
	LinkPattern(clusterID, patternID string)
}

// Transition is a status change made during evaluation.
type Transition struct {
	PatternID string
	From      model.PatternStatus
	To        model.PatternStatus
	Strength  float64
}

// Registry holds every pattern ever detected. Archived patterns are kept.
type Registry struct {
	cfg      Config
	patterns map[string]*model.Pattern
}

// NewRegistry restores a registry from persisted patterns.
func NewRegistry(cfg Config, patterns []model.Pattern) *Registry {
	r := &Registry{cfg: cfg, patterns: make(map[string]*model.Pattern, len(patterns))}
	for _, p := range patterns {
		p := copyPattern(p)
		r.patterns[p.ID] = &p
	}
	return r
}

// Strength computes the strength score, clamped to [0, 1].
func Strength(supporting, contradicting, sources, cyclesWithout, unresolved int) float64 {
	base := float64(supporting) / float64(supporting+contradicting+1)
	s := base + math.Min(0.20, float64(sources)*0.04) -
		float64(cyclesWithout)*0.03 -
		float64(unresolved)*0.08
	return math.Max(0, math.Min(1, s))
}

// Detect creates a pattern for every unlinked cluster with enough records
// from enough distinct sources. Returns the new pattern ids.
func (r *Registry) Detect(src ClusterSource, cycle int) []string {
	var created []string
	for _, c := range src.Clusters() {
		if c.PatternID != "" || len(c.RecordIDs) < r.cfg.MinClusterRecords || len(c.Sources) < r.cfg.MinClusterSources {
			continue
		}
		id := "pat-" + c.ID
		if _, exists := r.patterns[id]; exists {
			src.LinkPattern(c.ID, id)
			continue
		}
		r.patterns[id] = &model.Pattern{
			SchemaVersion:      model.SchemaVersion,
			ID:                 id,
			ClusterID:          c.ID,
			DetectedCycle:      cycle,
			LastEvaluatedCycle: cycle - 1,
			Status:             model.PatternDetected,
		}
		src.LinkPattern(c.ID, id)
		created = append(created, id)
	}
	sort.Strings(created)
	return created
}

// Evaluate refreshes every live pattern from its cluster, recomputes its
// strength and applies the transition rules. Same-source reinforcements
// count as supporting observations. A pinned pattern keeps its status.
func (r *Registry) Evaluate(src ClusterSource, cycle int) []Transition {
	log := zap.L().With(zap.String("component", "pattern"))
	var out []Transition
	for _, id := range r.ids() {
		p := r.patterns[id]
		if p.Status == model.PatternArchived || p.LastEvaluatedCycle >= cycle {
			continue
		}
		c, ok := src.Cluster(p.ClusterID)
		if !ok {
			log.Warn("pattern: cluster missing", zap.String("pattern_id", id), zap.String("cluster_id", p.ClusterID))
			continue
		}

		firstEval := p.History == nil
		if c.LastCycle >= cycle {
			p.CyclesWithoutNewEvidence = 0
		} else {
			p.CyclesWithoutNewEvidence++
		}
		p.SupportingIDs = slices.Clone(c.RecordIDs)
		p.ContradictingIDs = slices.Clone(c.Contradicting)
		p.Dimensions = slices.Clone(c.Dimensions)
		p.IndependentSources = len(c.Sources)
		p.Reinforcements = c.Reinforcements
		p.UnresolvedContradictions = src.UnresolvedContradictions(c.ID)
		if len(p.ContradictingIDs) > len(p.SupportingIDs) {
			p.ContradictedStreak++
		} else {
			p.ContradictedStreak = 0
		}

		strength := Strength(len(p.SupportingIDs)+p.Reinforcements, len(p.ContradictingIDs), p.IndependentSources,
			p.CyclesWithoutNewEvidence, p.UnresolvedContradictions)
		p.PreviousStrength = p.Strength
		if firstEval {
			p.PreviousStrength = strength
		}
		p.Strength = strength

		from := p.Status
		if p.Pinned && c.LastCycle > p.PinnedCycle {
			p.Pinned = false
		}
		if !p.Pinned {
			p.Status = r.next(p, cycle)
		}
		p.LastEvaluatedCycle = cycle
		p.History = append(p.History, model.PatternPoint{Cycle: cycle, Strength: p.Strength, Status: p.Status})
		if r.cfg.HistoryLimit > 0 && len(p.History) > r.cfg.HistoryLimit {
			p.History = slices.Clone(p.History[len(p.History)-r.cfg.HistoryLimit:])
		}
		if from != p.Status {
			out = append(out, Transition{PatternID: id, From: from, To: p.Status, Strength: p.Strength})
			log.Info("pattern: status changed",
				zap.String("pattern_id", id),
				zap.String("from", string(from)),
				zap.String("to", string(p.Status)),
				zap.Float64("strength", p.Strength),
			)
		}
	}
	return out
}

// next applies the transition rules in order. Forward progress is checked
// before decay, and the first match wins.
func (r *Registry) next(p *model.Pattern, cycle int) model.PatternStatus {
	s := p.Strength
	sources := p.IndependentSources
	age := cycle - p.DetectedCycle
	switch {
	case s >= 0.85 && sources >= 5 && p.UnresolvedContradictions == 0:
		return model.PatternVeryStrong
	case s >= 0.75 && sources >= 4 && age >= 3:
		return model.PatternConfirmed
	case s >= 0.60 && sources >= 3:
		return model.PatternStrong
	case s >= 0.40 && len(p.SupportingIDs) >= 2:
		return model.PatternEmerging
	case p.PreviousStrength-s >= 0.15-1e-9:
		return model.PatternWeakening
	case p.ContradictedStreak >= 2:
		return model.PatternContradicted
	default:
		return model.PatternDetected
	}
}

// Override sets a pattern's status by operator action at cycle. The status
// is pinned until the pattern's cluster receives evidence in a later cycle;
// strength keeps being recomputed meanwhile. Archived patterns cannot be
// revived.
func (r *Registry) Override(id string, status model.PatternStatus, cycle int) error {
	p, ok := r.patterns[id]
	if !ok {
		return eris.Errorf("pattern: unknown pattern %q", id)
	}
	if !model.ValidPatternStatus(status) {
		return eris.Errorf("pattern: invalid status %q", status)
	}
	if p.Status == model.PatternArchived && status != model.PatternArchived {
		return eris.Errorf("pattern: %s is archived", id)
	}
	zap.L().Info("pattern: operator override",
		zap.String("component", "pattern"),
		zap.String("pattern_id", id),
		zap.String("from", string(p.Status)),
		zap.String("to", string(status)),
	)
	p.Status = status
	p.Pinned = status != model.PatternArchived
	p.PinnedCycle = cycle
	return nil
}

// ReviewReason returns why a pattern needs analyst attention, if it does.
func (r *Registry) ReviewReason(p model.Pattern) (string, bool) {
	switch {
	case p.Status == model.PatternArchived:
		return "", false
	case p.Status == model.PatternContradicted:
		return "contradicted", true
	case p.CyclesWithoutNewEvidence >= r.cfg.StaleAfterCycles:
		return "stale", true
	}
	return "", false
}

// Get returns a copy of the pattern.
func (r *Registry) Get(id string) (model.Pattern, bool) {
	p, ok := r.patterns[id]
	if !ok {
		return model.Pattern{}, false
	}
	return copyPattern(*p), true
}

// Patterns returns copies of all patterns sorted by id.
func (r *Registry) Patterns() []model.Pattern {
	out := make([]model.Pattern, 0, len(r.patterns))
	for _, id := range r.ids() {
		out = append(out, copyPattern(*r.patterns[id]))
	}
	return out
}

func (r *Registry) ids() []string {
	ids := make([]string, 0, len(r.patterns))
	for id := range r.patterns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func copyPattern(p model.Pattern) model.Pattern {
	p.Dimensions = slices.Clone(p.Dimensions)
	p.SupportingIDs = slices.Clone(p.SupportingIDs)
	p.ContradictingIDs = slices.Clone(p.ContradictingIDs)
	p.History = slices.Clone(p.History)
	return p
}
