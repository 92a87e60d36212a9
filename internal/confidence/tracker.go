// Package confidence tracks how well supported each knowledge dimension is.
package confidence

import (
	"math"
	"slices"
	"sort"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/model"
)

// Config holds the update rule constants.
type Config struct {
	Increment            float64
	ContradictionPenalty float64
	Ceiling              float64
	CollapseDrop         float64
	CollapseMinSubjects  int
	HistoryLimit         int
}

// DefaultConfig returns the standard update rule.
func DefaultConfig() Config {
	return Config{
		Increment:            0.10,
		ContradictionPenalty: 0.15,
		Ceiling:              0.999,
		CollapseDrop:         0.15,
		CollapseMinSubjects:  3,
		HistoryLimit:         12,
	}
}

// FromConfig converts confidence settings, keeping defaults for zero values.
func FromConfig(cfg config.ConfidenceConfig) Config {
	out := DefaultConfig()
	if cfg.Increment > 0 {
		out.Increment = cfg.Increment
	}
	if cfg.ContradictionPenalty > 0 {
		out.ContradictionPenalty = cfg.ContradictionPenalty
	}
	if cfg.Ceiling > 0 {
		out.Ceiling = cfg.Ceiling
	}
	if cfg.CollapseDrop > 0 {
		out.CollapseDrop = cfg.CollapseDrop
	}
	if cfg.CollapseMinSubjects > 0 {
		out.CollapseMinSubjects = cfg.CollapseMinSubjects
	}
	if cfg.HistoryLimit > 0 {
		out.HistoryLimit = cfg.HistoryLimit
	}
	return out
}

// Anchor maps a first-seen qualitative label to a starting value. Unknown
// labels start low.
func Anchor(label model.ConfidenceLabel) float64 {
	switch label {
	case model.ConfidenceMedium:
		return 0.55
	case model.ConfidenceHigh:
		return 0.85
	default:
		return 0.25
	}
}

// TierOf buckets a value by the anchors.
func TierOf(v float64) model.ConfidenceTier {
	switch {
	case v < 0.25:
		return model.TierWeak
	case v < 0.55:
		return model.TierEmerging
	case v < 0.85:
		return model.TierEstablished
	default:
		return model.TierStrong
	}
}

// Change is one dimension's movement in a cycle.
type Change struct {
	Dimension string
	Previous  float64
	Current   float64
	Created   bool
}

// Drop is how far the value fell; zero when it rose.
func (c Change) Drop() float64 {
	return math.Max(0, c.Previous-c.Current)
}

// Tracker holds one entry per dimension.
type Tracker struct {
	cfg     Config
	entries map[string]*model.ConfidenceEntry
}

// NewTracker restores a tracker from persisted entries.
func NewTracker(cfg Config, entries []model.ConfidenceEntry) *Tracker {
	t := &Tracker{cfg: cfg, entries: make(map[string]*model.ConfidenceEntry, len(entries))}
	for _, e := range entries {
		e.Sources = slices.Clone(e.Sources)
		e.History = slices.Clone(e.History)
		t.entries[e.Dimension] = &e
	}
	return t
}

// Update applies one cycle of activity. New dimensions start from the
// anchor of their first record's label, then take the same cycle's update.
func (t *Tracker) Update(activity map[string]*ledger.DimensionActivity, cycle int) []Change {
	dims := make([]string, 0, len(activity))
	for d := range activity {
		dims = append(dims, d)
	}
	sort.Strings(dims)

	changes := make([]Change, 0, len(dims))
	for _, d := range dims {
		a := activity[d]
		e, ok := t.entries[d]
		if !ok {
			e = &model.ConfidenceEntry{
				SchemaVersion: model.SchemaVersion,
				Dimension:     d,
				Value:         Anchor(a.FirstLabel),
			}
			t.entries[d] = e
		}
		prior := e.Value
		e.Value = t.next(prior, len(a.ConfirmingSources), a.Contradictions)

		for _, s := range a.ConfirmingSources {
			if !slices.Contains(e.Sources, s) {
				e.Sources = append(e.Sources, s)
			}
		}
		sort.Strings(e.Sources)
		e.IndependentSources = len(e.Sources)
		e.SourceFactor = math.Min(1, float64(e.IndependentSources)/3)
		e.LastUpdatedCycle = cycle
		e.History = append(e.History, model.ConfidencePoint{Cycle: cycle, Value: e.Value})
		if t.cfg.HistoryLimit > 0 && len(e.History) > t.cfg.HistoryLimit {
			e.History = slices.Clone(e.History[len(e.History)-t.cfg.HistoryLimit:])
		}

		changes = append(changes, Change{Dimension: d, Previous: prior, Current: e.Value, Created: !ok})
	}
	return changes
}

// next applies the update rule: a diminishing-returns increment for new
// confirming evidence, then a fixed penalty per unresolved contradiction.
func (t *Tracker) next(prior float64, confirming, contradictions int) float64 {
	v := prior
	if confirming > 0 {
		v += t.cfg.Increment * (1 - v)
	}
	v -= t.cfg.ContradictionPenalty * float64(contradictions)
	return math.Max(0, math.Min(t.cfg.Ceiling, v))
}

// Get returns a copy of the dimension's entry.
func (t *Tracker) Get(dimension string) (model.ConfidenceEntry, bool) {
	e, ok := t.entries[dimension]
	if !ok {
		return model.ConfidenceEntry{}, false
	}
	return copyEntry(*e), true
}

// Entries returns copies of all entries sorted by dimension.
func (t *Tracker) Entries() []model.ConfidenceEntry {
	out := make([]model.ConfidenceEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, copyEntry(*e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dimension < out[j].Dimension })
	return out
}

// Regressions returns the changes where confidence fell.
func Regressions(changes []Change) []Change {
	var out []Change
	for _, c := range changes {
		if c.Current < c.Previous {
			out = append(out, c)
		}
	}
	return out
}

// Collapse is a sharp drop on a dimension many subjects depend on.
type Collapse struct {
	Change
	Subjects int
}

// Collapses returns regressions at least CollapseDrop deep on dimensions
// tagged on at least CollapseMinSubjects live subjects.
func (t *Tracker) Collapses(changes []Change, subjects map[string]*model.Subject) []Collapse {
	var out []Collapse
	for _, c := range Regressions(changes) {
		if c.Drop() < t.cfg.CollapseDrop-1e-9 {
			continue
		}
		n := 0
		for _, s := range subjects {
			if !s.Retired && slices.Contains(s.Tags.Dimensions, c.Dimension) {
				n++
			}
		}
		if n >= t.cfg.CollapseMinSubjects {
			out = append(out, Collapse{Change: c, Subjects: n})
		}
	}
	return out
}

func copyEntry(e model.ConfidenceEntry) model.ConfidenceEntry {
	e.Sources = slices.Clone(e.Sources)
	e.History = slices.Clone(e.History)
	return e
}
