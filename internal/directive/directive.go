// Package directive plans the next research cycle from the current state.
package directive

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/confidence"
	"github.com/sells-group/evidence-engine/internal/grading"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/staleness"
)

// Weight override factors applied when the knowledge base is shaky.
const (
	CorroborationBoost = 1.5
	SpecificityBoost   = 1.25
)

// Config holds planner settings.
type Config struct {
	PrimaryTargets       int
	YieldWindowCycles    int
	StalenessMultipliers map[model.StalenessStatus]float64
}

// DefaultConfig returns the standard planner settings.
func DefaultConfig() Config {
	return Config{
		PrimaryTargets:    5,
		YieldWindowCycles: 3,
		StalenessMultipliers: map[model.StalenessStatus]float64{
			model.StatusFresh:         1,
			model.StatusAging:         1.5,
			model.StatusStale:         2,
			model.StatusCritical:      3,
			model.StatusNeverMeasured: 3,
		},
	}
}

// FromConfig converts directive settings, keeping defaults for zero values.
func FromConfig(cfg config.DirectiveConfig) Config {
	out := DefaultConfig()
	if cfg.PrimaryTargets > 0 {
		out.PrimaryTargets = cfg.PrimaryTargets
	}
	if cfg.YieldWindowCycles > 0 {
		out.YieldWindowCycles = cfg.YieldWindowCycles
	}
	for status, m := range cfg.StalenessMultipliers {
		if m > 0 {
			out.StalenessMultipliers[model.StalenessStatus(status)] = m
		}
	}
	return out
}

// Inputs is the end-of-cycle state the planner reads.
type Inputs struct {
	Cycle        int
	Now          time.Time
	Confidence   []model.ConfidenceEntry
	Staleness    []model.StalenessEntry
	Patterns     []model.Pattern
	ReviewReason func(model.Pattern) (string, bool)
	BasePriority func(source string) float64
	// Yield returns the number of forwarded records from source since
	// fromCycle.
	Yield       func(source string, fromCycle int) int
	Regressions []confidence.Change
	Collapses   []confidence.Collapse
	UnderReview []string
}

// Generate builds the directive. It only sorts and filters, so identical
// inputs give an identical plan.
func Generate(cfg Config, in Inputs) *model.Directive {
	d := &model.Directive{
		SchemaVersion:       model.SchemaVersion,
		Cycle:               in.Cycle,
		GeneratedAt:         in.Now,
		WeightOverrides:     map[string]float64{},
		SubjectsUnderReview: append([]string(nil), in.UnderReview...),
	}
	sort.Strings(d.SubjectsUnderReview)

	d.PrimaryResearchTargets = targets(cfg.PrimaryTargets, in.Confidence)
	d.MandatoryRefresh = refresh(in.Staleness)
	d.PatternReviews = reviews(in.Patterns, in.ReviewReason)
	d.ScanPriorities = scanPriorities(cfg, in)
	d.Alerts = alerts(in.Regressions, in.Collapses)

	if len(d.Alerts) > 0 {
		d.WeightOverrides[grading.CriterionCorroboration] = CorroborationBoost
	}
	if mostlyWeak(in.Confidence) {
		d.WeightOverrides[grading.CriterionSpecificity] = SpecificityBoost
	}
	d.PriorityTopics = topics(d)
	return d
}

func targets(n int, entries []model.ConfidenceEntry) []model.ResearchTarget {
	sorted := append([]model.ConfidenceEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		if a.SourceFactor != b.SourceFactor {
			return a.SourceFactor < b.SourceFactor
		}
		return a.Dimension < b.Dimension
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	out := make([]model.ResearchTarget, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, model.ResearchTarget{
			Dimension:    e.Dimension,
			Confidence:   e.Value,
			Tier:         confidence.TierOf(e.Value),
			SourceFactor: e.SourceFactor,
		})
	}
	return out
}

func severity(s model.StalenessStatus) int {
	if s == model.StatusCritical {
		return 0
	}
	return 1
}

func refresh(entries []model.StalenessEntry) []model.RefreshItem {
	var out []model.RefreshItem
	for _, e := range entries {
		if staleness.NeedsRefresh(e.Status) {
			out = append(out, model.RefreshItem{ID: e.ID, Kind: e.Kind, Status: e.Status})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if si, sj := severity(out[i].Status), severity(out[j].Status); si != sj {
			return si < sj
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func reviews(patterns []model.Pattern, reason func(model.Pattern) (string, bool)) []model.PatternReview {
	if reason == nil {
		return nil
	}
	var out []model.PatternReview
	for _, p := range patterns {
		if why, ok := reason(p); ok {
			out = append(out, model.PatternReview{PatternID: p.ID, Status: p.Status, Reason: why})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternID < out[j].PatternID })
	return out
}

func scanPriorities(cfg Config, in Inputs) []model.SourcePriority {
	from := in.Cycle - cfg.YieldWindowCycles + 1
	var out []model.SourcePriority
	for _, e := range in.Staleness {
		if e.Kind != model.TrackedSource {
			continue
		}
		base := 1.0
		if in.BasePriority != nil {
			base = in.BasePriority(e.ID)
		}
		mult, ok := cfg.StalenessMultipliers[e.Status]
		if !ok {
			mult = 1
		}
		yield := 0
		if in.Yield != nil {
			yield = in.Yield(e.ID, from)
		}
		out = append(out, model.SourcePriority{
			Source:              e.ID,
			Priority:            math.Round(base*mult/float64(1+yield)*1e4) / 1e4,
			BasePriority:        base,
			Status:              e.Status,
			StalenessMultiplier: mult,
			RecentYield:         yield,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Source < out[j].Source
	})
	return out
}

func alerts(regressions []confidence.Change, collapses []confidence.Collapse) []model.Alert {
	collapsed := make(map[string]bool, len(collapses))
	var out []model.Alert
	for _, c := range collapses {
		collapsed[c.Dimension] = true
		out = append(out, model.Alert{
			Kind:      model.AlertConfidenceCollapse,
			Severity:  model.SeverityHigh,
			Dimension: c.Dimension,
			Previous:  c.Previous,
			Current:   c.Current,
			Subjects:  c.Subjects,
			Message: fmt.Sprintf("confidence in %s fell from %.3f to %.3f across %d subjects",
				c.Dimension, c.Previous, c.Current, c.Subjects),
		})
	}
	for _, r := range regressions {
		if collapsed[r.Dimension] {
			continue
		}
		out = append(out, model.Alert{
			Kind:      model.AlertConfidenceRegression,
			Severity:  model.SeverityMedium,
			Dimension: r.Dimension,
			Previous:  r.Previous,
			Current:   r.Current,
			Message:   fmt.Sprintf("confidence in %s regressed from %.3f to %.3f", r.Dimension, r.Previous, r.Current),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity == model.SeverityHigh
		}
		return out[i].Dimension < out[j].Dimension
	})
	return out
}

func mostlyWeak(entries []model.ConfidenceEntry) bool {
	if len(entries) == 0 {
		return false
	}
	weak := 0
	for _, e := range entries {
		if e.Value < 0.55 {
			weak++
		}
	}
	return 2*weak >= len(entries)
}

// topics lists dimensions worth new evidence: alerted dimensions first,
// then primary targets, then stale dimensions.
func topics(d *model.Directive) []string {
	seen := map[string]bool{}
	out := []string{}
	add := func(dim string) {
		if !seen[dim] {
			seen[dim] = true
			out = append(out, dim)
		}
	}
	for _, a := range d.Alerts {
		add(a.Dimension)
	}
	for _, t := range d.PrimaryResearchTargets {
		add(t.Dimension)
	}
	for _, r := range d.MandatoryRefresh {
		if r.Kind == model.TrackedDimension {
			add(r.ID)
		}
	}
	return out
}

// OrderBySourcePriority stably sorts a batch so records from sources the
// directive ranks higher are ingested first.
func OrderBySourcePriority(recs []model.EvidenceRecord, d *model.Directive) {
	if d == nil || len(d.ScanPriorities) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return d.SourcePriorityOf(recs[i].Provenance.SourceName) > d.SourcePriorityOf(recs[j].Provenance.SourceName)
	})
}
