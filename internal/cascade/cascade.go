// Package cascade flags subjects for recomputation when a force metric
// crosses a configured threshold.
package cascade

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// Result summarises one evaluation pass.
type Result struct {
	Fired         []string
	Invalidations []model.Invalidation
	UnderReview   []string
}

// Cascade evaluates a validated trigger table.
type Cascade struct {
	byMetric map[string][]model.CascadeTrigger
}

// New validates the table and indexes it by metric.
func New(triggers []model.CascadeTrigger) (*Cascade, error) {
	if err := ValidateTriggers(triggers); err != nil {
		return nil, err
	}
	c := &Cascade{byMetric: make(map[string][]model.CascadeTrigger)}
	for _, t := range triggers {
		c.byMetric[t.MetricID] = append(c.byMetric[t.MetricID], t)
	}
	return c, nil
}

// ValidateTriggers rejects duplicate ids, unknown comparisons or actions,
// non-finite thresholds, empty selectors and exact duplicate rules.
func ValidateTriggers(triggers []model.CascadeTrigger) error {
	var problems []string
	ids := make(map[string]bool, len(triggers))
	rules := make(map[string]string, len(triggers))

	for i, t := range triggers {
		if t.ID == "" {
			problems = append(problems, fmt.Sprintf("trigger %d has no id", i))
		} else if ids[t.ID] {
			problems = append(problems, fmt.Sprintf("duplicate trigger %q", t.ID))
		}
		ids[t.ID] = true

		if t.MetricID == "" {
			problems = append(problems, fmt.Sprintf("trigger %q has no metric", t.ID))
		}
		switch t.Comparison {
		case model.CompareGT, model.CompareGTE, model.CompareLT, model.CompareLTE:
		default:
			problems = append(problems, fmt.Sprintf("trigger %q uses unknown comparison %q", t.ID, t.Comparison))
		}
		switch t.Action {
		case model.ActionRecompute, model.ActionReview:
		default:
			problems = append(problems, fmt.Sprintf("trigger %q uses unknown action %q", t.ID, t.Action))
		}
		if math.IsNaN(t.Threshold) || math.IsInf(t.Threshold, 0) {
			problems = append(problems, fmt.Sprintf("trigger %q has a non-finite threshold", t.ID))
		}
		if t.Selector.Empty() {
			problems = append(problems, fmt.Sprintf("trigger %q has an empty selector", t.ID))
		}

		key := ruleKey(t)
		if other, ok := rules[key]; ok {
			problems = append(problems, fmt.Sprintf("triggers %q and %q are identical", other, t.ID))
		} else {
			rules[key] = t.ID
		}
	}

	if len(problems) > 0 {
		return &resilience.ThresholdMisconfigurationError{Table: "trigger", Problems: problems}
	}
	return nil
}

func ruleKey(t model.CascadeTrigger) string {
	norm := func(v []string) []string {
		out := slices.Clone(v)
		sort.Strings(out)
		return out
	}
	kinds := make([]string, 0, len(t.Selector.Kinds))
	for _, k := range t.Selector.Kinds {
		kinds = append(kinds, string(k))
	}
	return fmt.Sprintf("%s|%s|%g|%s|%v|%v|%v|%v|%v|%v", t.MetricID, t.Comparison, t.Threshold, t.Action,
		norm(t.Selector.SubjectIDs), norm(kinds), norm(t.Selector.Dimensions),
		norm(t.Selector.Forces), norm(t.Selector.Sectors), norm(t.Selector.Geographies))
}

// Crossed reports whether the trigger fires for the metric: the condition
// holds now and did not hold at the previously stored value.
func Crossed(t model.CascadeTrigger, m model.ForceMetric) bool {
	if !m.HasValue || !t.Comparison.Holds(m.Value, t.Threshold) {
		return false
	}
	return !(m.HasPrevious && t.Comparison.Holds(m.PreviousValue, t.Threshold))
}

// Matches reports whether the selector picks the subject.
func Matches(sel model.Selector, sub model.Subject) bool {
	if len(sel.SubjectIDs) > 0 && !slices.Contains(sel.SubjectIDs, sub.ID) {
		return false
	}
	if len(sel.Kinds) > 0 && !slices.Contains(sel.Kinds, sub.Kind) {
		return false
	}
	return anyOf(sel.Dimensions, sub.Tags.Dimensions) &&
		anyOf(sel.Forces, sub.Tags.Forces) &&
		anyOf(sel.Sectors, sub.Tags.Sectors) &&
		anyOf(sel.Geographies, sub.Tags.Geographies)
}

func anyOf(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}

// Evaluate checks every trigger bound to a changed metric and flags the
// matched subjects in place. Retired subjects are never flagged.
func (c *Cascade) Evaluate(changed []model.ForceMetric, subjects map[string]*model.Subject, cycle int) Result {
	log := zap.L().With(zap.String("component", "cascade"))

	ids := make([]string, 0, len(subjects))
	for id := range subjects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var res Result
	review := make(map[string]bool)
	for _, m := range changed {
		for _, t := range c.byMetric[m.ID] {
			if !Crossed(t, m) {
				continue
			}
			res.Fired = append(res.Fired, t.ID)
			matched := 0
			for _, id := range ids {
				sub := subjects[id]
				if sub.Retired || !Matches(t.Selector, *sub) {
					continue
				}
				sub.NeedsRecompute = true
				if !slices.Contains(sub.InvalidatedBy, t.ID) {
					sub.InvalidatedBy = append(sub.InvalidatedBy, t.ID)
				}
				if t.Action == model.ActionReview {
					review[id] = true
				}
				res.Invalidations = append(res.Invalidations, model.Invalidation{
					TriggerID: t.ID,
					MetricID:  m.ID,
					SubjectID: id,
					Action:    t.Action,
					Cycle:     cycle,
				})
				matched++
			}
			log.Info("cascade: trigger fired",
				zap.String("trigger_id", t.ID),
				zap.String("metric_id", m.ID),
				zap.Float64("value", m.Value),
				zap.Int("subjects", matched),
			)
		}
	}
	for id := range review {
		res.UnderReview = append(res.UnderReview, id)
	}
	sort.Strings(res.UnderReview)
	return res
}
