package rating

import (
	"context"
	"math"
	"slices"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

var anchors = map[model.Qualitative]float64{
	model.QualitativeLow:      2.5,
	model.QualitativeMedium:   5,
	model.QualitativeHigh:     7.5,
	model.QualitativeVeryHigh: 9,
}

// Env is the read-only context a rating is computed against.
type Env struct {
	// Metrics holds current force metric values by id.
	Metrics map[string]float64
	// EvidenceScore returns the graded score of a forwarded record.
	EvidenceScore func(id string) (float64, bool)
	// Parents holds already-rated subjects a child may inherit from.
	Parents map[string]model.Subject
}

// Result is the outcome of rating one subject.
type Result struct {
	SubjectID  string
	Axes       map[string]model.AxisValue
	Composite  float64
	Categories []string
	Problems   []error
}

// Rater rates subjects under a fixed axis set and category table.
type Rater struct {
	cfg Config
}

// New creates a Rater. The table is assumed validated.
func New(cfg Config) *Rater {
	if cfg.NeutralValue <= 0 {
		cfg.NeutralValue = 5
	}
	return &Rater{cfg: cfg}
}

// Config returns the rater's configuration.
func (r *Rater) Config() Config { return r.cfg }

// Rate computes axes, composite and categories for sub from its stored
// inputs. It is pure: identical subject, inputs and env give identical
// results.
func (r *Rater) Rate(sub model.Subject, env Env) Result {
	res := Result{SubjectID: sub.ID, Axes: make(map[string]model.AxisValue, len(r.cfg.Axes))}

	var parent model.Subject
	hasParent := false
	if sub.ParentID != "" {
		parent, hasParent = env.Parents[sub.ParentID]
	}

	for _, ax := range r.cfg.Axes {
		in, hasInput := sub.Inputs[ax.Name]

		if ax.Inheritable && sub.ParentID != "" {
			if pv, ok := parent.Axes[ax.Name]; hasParent && ok {
				res.Axes[ax.Name] = model.AxisValue{
					Value:      pv.Value,
					Inherited:  true,
					Provenance: []string{"parent:" + sub.ParentID},
				}
				continue
			}
			av := r.computeAxis(in, hasInput, env)
			av.InheritanceBroken = true
			res.Axes[ax.Name] = av
			res.Problems = append(res.Problems, &resilience.InconsistentStateError{
				SubjectID: sub.ID,
				Axis:      ax.Name,
				Reason:    "parent " + sub.ParentID + " is missing; computed independently",
			})
			continue
		}

		res.Axes[ax.Name] = r.computeAxis(in, hasInput, env)
	}

	res.Composite = r.composite(res.Axes)
	res.Categories = r.categorize(sub, res.Axes, res.Composite)
	return res
}

func (r *Rater) computeAxis(in model.AxisInput, hasInput bool, env Env) model.AxisValue {
	av := model.AxisValue{Recomputed: true}
	if !hasInput {
		av.Value = r.cfg.NeutralValue
		return av
	}

	anchor, hasAnchor := anchors[in.Qualitative]
	signals := slices.Clone(in.Signals)
	sort.Float64s(signals)

	var value float64
	switch {
	case hasAnchor && len(signals) > 0:
		value = 0.5*anchor + 0.5*mean(signals)
	case hasAnchor:
		value = anchor
	case len(signals) > 0:
		value = mean(signals)
	default:
		value = r.cfg.NeutralValue
	}

	if env.EvidenceScore != nil && len(in.EvidenceIDs) > 0 {
		ids := slices.Clone(in.EvidenceIDs)
		sort.Strings(ids)
		ids = slices.Compact(ids)
		var scores []float64
		for _, id := range ids {
			if s, ok := env.EvidenceScore(id); ok {
				scores = append(scores, s)
				av.Provenance = append(av.Provenance, "evidence:"+id)
			}
		}
		if len(scores) > 0 {
			sort.Float64s(scores)
			value += (mean(scores) - 5) * 0.1
		}
	}

	links := slices.Clone(in.Metrics)
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].MetricID != links[j].MetricID {
			return links[i].MetricID < links[j].MetricID
		}
		return links[i].Threshold < links[j].Threshold
	})
	for _, l := range links {
		v, ok := env.Metrics[l.MetricID]
		if !ok || !l.Comparison.Holds(v, l.Threshold) {
			continue
		}
		value += l.Adjustment
		av.Provenance = append(av.Provenance, "metric:"+l.MetricID)
	}

	av.Value = round2(clamp(value, 0, 10))
	return av
}

func (r *Rater) composite(axes map[string]model.AxisValue) float64 {
	var sum float64
	for _, ax := range r.cfg.Axes {
		sum += axes[ax.Name].Value * ax.Weight
	}
	return round2(clamp(sum*10, 0, 100))
}

func (r *Rater) categorize(sub model.Subject, axes map[string]model.AxisValue, composite float64) []string {
	if sub.Retired {
		_, terminal := sortedRules(r.cfg.Categories)
		if terminal == "" {
			terminal = RetiredCategory
		}
		return []string{terminal}
	}
	values := make(map[string]float64, len(axes)+2)
	for name, av := range axes {
		values[name] = av.Value
	}
	values[model.FieldComposite] = composite
	if spread, ok := geoSpread(sub.GeoScores); ok {
		values[model.FieldGeoSpread] = spread
	}
	return assign(r.cfg.Categories, values)
}

// Apply stores a result on the subject, clears its recompute flag and
// appends to its bounded history.
func Apply(sub *model.Subject, res Result, cycle, historyLimit int) {
	sub.Axes = res.Axes
	sub.Composite = res.Composite
	sub.Categories = res.Categories
	sub.NeedsRecompute = false
	sub.InvalidatedBy = nil
	sub.RatedCycle = cycle
	sub.History = append(sub.History, model.RatingPoint{
		Cycle:      cycle,
		Composite:  res.Composite,
		Categories: slices.Clone(res.Categories),
	})
	if historyLimit > 0 && len(sub.History) > historyLimit {
		sub.History = slices.Clone(sub.History[len(sub.History)-historyLimit:])
	}
}

// Levels groups the ids to rate by parent depth so that parents are always
// rated before their children. A parent cycle is cut at the first repeated
// subject.
func Levels(all map[string]*model.Subject, ids []string) [][]string {
	depth := make(map[string]int, len(all))
	var depthOf func(id string, seen map[string]bool) int
	depthOf = func(id string, seen map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		sub, ok := all[id]
		if !ok || sub.ParentID == "" || seen[id] {
			return 0
		}
		seen[id] = true
		d := 0
		if _, ok := all[sub.ParentID]; ok && !seen[sub.ParentID] {
			d = depthOf(sub.ParentID, seen) + 1
		}
		depth[id] = d
		return d
	}

	byDepth := make(map[int][]string)
	maxDepth := 0
	for _, id := range ids {
		d := depthOf(id, map[string]bool{})
		byDepth[d] = append(byDepth[d], id)
		maxDepth = max(maxDepth, d)
	}
	var out [][]string
	for d := 0; d <= maxDepth; d++ {
		if level := byDepth[d]; len(level) > 0 {
			sort.Strings(level)
			out = append(out, level)
		}
	}
	return out
}

// Dependents returns the ids of subjects whose parent chain contains any of
// the given ids, sorted.
func Dependents(all map[string]*model.Subject, ids []string) []string {
	roots := make(map[string]bool, len(ids))
	for _, id := range ids {
		roots[id] = true
	}
	var out []string
	for id, sub := range all {
		if roots[id] {
			continue
		}
		seen := map[string]bool{id: true}
		for p := sub.ParentID; p != "" && !seen[p]; {
			if roots[p] {
				out = append(out, id)
				break
			}
			seen[p] = true
			parent, ok := all[p]
			if !ok {
				break
			}
			p = parent.ParentID
		}
	}
	sort.Strings(out)
	return out
}

// RateAll rates the given subjects in place, level by level, with up to
// workers concurrent ratings per level. Results are returned in level
// order.
func (r *Rater) RateAll(ctx context.Context, all map[string]*model.Subject, ids []string, env Env, cycle, historyLimit, workers int) ([]Result, error) {
	log := zap.L().With(zap.String("component", "rating"))
	if workers < 1 {
		workers = 1
	}

	parents := make(map[string]model.Subject, len(all))
	for id, s := range all {
		parents[id] = *s
	}

	var out []Result
	for _, level := range Levels(all, ids) {
		levelEnv := env
		levelEnv.Parents = parents

		results := make([]Result, len(level))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, id := range level {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				sub, ok := all[id]
				if !ok {
					return nil
				}
				results[i] = r.Rate(*sub, levelEnv)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return out, err
		}

		next := make(map[string]model.Subject, len(parents))
		for k, v := range parents {
			next[k] = v
		}
		for i, id := range level {
			sub, ok := all[id]
			if !ok {
				continue
			}
			Apply(sub, results[i], cycle, historyLimit)
			next[id] = *sub
			for _, p := range results[i].Problems {
				log.Warn("rating: inconsistent state", zap.String("subject_id", id), zap.Error(p))
			}
			out = append(out, results[i])
		}
		parents = next
	}
	return out, nil
}

func mean(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
