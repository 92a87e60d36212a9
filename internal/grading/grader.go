package grading

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-engine/internal/model"
)

// Grader applies the rubric under a base weight set.
type Grader struct {
	cfg Config
}

// New creates a Grader.
func New(cfg Config) *Grader {
	return &Grader{cfg: cfg}
}

// Config returns the grader's configuration.
func (g *Grader) Config() Config { return g.cfg }

// EffectiveWeights multiplies the base weights by every override map in
// turn. Missing criteria default to 1.0, negative multipliers clamp to 0
// and NaN multipliers are ignored, so layering order never matters.
func (g *Grader) EffectiveWeights(overrides ...map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(Rubric))
	for _, c := range Rubric {
		w, ok := g.cfg.Weights[c.Name]
		if !ok {
			w = 1.0
		}
		for _, o := range overrides {
			m, ok := o[c.Name]
			if !ok || math.IsNaN(m) {
				continue
			}
			w *= math.Max(0, m)
		}
		out[c.Name] = math.Max(0, w)
	}
	return out
}

// Grade scores a record. The result is clamped to [0, 10] and rounded to
// two decimals.
func (g *Grader) Grade(rec model.EvidenceRecord, in Inputs, cycle int, overrides ...map[string]float64) model.GradedEvidence {
	weights := g.EffectiveWeights(overrides...)
	return grade(rec, in, cycle, weights)
}

func grade(rec model.EvidenceRecord, in Inputs, cycle int, weights map[string]float64) model.GradedEvidence {
	subs := subScores(rec, in)
	var total float64
	for _, c := range Rubric {
		total += subs[c.Name] * weights[c.Name]
	}
	total = math.Round(clamp(total, 0, MaxScore)*100) / 100

	return model.GradedEvidence{
		Record:    rec,
		Score:     total,
		Breakdown: subs,
		Weights:   weights,
		Cycle:     cycle,
	}
}

// Decide maps a score to its forwarding decision.
func (g *Grader) Decide(score float64) model.Decision {
	switch {
	case score >= g.cfg.ForwardThreshold:
		return model.DecisionForward
	case score >= g.cfg.ForwardThreshold-g.cfg.ParkBand:
		return model.DecisionPark
	default:
		return model.DecisionCompact
	}
}

// Entry builds the decision log row for a graded record.
func (g *Grader) Entry(ge model.GradedEvidence, revisit bool, at time.Time) model.DecisionEntry {
	return model.DecisionEntry{
		SchemaVersion: model.SchemaVersion,
		EvidenceID:    ge.Record.ID,
		Cycle:         ge.Cycle,
		Score:         ge.Score,
		Weights:       ge.Weights,
		Decision:      g.Decide(ge.Score),
		Revisit:       revisit,
		DecidedAt:     at,
	}
}

// InputsFunc supplies the external inputs for a record id.
type InputsFunc func(id string) Inputs

// GradeAll grades records in parallel with at most workers goroutines.
// Output order matches input order.
func (g *Grader) GradeAll(ctx context.Context, recs []model.EvidenceRecord, inputs InputsFunc, cycle, workers int, overrides ...map[string]float64) ([]model.GradedEvidence, error) {
	weights := g.EffectiveWeights(overrides...)
	out := make([]model.GradedEvidence, len(recs))

	eg, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		eg.SetLimit(workers)
	}
	for i := range recs {
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = grade(recs[i], inputs(recs[i].ID), cycle, copyWeights(weights))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func copyWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
