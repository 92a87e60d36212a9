// Package grading scores evidence records against a fixed weighted rubric
// and decides whether each record is forwarded, parked or compacted.
package grading

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/model"
)

// Rubric criteria, in evaluation order.
const (
	CriterionSpecificity    = "specificity"
	CriterionSourceQuality  = "source_quality"
	CriterionTopicalBreadth = "topical_breadth"
	CriterionCorroboration  = "corroboration"
)

// Criterion is one rubric line and the upper bound of its sub-score.
type Criterion struct {
	Name string
	Max  float64
}

// Rubric is the fixed ordered rubric. Maxima sum to 10.
var Rubric = []Criterion{
	{Name: CriterionSpecificity, Max: 3},
	{Name: CriterionSourceQuality, Max: 3},
	{Name: CriterionTopicalBreadth, Max: 2},
	{Name: CriterionCorroboration, Max: 2},
}

// MaxScore bounds every grade.
const MaxScore = 10.0

var sourceKindBase = map[model.SourceKind]float64{
	model.SourceOfficial: 2.5,
	model.SourceDataset:  2.5,
	model.SourceFiling:   2.0,
	model.SourceAnalyst:  1.5,
	model.SourceNews:     1.0,
	model.SourceSocial:   0.5,
	model.SourceOther:    0.75,
}

var labelBonus = map[model.ConfidenceLabel]float64{
	model.ConfidenceLow:    0,
	model.ConfidenceMedium: 0.25,
	model.ConfidenceHigh:   0.5,
}

// Config holds base weights and forwarding thresholds.
type Config struct {
	ForwardThreshold float64
	ParkBand         float64
	Weights          map[string]float64
}

// DefaultConfig returns weight 1.0 per criterion, forwarding at 6 with a
// 2 point park band.
func DefaultConfig() Config {
	w := make(map[string]float64, len(Rubric))
	for _, c := range Rubric {
		w[c.Name] = 1.0
	}
	return Config{ForwardThreshold: 6.0, ParkBand: 2.0, Weights: w}
}

// FromConfig converts grading settings, filling missing weights with 1.0.
func FromConfig(cfg config.GradingConfig) Config {
	out := DefaultConfig()
	if cfg.ForwardThreshold > 0 {
		out.ForwardThreshold = cfg.ForwardThreshold
	}
	if cfg.ParkBand >= 0 {
		out.ParkBand = cfg.ParkBand
	}
	for k, v := range cfg.Weights {
		out.Weights[k] = v
	}
	return out
}

// ValidateConfig checks that a Config is internally consistent.
func ValidateConfig(c Config) error {
	var errs []string

	known := make(map[string]bool, len(Rubric))
	for _, cr := range Rubric {
		known[cr.Name] = true
	}
	for name, w := range c.Weights {
		if !known[name] {
			errs = append(errs, fmt.Sprintf("unknown criterion %q", name))
		}
		if w < 0 || math.IsNaN(w) {
			errs = append(errs, fmt.Sprintf("%s weight must be >= 0", name))
		}
	}
	if c.ForwardThreshold <= 0 || c.ForwardThreshold > MaxScore {
		errs = append(errs, "forward threshold must be in (0, 10]")
	}
	if c.ParkBand < 0 || c.ParkBand > c.ForwardThreshold {
		errs = append(errs, "park band must be between 0 and the forward threshold")
	}

	if len(errs) > 0 {
		return eris.Errorf("grading: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Inputs are the read-only facts about a record that live outside it.
type Inputs struct {
	Corroboration int
}

// subScores returns the raw sub-score per criterion, each within its bounds.
func subScores(rec model.EvidenceRecord, in Inputs) map[string]float64 {
	return map[string]float64{
		CriterionSpecificity:    scoreSpecificity(rec.Payload.DataPoints),
		CriterionSourceQuality:  scoreSourceQuality(rec.Provenance.SourceKind, rec.Confidence),
		CriterionTopicalBreadth: scoreTopicalBreadth(rec.Tags),
		CriterionCorroboration:  scoreCorroboration(in.Corroboration),
	}
}

func scoreSpecificity(points []model.DataPoint) float64 {
	n := 0
	for _, p := range points {
		if !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0) {
			n++
		}
	}
	return math.Min(3, float64(n))
}

func scoreSourceQuality(kind model.SourceKind, label model.ConfidenceLabel) float64 {
	base, ok := sourceKindBase[kind]
	if !ok {
		base = sourceKindBase[model.SourceOther]
	}
	return math.Min(3, base+labelBonus[label])
}

func scoreTopicalBreadth(tags model.Tags) float64 {
	seen := make(map[string]bool)
	for _, group := range [][]string{tags.Dimensions, tags.Sectors, tags.Geographies} {
		for _, t := range group {
			seen[t] = true
		}
	}
	return math.Min(2, 0.5*float64(len(seen)))
}

func scoreCorroboration(extraSources int) float64 {
	if extraSources <= 0 {
		return 0
	}
	return math.Min(2, 0.5*float64(extraSources))
}
