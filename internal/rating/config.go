// Package rating computes axis values, composites and category labels for
// rated subjects.
package rating

import (
	"fmt"
	"math"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// Axis names used by the default configuration.
const (
	AxisDemand            = "demand"
	AxisDefensibility     = "defensibility"
	AxisTiming            = "timing"
	AxisCapitalEfficiency = "capital_efficiency"
	AxisForceAlignment    = "force_alignment"
)

// RetiredCategory is the default terminal label.
const RetiredCategory = "retired"

// Config holds the axis set, the category table and the neutral value used
// for axes with no input.
type Config struct {
	Axes         []model.AxisSpec
	Categories   []model.CategoryRule
	NeutralValue float64
}

// DefaultAxes returns the five default axes. Weights sum to 1.
func DefaultAxes() []model.AxisSpec {
	return []model.AxisSpec{
		{Name: AxisDemand, Weight: 0.25},
		{Name: AxisDefensibility, Weight: 0.20},
		{Name: AxisTiming, Weight: 0.20, Inheritable: true},
		{Name: AxisCapitalEfficiency, Weight: 0.15},
		{Name: AxisForceAlignment, Weight: 0.20, Inheritable: true},
	}
}

// DefaultCategories returns the default category table.
func DefaultCategories() []model.CategoryRule {
	return []model.CategoryRule{
		{Name: "prime", Priority: 1, Group: "tier", Conditions: []model.CategoryCondition{
			{Field: AxisDemand, Op: model.OpGTE, Value: 7},
			{Field: AxisDefensibility, Op: model.OpGTE, Value: 6},
			{Field: AxisForceAlignment, Op: model.OpGTE, Value: 7},
		}},
		{Name: "viable", Priority: 2, Group: "tier", Conditions: []model.CategoryCondition{
			{Field: AxisDemand, Op: model.OpGTE, Value: 5},
			{Field: AxisDemand, Op: model.OpLT, Value: 7},
		}},
		{Name: "watch", Priority: 3, Group: "tier", Conditions: []model.CategoryCondition{
			{Field: AxisDemand, Op: model.OpLT, Value: 5},
		}},
		{Name: "force_driven", Priority: 4, Conditions: []model.CategoryCondition{
			{Field: AxisForceAlignment, Op: model.OpGTE, Value: 8},
		}},
		{Name: "timing_risk", Priority: 5, Conditions: []model.CategoryCondition{
			{Field: AxisTiming, Op: model.OpLT, Value: 4},
		}},
		{Name: "capital_heavy", Priority: 6, Conditions: []model.CategoryCondition{
			{Field: AxisCapitalEfficiency, Op: model.OpLT, Value: 3},
		}},
		{Name: "geo_divergent", Priority: 7, Conditions: []model.CategoryCondition{
			{Field: model.FieldGeoSpread, Op: model.OpGTE, Value: 4},
		}},
		{Name: "high_conviction", Priority: 8, Conditions: []model.CategoryCondition{
			{Field: model.FieldComposite, Op: model.OpGTE, Value: 75},
		}},
		{Name: RetiredCategory, Priority: 100, Terminal: true},
	}
}

// DefaultConfig returns the default axes and table with a neutral value of 5.
func DefaultConfig() Config {
	return Config{Axes: DefaultAxes(), Categories: DefaultCategories(), NeutralValue: 5}
}

// FromConfig converts rating settings, falling back to the defaults for an
// empty axis list or table.
func FromConfig(cfg config.RatingConfig) Config {
	out := DefaultConfig()
	if len(cfg.Axes) > 0 {
		out.Axes = cfg.Axes
	}
	if len(cfg.Categories) > 0 {
		out.Categories = cfg.Categories
	}
	if cfg.NeutralValue > 0 {
		out.NeutralValue = cfg.NeutralValue
	}
	return out
}

// ValidateAxes checks axis names and weights.
func ValidateAxes(axes []model.AxisSpec) error {
	var problems []string
	if len(axes) == 0 {
		problems = append(problems, "at least one axis is required")
	}
	seen := make(map[string]bool, len(axes))
	var sum float64
	for _, a := range axes {
		if a.Name == "" || a.Name == model.FieldComposite || a.Name == model.FieldGeoSpread {
			problems = append(problems, fmt.Sprintf("invalid axis name %q", a.Name))
		}
		if seen[a.Name] {
			problems = append(problems, fmt.Sprintf("duplicate axis %q", a.Name))
		}
		seen[a.Name] = true
		if a.Weight < 0 || math.IsNaN(a.Weight) {
			problems = append(problems, fmt.Sprintf("axis %s weight must be >= 0", a.Name))
		}
		sum += a.Weight
	}
	if len(axes) > 0 && math.Abs(sum-1) > 1e-6 {
		problems = append(problems, fmt.Sprintf("axis weights must sum to 1, got %.4f", sum))
	}
	if len(problems) > 0 {
		return &resilience.ThresholdMisconfigurationError{Table: "axis", Problems: problems}
	}
	return nil
}
