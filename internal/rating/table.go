package rating

import (
	"fmt"
	"math"
	"sort"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// interval is a range over one field with optionally open ends.
type interval struct {
	lo, hi         float64
	loOpen, hiOpen bool
}

func (iv interval) empty() bool {
	return iv.lo > iv.hi || (iv.lo == iv.hi && (iv.loOpen || iv.hiOpen))
}

func (iv interval) intersect(o interval) interval {
	out := iv
	switch {
	case o.lo > out.lo:
		out.lo, out.loOpen = o.lo, o.loOpen
	case o.lo == out.lo:
		out.loOpen = out.loOpen || o.loOpen
	}
	switch {
	case o.hi < out.hi:
		out.hi, out.hiOpen = o.hi, o.hiOpen
	case o.hi == out.hi:
		out.hiOpen = out.hiOpen || o.hiOpen
	}
	return out
}

func conditionInterval(c model.CategoryCondition) interval {
	inf := math.Inf(1)
	switch c.Op {
	case model.OpGT:
		return interval{lo: c.Value, hi: inf, loOpen: true}
	case model.OpGTE:
		return interval{lo: c.Value, hi: inf}
	case model.OpLT:
		return interval{lo: -inf, hi: c.Value, hiOpen: true}
	default:
		return interval{lo: -inf, hi: c.Value}
	}
}

func fieldDomain(field string) interval {
	if field == model.FieldComposite {
		return interval{lo: 0, hi: 100}
	}
	return interval{lo: 0, hi: 10}
}

// region maps each constrained field to its satisfiable interval.
func region(r model.CategoryRule) map[string]interval {
	out := make(map[string]interval)
	for _, c := range r.Conditions {
		iv, ok := out[c.Field]
		if !ok {
			iv = fieldDomain(c.Field)
		}
		out[c.Field] = iv.intersect(conditionInterval(c))
	}
	return out
}

func regionsOverlap(a, b map[string]interval) bool {
	fields := make(map[string]bool)
	for f := range a {
		fields[f] = true
	}
	for f := range b {
		fields[f] = true
	}
	for f := range fields {
		ia, ok := a[f]
		if !ok {
			ia = fieldDomain(f)
		}
		ib, ok := b[f]
		if !ok {
			ib = fieldDomain(f)
		}
		if ia.intersect(ib).empty() {
			return false
		}
	}
	return true
}

// ValidateTable rejects tables with duplicate names or priorities, unknown
// fields or operators, unsatisfiable rules, or overlapping rules inside one
// exclusive group.
func ValidateTable(rules []model.CategoryRule, axes []model.AxisSpec) error {
	var problems []string

	fields := map[string]bool{model.FieldComposite: true, model.FieldGeoSpread: true}
	for _, a := range axes {
		fields[a.Name] = true
	}

	names := make(map[string]bool, len(rules))
	priorities := make(map[int]string, len(rules))
	terminals := 0
	regions := make([]map[string]interval, len(rules))

	for i, r := range rules {
		if r.Name == "" {
			problems = append(problems, fmt.Sprintf("rule %d has no name", i))
		}
		if names[r.Name] {
			problems = append(problems, fmt.Sprintf("duplicate category %q", r.Name))
		}
		names[r.Name] = true
		if other, ok := priorities[r.Priority]; ok {
			problems = append(problems, fmt.Sprintf("categories %q and %q share priority %d", other, r.Name, r.Priority))
		}
		priorities[r.Priority] = r.Name

		if r.Terminal {
			terminals++
			if len(r.Conditions) > 0 {
				problems = append(problems, fmt.Sprintf("terminal category %q must not have conditions", r.Name))
			}
			continue
		}
		if len(r.Conditions) == 0 {
			problems = append(problems, fmt.Sprintf("category %q has no conditions", r.Name))
		}
		for _, c := range r.Conditions {
			if !fields[c.Field] {
				problems = append(problems, fmt.Sprintf("category %q references unknown field %q", r.Name, c.Field))
			}
			switch c.Op {
			case model.OpGT, model.OpGTE, model.OpLT, model.OpLTE:
			default:
				problems = append(problems, fmt.Sprintf("category %q uses unknown operator %q", r.Name, c.Op))
			}
			if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
				problems = append(problems, fmt.Sprintf("category %q has a non-finite threshold", r.Name))
			}
		}
		regions[i] = region(r)
		for f, iv := range regions[i] {
			if iv.empty() {
				problems = append(problems, fmt.Sprintf("category %q is unsatisfiable on %s", r.Name, f))
			}
		}
	}
	if terminals > 1 {
		problems = append(problems, "at most one terminal category is allowed")
	}

	for i := range rules {
		for j := i + 1; j < len(rules); j++ {
			a, b := rules[i], rules[j]
			if a.Group == "" || a.Group != b.Group || a.Terminal || b.Terminal {
				continue
			}
			if regionsOverlap(regions[i], regions[j]) {
				problems = append(problems, fmt.Sprintf("categories %q and %q overlap in exclusive group %q", a.Name, b.Name, a.Group))
			}
		}
	}

	if len(problems) > 0 {
		return &resilience.ThresholdMisconfigurationError{Table: "category", Problems: problems}
	}
	return nil
}

// sortedRules returns the non-terminal rules in priority order and the name
// of the terminal rule, if any.
func sortedRules(rules []model.CategoryRule) ([]model.CategoryRule, string) {
	var out []model.CategoryRule
	terminal := ""
	for _, r := range rules {
		if r.Terminal {
			terminal = r.Name
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, terminal
}

func holds(op model.ConditionOp, v, threshold float64) bool {
	switch op {
	case model.OpGT:
		return v > threshold
	case model.OpGTE:
		return v >= threshold
	case model.OpLT:
		return v < threshold
	case model.OpLTE:
		return v <= threshold
	}
	return false
}

// assign evaluates the table against the field values. Rules referencing a
// field with no value do not match.
func assign(rules []model.CategoryRule, values map[string]float64) []string {
	ordered, _ := sortedRules(rules)
	out := []string{}
	for _, r := range ordered {
		match := true
		for _, c := range r.Conditions {
			v, ok := values[c.Field]
			if !ok || !holds(c.Op, v, c.Value) {
				match = false
				break
			}
		}
		if match {
			out = append(out, r.Name)
		}
	}
	return out
}

// geoSpread returns max - min of the per-geography scores.
func geoSpread(scores map[string]float64) (float64, bool) {
	if len(scores) == 0 {
		return 0, false
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range scores {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return hi - lo, true
}
