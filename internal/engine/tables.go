package engine

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-engine/internal/cascade"
	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/grading"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/rating"
)

// tables are the validated configuration a cycle runs against.
type tables struct {
	grader  *grading.Grader
	rater   *rating.Rater
	cascade *cascade.Cascade
}

// buildTables validates the rubric, the axis set, the category table and the
// trigger table. Category rules in ov replace the configured table for this
// cycle only. Nothing is built when any table is invalid.
func buildTables(cfg *config.Config, ov model.OverrideDocument) (*tables, error) {
	gc := grading.FromConfig(cfg.Grading)
	if err := grading.ValidateConfig(gc); err != nil {
		return nil, eris.Wrap(err, "engine: grading config")
	}

	rc := rating.FromConfig(cfg.Rating)
	if len(ov.Categories) > 0 {
		rc.Categories = ov.Categories
	}
	if err := rating.ValidateAxes(rc.Axes); err != nil {
		return nil, err
	}
	if err := rating.ValidateTable(rc.Categories, rc.Axes); err != nil {
		return nil, err
	}

	c, err := cascade.New(cfg.Cascade.Triggers)
	if err != nil {
		return nil, err
	}

	return &tables{
		grader:  grading.New(gc),
		rater:   rating.New(rc),
		cascade: c,
	}, nil
}
