package engine

import (
	"context"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/confidence"
	"github.com/sells-group/evidence-engine/internal/directive"
	"github.com/sells-group/evidence-engine/internal/grading"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/metric"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/pattern"
	"github.com/sells-group/evidence-engine/internal/rating"
	"github.com/sells-group/evidence-engine/internal/resilience"
	"github.com/sells-group/evidence-engine/internal/staleness"
)

// kindOverride names rejected operator override entries.
const kindOverride = "override"

// pass is one cycle's working state, rebuilt from a private copy of the
// active snapshot. Nothing it touches is visible outside the engine until
// the resulting snapshot commits.
type pass struct {
	cfg    *config.Config
	tables *tables
	batch  model.Batch
	cycle  int
	now    time.Time
	log    *zap.Logger

	prevDirective *model.Directive

	book      *metric.Book
	stale     *staleness.Tracker
	led       *ledger.Ledger
	conf      *confidence.Tracker
	patterns  *pattern.Registry
	subjects  map[string]*model.Subject
	directive *model.Directive

	changes     []confidence.Change
	collapses   []confidence.Collapse
	underReview []string

	report     *model.CycleReport
	quarantine []model.QuarantineEntry
}

func newPass(cfg *config.Config, tbl *tables, snap model.Snapshot, batch model.Batch) *pass {
	p := &pass{
		cfg:           cfg,
		tables:        tbl,
		batch:         batch,
		cycle:         batch.Cycle,
		now:           batch.Now,
		log:           zap.L().With(zap.String("component", "engine"), zap.Int("cycle", batch.Cycle)),
		prevDirective: snap.Directive,
		subjects:      make(map[string]*model.Subject, len(snap.Subjects)),
		report: &model.CycleReport{
			SchemaVersion: model.SchemaVersion,
			Cycle:         batch.Cycle,
		},
	}

	p.book = metric.NewBook(cfg.Ledger.MetricHistory, snap.Metrics)
	p.book.BeginCycle()
	p.stale = staleness.NewTracker(staleness.FromConfig(cfg.Staleness), snap.Staleness)
	p.led = ledger.New(ledger.OptionsFromConfig(cfg.Ledger), snap.Ledger, p.book, p.stale)
	p.conf = confidence.NewTracker(confidence.FromConfig(cfg.Confidence), snap.Confidence)
	p.patterns = pattern.NewRegistry(pattern.FromConfig(cfg.Pattern), snap.Patterns)

	for i := range snap.Subjects {
		sub := snap.Subjects[i]
		p.subjects[sub.ID] = &sub
	}
	return p
}

func (p *pass) workers() int {
	return max(1, p.cfg.Cycle.MaxConcurrency)
}

// reject records an isolated failure and quarantines the offending record.
func (p *pass) reject(stage string, err *resilience.MalformedInputError, record any) {
	p.report.Errors = append(p.report.Errors, model.CycleError{
		Kind:     model.ErrorMalformedInput,
		Stage:    stage,
		RecordID: err.RecordID,
		Message:  err.Error(),
	})
	p.quarantine = append(p.quarantine, resilience.NewQuarantineEntry(p.cycle, err, record))
	p.log.Warn("engine: record rejected",
		zap.String("stage", stage),
		zap.String("kind", err.RecordKind),
		zap.String("record_id", err.RecordID),
		zap.String("reason", err.Reason),
	)
}

// ingest applies metric readings, evidence, assessments and operator
// overrides. Evidence is taken in the order the previous directive ranks
// its sources.
func (p *pass) ingest() (*model.PhaseResult, error) {
	for _, u := range p.batch.MetricUpdates {
		p.book.Observe(u, p.cycle)
	}

	recs := slices.Clone(p.batch.Evidence)
	directive.OrderBySourcePriority(recs, p.prevDirective)
	for _, rec := range recs {
		res, err := p.led.Ingest(rec, p.cycle, p.now)
		if err != nil {
			var me *resilience.MalformedInputError
			if !eris.As(err, &me) {
				return nil, eris.Wrapf(err, "engine: ingest %s", rec.ID)
			}
			p.reject("ingest", me, rec)
			continue
		}
		p.report.Ingested++
		if res.Reinforced {
			p.report.Reinforcements++
		}
	}

	assessed := 0
	for _, a := range p.batch.Assessments {
		if me := p.assess(a); me != nil {
			p.reject("ingest", me, a)
			continue
		}
		assessed++
	}

	retired := 0
	for _, id := range p.batch.Overrides.RetireSubjects {
		sub, ok := p.subjects[id]
		if !ok {
			p.reject("ingest", resilience.NewMalformedInput(kindOverride, id, "unknown subject"), id)
			continue
		}
		if !sub.Retired {
			sub.Retired = true
			sub.NeedsRecompute = true
			retired++
		}
	}

	ids := slices.Sorted(maps.Keys(p.batch.Overrides.PatternStatus))
	for _, id := range ids {
		if err := p.patterns.Override(id, p.batch.Overrides.PatternStatus[id], p.cycle); err != nil {
			p.reject("ingest", resilience.NewMalformedInput(kindOverride, id, err.Error()), id)
		}
	}

	return &model.PhaseResult{
		Metadata: map[string]any{
			"ingested":       p.report.Ingested,
			"reinforcements": p.report.Reinforcements,
			"assessments":    assessed,
			"retired":        retired,
			"metric_updates": len(p.batch.MetricUpdates),
		},
	}, nil
}

// assess creates or revises a subject from an assessment. The subject is
// flagged for recompute either way.
func (p *pass) assess(a model.AssessmentInput) *resilience.MalformedInputError {
	sub, exists := p.subjects[a.SubjectID]
	switch a.Mode {
	case model.AssessmentNew:
		if exists {
			return resilience.NewMalformedInput("assessment", a.SubjectID, "subject already exists")
		}
		p.subjects[a.SubjectID] = &model.Subject{
			SchemaVersion:  model.SchemaVersion,
			ID:             a.SubjectID,
			Kind:           a.Kind,
			Name:           a.Name,
			ParentID:       a.ParentID,
			Tags:           a.Tags,
			Inputs:         maps.Clone(a.Axes),
			GeoScores:      maps.Clone(a.GeoScores),
			NeedsRecompute: true,
			CreatedCycle:   p.cycle,
		}
	case model.AssessmentReassess:
		if !exists {
			return resilience.NewMalformedInput("assessment", a.SubjectID, "unknown subject")
		}
		if sub.Inputs == nil {
			sub.Inputs = make(map[string]model.AxisInput, len(a.Axes))
		}
		for axis, in := range a.Axes {
			sub.Inputs[axis] = in
		}
		if a.Name != "" {
			sub.Name = a.Name
		}
		if a.ParentID != "" {
			sub.ParentID = a.ParentID
		}
		if !emptyTags(a.Tags) {
			sub.Tags = a.Tags
		}
		if a.GeoScores != nil {
			sub.GeoScores = maps.Clone(a.GeoScores)
		}
		sub.NeedsRecompute = true
	}
	return nil
}

func emptyTags(t model.SubjectTags) bool {
	return len(t.Dimensions) == 0 && len(t.Forces) == 0 && len(t.Sectors) == 0 && len(t.Geographies) == 0
}

// weightOverrides stacks the previous directive's overrides under the
// operator's multipliers.
func (p *pass) weightOverrides() []map[string]float64 {
	var out []map[string]float64
	if p.prevDirective != nil && len(p.prevDirective.WeightOverrides) > 0 {
		out = append(out, p.prevDirective.WeightOverrides)
	}
	if len(p.batch.Overrides.WeightMultipliers) > 0 {
		out = append(out, p.batch.Overrides.WeightMultipliers)
	}
	return out
}

// grade scores every undecided record and revisits parked ones. A parked
// record is only logged again when its decision changes.
func (p *pass) grade(ctx context.Context) (*model.PhaseResult, error) {
	recs := append(p.led.Undecided(), p.led.Parked()...)
	inputs := func(id string) grading.Inputs {
		return grading.Inputs{Corroboration: p.led.Corroboration(id)}
	}

	graded, err := p.tables.grader.GradeAll(ctx, recs, inputs, p.cycle, p.workers(), p.weightOverrides()...)
	if err != nil {
		return nil, eris.Wrap(err, "engine: grade")
	}

	entries := make([]model.DecisionEntry, 0, len(graded))
	revisited := 0
	for _, ge := range graded {
		prior, had := p.led.LatestDecision(ge.Record.ID)
		entry := p.tables.grader.Entry(ge, had, p.now)
		if had {
			revisited++
			if prior.Decision == entry.Decision {
				continue
			}
		}
		entries = append(entries, entry)
		switch entry.Decision {
		case model.DecisionForward:
			p.report.Forwarded = append(p.report.Forwarded, entry.EvidenceID)
		case model.DecisionPark:
			p.report.Parked = append(p.report.Parked, entry.EvidenceID)
		}
	}
	p.led.Decide(entries...)

	return &model.PhaseResult{
		Metadata: map[string]any{
			"graded":    len(graded),
			"revisited": revisited,
			"forwarded": len(p.report.Forwarded),
			"parked":    len(p.report.Parked),
		},
	}, nil
}

func (p *pass) compact() (*model.PhaseResult, error) {
	p.report.Compacted = p.led.Compact(p.cycle, p.cfg.Ledger.CompactAfterCycles)
	return &model.PhaseResult{
		Metadata: map[string]any{"compacted": len(p.report.Compacted)},
	}, nil
}

// cascade sets every invalidation flag before rating starts.
func (p *pass) cascade() (*model.PhaseResult, error) {
	res := p.tables.cascade.Evaluate(p.book.Changed(), p.subjects, p.cycle)
	p.report.Invalidations = res.Invalidations
	p.underReview = res.UnderReview
	return &model.PhaseResult{
		Metadata: map[string]any{
			"fired":         len(res.Fired),
			"invalidations": len(res.Invalidations),
			"under_review":  len(res.UnderReview),
		},
	}, nil
}

// rate recomputes flagged subjects and everything that inherits from them.
func (p *pass) rate(ctx context.Context) (*model.PhaseResult, error) {
	var flagged []string
	for id, sub := range p.subjects {
		if sub.NeedsRecompute {
			flagged = append(flagged, id)
		}
	}
	sort.Strings(flagged)
	ids := append(flagged, rating.Dependents(p.subjects, flagged)...)

	env := rating.Env{
		Metrics:       p.book.Values(),
		EvidenceScore: p.led.ForwardedScore,
	}
	results, err := p.tables.rater.RateAll(ctx, p.subjects, ids, env, p.cycle, p.cfg.Cycle.RatingHistoryLimit, p.workers())
	if err != nil {
		return nil, eris.Wrap(err, "engine: rate")
	}

	for _, res := range results {
		p.report.Rerated = append(p.report.Rerated, res.SubjectID)
		for _, prob := range res.Problems {
			p.report.Errors = append(p.report.Errors, model.CycleError{
				Kind:      model.ErrorInconsistentState,
				Stage:     "rate",
				SubjectID: res.SubjectID,
				Message:   prob.Error(),
			})
		}
	}
	sort.Strings(p.report.Rerated)

	return &model.PhaseResult{
		Metadata: map[string]any{
			"flagged": len(flagged),
			"rerated": len(results),
		},
	}, nil
}

// track updates confidence and patterns from this cycle's activity.
func (p *pass) track() (*model.PhaseResult, error) {
	p.changes = p.conf.Update(p.led.Activity(p.cycle), p.cycle)
	p.collapses = p.conf.Collapses(p.changes, p.subjects)

	p.report.PatternsCreated = p.patterns.Detect(p.led, p.cycle)
	transitions := p.patterns.Evaluate(p.led, p.cycle)
	for _, t := range transitions {
		if forward(t.From, t.To) {
			p.report.Promoted = append(p.report.Promoted, t.PatternID)
		}
	}

	return &model.PhaseResult{
		Metadata: map[string]any{
			"dimensions":       len(p.changes),
			"regressions":      len(confidence.Regressions(p.changes)),
			"collapses":        len(p.collapses),
			"patterns_created": len(p.report.PatternsCreated),
			"transitions":      len(transitions),
		},
	}, nil
}

var progress = map[model.PatternStatus]int{
	model.PatternDetected:   0,
	model.PatternEmerging:   1,
	model.PatternStrong:     2,
	model.PatternConfirmed:  3,
	model.PatternVeryStrong: 4,
}

// forward reports whether a transition moved a pattern up the ladder.
func forward(from, to model.PatternStatus) bool {
	f, okFrom := progress[from]
	t, okTo := progress[to]
	if !okTo {
		return false
	}
	return !okFrom || t > f
}

func (p *pass) plan() (*model.PhaseResult, error) {
	p.directive = directive.Generate(directive.FromConfig(p.cfg.Directive), directive.Inputs{
		Cycle:        p.cycle,
		Now:          p.now,
		Confidence:   p.conf.Entries(),
		Staleness:    p.stale.Snapshot(p.now),
		Patterns:     p.patterns.Patterns(),
		ReviewReason: p.patterns.ReviewReason,
		BasePriority: p.stale.BasePriority,
		Yield:        p.led.SourceYield,
		Regressions:  confidence.Regressions(p.changes),
		Collapses:    p.collapses,
		UnderReview:  p.underReview,
	})
	return &model.PhaseResult{
		Metadata: map[string]any{
			"targets": len(p.directive.PrimaryResearchTargets),
			"refresh": len(p.directive.MandatoryRefresh),
			"alerts":  len(p.directive.Alerts),
		},
	}, nil
}

// snapshot assembles the replacement state. Version is assigned on commit.
func (p *pass) snapshot(parent int) model.Snapshot {
	ids := slices.Sorted(maps.Keys(p.subjects))
	subjects := make([]model.Subject, 0, len(ids))
	for _, id := range ids {
		subjects = append(subjects, *p.subjects[id])
	}
	return model.Snapshot{
		SchemaVersion: model.SchemaVersion,
		ParentVersion: parent,
		Cycle:         p.cycle,
		CreatedAt:     p.now,
		Ledger:        p.led.State(),
		Subjects:      subjects,
		Metrics:       p.book.Snapshot(),
		Confidence:    p.conf.Entries(),
		Staleness:     p.stale.Snapshot(p.now),
		Patterns:      p.patterns.Patterns(),
		Directive:     p.directive,
	}
}
