// Package intake decodes and validates the batch documents delivered by
// upstream collaborators. Bad records are rejected one at a time; a batch
// is never refused as a whole.
package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// Record kinds reported in cycle errors and quarantine entries.
const (
	KindEvidence     = "evidence"
	KindAssessment   = "assessment"
	KindMetricUpdate = "metric_update"
	KindOverrides    = "overrides"
)

// MaxWeightMultiplier bounds operator grading multipliers.
const MaxWeightMultiplier = 2.0

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Decode reads a batch in the given format ("json", "yaml" or "yml").
func Decode(r io.Reader, format string) (model.Batch, error) {
	var b model.Batch
	data, err := io.ReadAll(r)
	if err != nil {
		return b, eris.Wrap(err, "intake: read batch")
	}
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&b); err != nil {
			return b, eris.Wrap(err, "intake: decode json batch")
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &b); err != nil {
			return b, eris.Wrap(err, "intake: decode yaml batch")
		}
	default:
		return b, eris.Errorf("intake: unsupported batch format %q", format)
	}
	return b, nil
}

// DecodeFile reads a batch file, choosing the format from its extension.
func DecodeFile(path string) (model.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Batch{}, eris.Wrapf(err, "intake: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return Decode(f, strings.TrimPrefix(filepath.Ext(path), "."))
}

// Result is a batch with its invalid records removed.
type Result struct {
	Batch      model.Batch
	Errors     []model.CycleError
	Quarantine []model.QuarantineEntry
}

type rejecter struct {
	cycle int
	res   *Result
	log   *zap.Logger
}

func (rj rejecter) reject(err *resilience.MalformedInputError, record any) {
	rj.res.Errors = append(rj.res.Errors, model.CycleError{
		Kind:     model.ErrorMalformedInput,
		Stage:    "intake",
		RecordID: err.RecordID,
		Message:  err.Error(),
	})
	rj.res.Quarantine = append(rj.res.Quarantine, resilience.NewQuarantineEntry(rj.cycle, err, record))
	rj.log.Warn("intake: record rejected",
		zap.String("kind", err.RecordKind),
		zap.String("record_id", err.RecordID),
		zap.String("reason", err.Reason),
	)
}

// Validate checks every record of the batch. Valid records pass through in
// their original order; the rest become cycle errors and quarantine entries.
func Validate(b model.Batch) Result {
	res := Result{Batch: model.Batch{Cycle: b.Cycle, Now: b.Now, Overrides: b.Overrides}}
	rj := rejecter{cycle: b.Cycle, res: &res, log: zap.L().With(zap.String("component", "intake"))}

	seen := make(map[string]bool, len(b.Evidence))
	for _, rec := range b.Evidence {
		reason := structReason(&rec)
		if reason == "" {
			reason = evidenceReason(rec, seen)
		}
		if reason != "" {
			rj.reject(resilience.NewMalformedInput(KindEvidence, rec.ID, reason), rec)
			continue
		}
		seen[rec.ID] = true
		res.Batch.Evidence = append(res.Batch.Evidence, rec)
	}

	subjects := make(map[string]bool, len(b.Assessments))
	for _, a := range b.Assessments {
		reason := structReason(&a)
		if reason == "" {
			reason = assessmentReason(a)
		}
		if reason == "" && subjects[a.SubjectID] {
			reason = "duplicate assessment in batch"
		}
		if reason != "" {
			rj.reject(resilience.NewMalformedInput(KindAssessment, a.SubjectID, reason), a)
			continue
		}
		subjects[a.SubjectID] = true
		res.Batch.Assessments = append(res.Batch.Assessments, a)
	}

	for _, u := range b.MetricUpdates {
		reason := structReason(&u)
		if reason == "" && !finite(u.Value) {
			reason = "value must be finite"
		}
		if reason != "" {
			rj.reject(resilience.NewMalformedInput(KindMetricUpdate, u.MetricID, reason), u)
			continue
		}
		res.Batch.MetricUpdates = append(res.Batch.MetricUpdates, u)
	}

	if err := ValidateOverrides(b.Overrides); err != nil {
		var me *resilience.MalformedInputError
		if eris.As(err, &me) {
			rj.reject(me, b.Overrides)
		}
		res.Batch.Overrides = model.OverrideDocument{}
	}
	return res
}

func structReason(v any) string {
	err := validate.Struct(v)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if !eris.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func evidenceReason(rec model.EvidenceRecord, seen map[string]bool) string {
	switch {
	case seen[rec.ID]:
		return "duplicate id in batch"
	case rec.Supersedes != "" && rec.Contradicts != "":
		return "record cannot both supersede and contradict"
	case strings.TrimSpace(rec.Payload.Headline) == "":
		return "headline is blank"
	}
	for _, d := range rec.Tags.Dimensions {
		if strings.TrimSpace(d) == "" {
			return "dimension tags must not be blank"
		}
	}
	for _, dp := range rec.Payload.DataPoints {
		if !finite(dp.Value) {
			return fmt.Sprintf("data point %s is not finite", dp.Label)
		}
	}
	return ""
}

func assessmentReason(a model.AssessmentInput) string {
	if a.ParentID == a.SubjectID {
		return "subject cannot be its own parent"
	}
	for name, in := range a.Axes {
		if strings.TrimSpace(name) == "" {
			return "axis name must not be blank"
		}
		for _, s := range in.Signals {
			if !finite(s) {
				return fmt.Sprintf("axis %s has a non-finite signal", name)
			}
		}
		for _, l := range in.Metrics {
			if !finite(l.Threshold) || !finite(l.Adjustment) {
				return fmt.Sprintf("axis %s has a non-finite metric link", name)
			}
		}
	}
	for geo, v := range a.GeoScores {
		if !finite(v) {
			return fmt.Sprintf("geo score %s is not finite", geo)
		}
	}
	return ""
}

// ValidateOverrides checks an operator override document.
func ValidateOverrides(doc model.OverrideDocument) error {
	var problems []string
	for name, m := range doc.WeightMultipliers {
		if !finite(m) || m < 0 || m > MaxWeightMultiplier {
			problems = append(problems, fmt.Sprintf("weight multiplier %s=%v outside [0, %v]", name, m, MaxWeightMultiplier))
		}
	}
	for id, s := range doc.PatternStatus {
		if !model.ValidPatternStatus(s) {
			problems = append(problems, fmt.Sprintf("pattern %s has unknown status %q", id, s))
		}
	}
	if len(problems) > 0 {
		return resilience.NewMalformedInput(KindOverrides, "", strings.Join(problems, "; "))
	}
	return nil
}

// LoadOverrides reads an override document from a YAML or JSON file.
func LoadOverrides(path string) (model.OverrideDocument, error) {
	var doc model.OverrideDocument
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, eris.Wrapf(err, "intake: read overrides %s", path)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, eris.Wrapf(err, "intake: decode overrides %s", path)
	}
	if err := ValidateOverrides(doc); err != nil {
		return model.OverrideDocument{}, err
	}
	return doc, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
