package intake

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validRecord(id string) model.EvidenceRecord {
	return model.EvidenceRecord{
		ID:         id,
		Provenance: model.Provenance{SourceName: "bls", SourceKind: model.SourceOfficial, RetrievedAt: t0},
		Tags:       model.Tags{Dimensions: []string{"labor"}},
		Payload:    model.Payload{Headline: "payrolls beat expectations", DataPoints: []model.DataPoint{{Label: "payrolls", Value: 250}}},
		Confidence: model.ConfidenceHigh,
	}
}

func validAssessment(id string) model.AssessmentInput {
	return model.AssessmentInput{
		SubjectID: id,
		Kind:      model.SubjectModel,
		Name:      "Subject " + id,
		Mode:      model.AssessmentNew,
		Axes: map[string]model.AxisInput{
			"demand": {Qualitative: model.QualitativeHigh, Signals: []float64{6, 7}},
		},
		GeoScores: map[string]float64{"us": 6},
	}
}

const yamlBatch = `
cycle: 3
now: 2026-03-01T12:00:00Z
evidence:
  - id: ev-1
    provenance:
      source_name: bls
      source_kind: official
      retrieved_at: 2026-03-01T10:00:00Z
    tags:
      dimensions: [labor]
      metrics: [payrolls]
    payload:
      headline: payrolls beat expectations
      data_points:
        - label: payrolls
          value: 250
    confidence: high
assessments:
  - subject_id: s1
    kind: model
    name: Staffing marketplace
    mode: new
    tags:
      sectors: [staffing]
    axes:
      demand:
        qualitative: high
        signals: [6.5, 7]
        evidence_ids: [ev-1]
metric_updates:
  - metric_id: payrolls
    value: 250
    timestamp: 2026-03-01T10:00:00Z
    source: bls
overrides:
  weight_multipliers:
    corroboration: 1.5
`

func TestDecode_YAML(t *testing.T) {
	b, err := Decode(strings.NewReader(yamlBatch), "yaml")
	require.NoError(t, err)

	assert.Equal(t, 3, b.Cycle)
	require.Len(t, b.Evidence, 1)
	assert.Equal(t, model.SourceOfficial, b.Evidence[0].Provenance.SourceKind)
	assert.Equal(t, []string{"payrolls"}, b.Evidence[0].Tags.Metrics)
	require.Len(t, b.Assessments, 1)
	assert.Equal(t, []string{"ev-1"}, b.Assessments[0].Axes["demand"].EvidenceIDs)
	require.Len(t, b.MetricUpdates, 1)
	assert.InDelta(t, 1.5, b.Overrides.WeightMultipliers["corroboration"], 1e-9)
}

func TestDecode_JSONAndErrors(t *testing.T) {
	b, err := Decode(strings.NewReader(`{"cycle": 2, "evidence": []}`), "json")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Cycle)

	_, err = Decode(strings.NewReader(`{`), "json")
	require.Error(t, err)

	_, err = Decode(strings.NewReader(`cycle: 1`), "toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported batch format")
}

func TestDecodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBatch), 0o644))

	b, err := DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Cycle)

	_, err = DecodeFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestValidate_PassesValidBatch(t *testing.T) {
	b := model.Batch{
		Cycle:         1,
		Evidence:      []model.EvidenceRecord{validRecord("a"), validRecord("b")},
		Assessments:   []model.AssessmentInput{validAssessment("s1")},
		MetricUpdates: []model.MetricUpdate{{MetricID: "m", Value: 1, Timestamp: t0, Source: "bls"}},
	}
	res := Validate(b)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Quarantine)
	assert.Len(t, res.Batch.Evidence, 2)
	assert.Len(t, res.Batch.Assessments, 1)
	assert.Len(t, res.Batch.MetricUpdates, 1)
}

func TestValidate_RejectsEvidence(t *testing.T) {
	noSource := validRecord("no-source")
	noSource.Provenance.SourceName = ""

	noDims := validRecord("no-dims")
	noDims.Tags.Dimensions = nil

	badLabel := validRecord("bad-label")
	badLabel.Confidence = "certain"

	nan := validRecord("nan")
	nan.Payload.DataPoints[0].Value = math.NaN()

	both := validRecord("both")
	both.Supersedes, both.Contradicts = "a", "a"

	b := model.Batch{Cycle: 4, Evidence: []model.EvidenceRecord{
		validRecord("a"), noSource, noDims, badLabel, nan, both, validRecord("a"),
	}}
	res := Validate(b)

	require.Len(t, res.Batch.Evidence, 1)
	assert.Equal(t, "a", res.Batch.Evidence[0].ID)
	require.Len(t, res.Errors, 6)
	require.Len(t, res.Quarantine, 6)

	byID := map[string]string{}
	for _, e := range res.Errors {
		assert.Equal(t, model.ErrorMalformedInput, e.Kind)
		assert.Equal(t, "intake", e.Stage)
		byID[e.RecordID] += e.Message
	}
	assert.Contains(t, byID["no-source"], "provenance.source_name failed required")
	assert.Contains(t, byID["no-dims"], "tags.dimensions failed required")
	assert.Contains(t, byID["bad-label"], "confidence failed oneof")
	assert.Contains(t, byID["nan"], "not finite")
	assert.Contains(t, byID["both"], "both supersede and contradict")
	assert.Contains(t, byID["a"], "duplicate id in batch")

	for _, q := range res.Quarantine {
		assert.Equal(t, 4, q.Cycle)
		assert.Equal(t, KindEvidence, q.RecordKind)
		assert.NotEmpty(t, q.Payload)
	}
}

func TestValidate_RejectsAssessmentsAndMetrics(t *testing.T) {
	badKind := validAssessment("s2")
	badKind.Kind = "company"

	selfParent := validAssessment("s3")
	selfParent.ParentID = "s3"

	badSignal := validAssessment("s4")
	badSignal.Axes["demand"] = model.AxisInput{Signals: []float64{11}}

	b := model.Batch{
		Assessments: []model.AssessmentInput{validAssessment("s1"), badKind, selfParent, badSignal, validAssessment("s1")},
		MetricUpdates: []model.MetricUpdate{
			{MetricID: "m", Value: math.Inf(1), Timestamp: t0, Source: "bls"},
			{MetricID: "", Value: 1, Timestamp: t0, Source: "bls"},
		},
	}
	res := Validate(b)

	require.Len(t, res.Batch.Assessments, 1)
	assert.Empty(t, res.Batch.MetricUpdates)
	assert.Len(t, res.Errors, 6)

	kinds := map[string]int{}
	for _, q := range res.Quarantine {
		kinds[q.RecordKind]++
	}
	assert.Equal(t, 4, kinds[KindAssessment])
	assert.Equal(t, 2, kinds[KindMetricUpdate])
}

func TestValidate_BadOverridesDropped(t *testing.T) {
	b := model.Batch{Overrides: model.OverrideDocument{WeightMultipliers: map[string]float64{"specificity": 3}}}
	res := Validate(b)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "outside [0, 2]")
	assert.Empty(t, res.Batch.Overrides.WeightMultipliers)
}

func TestValidateOverrides(t *testing.T) {
	require.NoError(t, ValidateOverrides(model.OverrideDocument{
		WeightMultipliers: map[string]float64{"specificity": 0, "corroboration": 2},
		PatternStatus:     map[string]model.PatternStatus{"p1": model.PatternArchived},
	}))

	err := ValidateOverrides(model.OverrideDocument{
		WeightMultipliers: map[string]float64{"specificity": -0.5},
		PatternStatus:     map[string]model.PatternStatus{"p1": "dead"},
	})
	require.Error(t, err)
	assert.True(t, resilience.IsMalformedInput(err))
	assert.Contains(t, err.Error(), "specificity")
	assert.Contains(t, err.Error(), `unknown status "dead"`)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("weight_multipliers:\n  corroboration: 1.25\nretire_subjects: [s9]\n"), 0o644))
	doc, err := LoadOverrides(good)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, doc.WeightMultipliers["corroboration"], 1e-9)
	assert.Equal(t, []string{"s9"}, doc.RetireSubjects)

	asJSON := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(asJSON, []byte(`{"pattern_status": {"p1": "archived"}}`), 0o644))
	doc, err = LoadOverrides(asJSON)
	require.NoError(t, err)
	assert.Equal(t, model.PatternArchived, doc.PatternStatus["p1"])

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("weight_multipliers:\n  corroboration: 2.5\n"), 0o644))
	_, err = LoadOverrides(bad)
	require.Error(t, err)
	assert.True(t, resilience.IsMalformedInput(err))
}
