package model

// SubjectKind names what a subject represents.
type SubjectKind string

const (
	SubjectModel  SubjectKind = "model"
	SubjectSector SubjectKind = "sector"
	SubjectForce  SubjectKind = "force"
)

// Qualitative is an analyst's coarse read on an axis.
type Qualitative string

const (
	QualitativeLow      Qualitative = "low"
	QualitativeMedium   Qualitative = "medium"
	QualitativeHigh     Qualitative = "high"
	QualitativeVeryHigh Qualitative = "very_high"
)

// AssessmentMode tells whether an assessment proposes a subject or revisits one.
type AssessmentMode string

const (
	AssessmentNew      AssessmentMode = "new"
	AssessmentReassess AssessmentMode = "reassess"
)

// AxisSpec configures one rating axis.
type AxisSpec struct {
	Name        string  `json:"name" yaml:"name" mapstructure:"name"`
	Weight      float64 `json:"weight" yaml:"weight" mapstructure:"weight"`
	Inheritable bool    `json:"inheritable" yaml:"inheritable" mapstructure:"inheritable"`
}

// MetricLink adjusts an axis while a force metric satisfies a condition.
type MetricLink struct {
	MetricID   string     `json:"metric_id" yaml:"metric_id" validate:"required"`
	Comparison Comparison `json:"comparison" yaml:"comparison" validate:"required,oneof=gt gte lt lte"`
	Threshold  float64    `json:"threshold" yaml:"threshold"`
	Adjustment float64    `json:"adjustment" yaml:"adjustment" validate:"gte=-10,lte=10"`
}

// AxisInput is the per-axis evidence summary supplied by an analyst.
type AxisInput struct {
	Qualitative Qualitative  `json:"qualitative,omitempty" yaml:"qualitative,omitempty" validate:"omitempty,oneof=low medium high very_high"`
	Signals     []float64    `json:"signals,omitempty" yaml:"signals,omitempty" validate:"dive,gte=0,lte=10"`
	EvidenceIDs []string     `json:"evidence_ids,omitempty" yaml:"evidence_ids,omitempty" validate:"dive,required"`
	Notes       string       `json:"notes,omitempty" yaml:"notes,omitempty"`
	Metrics     []MetricLink `json:"metrics,omitempty" yaml:"metrics,omitempty" validate:"dive"`
}

// SubjectTags are the attributes cascade selectors match against.
type SubjectTags struct {
	Dimensions  []string `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	Forces      []string `json:"forces,omitempty" yaml:"forces,omitempty"`
	Sectors     []string `json:"sectors,omitempty" yaml:"sectors,omitempty"`
	Geographies []string `json:"geographies,omitempty" yaml:"geographies,omitempty"`
}

// AssessmentInput is one structured assessment of a subject for a cycle.
type AssessmentInput struct {
	SubjectID string               `json:"subject_id" yaml:"subject_id" validate:"required,max=128"`
	Kind      SubjectKind          `json:"kind" yaml:"kind" validate:"required,oneof=model sector force"`
	Name      string               `json:"name" yaml:"name" validate:"required"`
	ParentID  string               `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Mode      AssessmentMode       `json:"mode" yaml:"mode" validate:"required,oneof=new reassess"`
	Tags      SubjectTags          `json:"tags" yaml:"tags"`
	Axes      map[string]AxisInput `json:"axes" yaml:"axes" validate:"dive"`
	GeoScores map[string]float64   `json:"geo_scores,omitempty" yaml:"geo_scores,omitempty" validate:"dive,gte=0,lte=10"`
}

// AxisValue is a computed axis with its audit flags.
type AxisValue struct {
	Value             float64  `json:"value"`
	Inherited         bool     `json:"inherited"`
	Recomputed        bool     `json:"recomputed"`
	InheritanceBroken bool     `json:"inheritance_broken,omitempty"`
	Provenance        []string `json:"provenance,omitempty"`
}

// RatingPoint is one entry of a subject's rating history.
type RatingPoint struct {
	Cycle      int      `json:"cycle"`
	Composite  float64  `json:"composite"`
	Categories []string `json:"categories"`
}

// Subject is a thing being rated. Composite and Categories are derived from
// Axes and the category table and are never edited directly.
type Subject struct {
	SchemaVersion  string               `json:"schema_version"`
	ID             string               `json:"id"`
	Kind           SubjectKind          `json:"kind"`
	Name           string               `json:"name"`
	ParentID       string               `json:"parent_id,omitempty"`
	Tags           SubjectTags          `json:"tags"`
	Inputs         map[string]AxisInput `json:"inputs"`
	GeoScores      map[string]float64   `json:"geo_scores,omitempty"`
	Axes           map[string]AxisValue `json:"axes"`
	Composite      float64              `json:"composite"`
	Categories     []string             `json:"categories"`
	NeedsRecompute bool                 `json:"needs_recompute"`
	InvalidatedBy  []string             `json:"invalidated_by,omitempty"`
	Retired        bool                 `json:"retired,omitempty"`
	CreatedCycle   int                  `json:"created_cycle"`
	RatedCycle     int                  `json:"rated_cycle"`
	History        []RatingPoint        `json:"history,omitempty"`
}

// ConditionOp is a comparison used by category conditions.
type ConditionOp string

const (
	OpGT  ConditionOp = "gt"
	OpGTE ConditionOp = "gte"
	OpLT  ConditionOp = "lt"
	OpLTE ConditionOp = "lte"
)

// FieldComposite and FieldGeoSpread are the non-axis fields a category
// condition may reference.
const (
	FieldComposite = "composite"
	FieldGeoSpread = "spread:geo"
)

// CategoryCondition is one predicate of a category rule.
type CategoryCondition struct {
	Field string      `json:"field" yaml:"field" mapstructure:"field"`
	Op    ConditionOp `json:"op" yaml:"op" mapstructure:"op"`
	Value float64     `json:"value" yaml:"value" mapstructure:"value"`
}

// CategoryRule assigns Name when every condition holds. Rules sharing a
// non-empty Group are mutually exclusive.
type CategoryRule struct {
	Name       string              `json:"name" yaml:"name" mapstructure:"name"`
	Priority   int                 `json:"priority" yaml:"priority" mapstructure:"priority"`
	Group      string              `json:"group,omitempty" yaml:"group,omitempty" mapstructure:"group"`
	Conditions []CategoryCondition `json:"conditions" yaml:"conditions" mapstructure:"conditions"`
	Terminal   bool                `json:"terminal,omitempty" yaml:"terminal,omitempty" mapstructure:"terminal"`
}
