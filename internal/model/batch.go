package model

import "time"

// OverrideDocument carries operator adjustments for a single cycle.
type OverrideDocument struct {
	WeightMultipliers map[string]float64       `json:"weight_multipliers,omitempty" yaml:"weight_multipliers,omitempty"`
	Categories        []CategoryRule           `json:"categories,omitempty" yaml:"categories,omitempty"`
	PatternStatus     map[string]PatternStatus `json:"pattern_status,omitempty" yaml:"pattern_status,omitempty"`
	RetireSubjects    []string                 `json:"retire_subjects,omitempty" yaml:"retire_subjects,omitempty"`
}

// Batch is everything the upstream collaborators deliver for one cycle.
type Batch struct {
	Cycle         int               `json:"cycle" yaml:"cycle"`
	Now           time.Time         `json:"now" yaml:"now"`
	Evidence      []EvidenceRecord  `json:"evidence" yaml:"evidence"`
	Assessments   []AssessmentInput `json:"assessments" yaml:"assessments"`
	MetricUpdates []MetricUpdate    `json:"metric_updates" yaml:"metric_updates"`
	Overrides     OverrideDocument  `json:"overrides" yaml:"overrides"`
}
