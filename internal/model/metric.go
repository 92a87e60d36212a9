package model

import "time"

// Direction is the sign of a metric's latest move.
type Direction string

const (
	DirectionRising  Direction = "rising"
	DirectionFalling Direction = "falling"
	DirectionFlat    Direction = "flat"
)

// Velocity classifies how a metric's moves are changing.
type Velocity string

const (
	VelocityAccelerating Velocity = "accelerating"
	VelocitySteady       Velocity = "steady"
	VelocityDecelerating Velocity = "decelerating"
	VelocityReversing    Velocity = "reversing"
)

// MetricObservation is one value in a metric's short history.
type MetricObservation struct {
	Value      float64   `json:"value"`
	Cycle      int       `json:"cycle"`
	Source     string    `json:"source,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// ForceMetric is a named external measurement tracked across cycles.
type ForceMetric struct {
	SchemaVersion string              `json:"schema_version"`
	ID            string              `json:"id"`
	Value         float64             `json:"value"`
	HasValue      bool                `json:"has_value"`
	PreviousValue float64             `json:"previous_value"`
	HasPrevious   bool                `json:"has_previous"`
	Direction     Direction           `json:"direction"`
	Velocity      Velocity            `json:"velocity"`
	History       []MetricObservation `json:"history"`
	UpdatedCycle  int                 `json:"updated_cycle"`
}

// MetricUpdate is an externally supplied metric reading.
type MetricUpdate struct {
	MetricID  string    `json:"metric_id" yaml:"metric_id" validate:"required"`
	Value     float64   `json:"value" yaml:"value"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp" validate:"required"`
	Source    string    `json:"source" yaml:"source" validate:"required"`
}

// Comparison is the operator of a trigger or metric link.
type Comparison string

const (
	CompareGT  Comparison = "gt"
	CompareGTE Comparison = "gte"
	CompareLT  Comparison = "lt"
	CompareLTE Comparison = "lte"
)

// Holds reports whether value satisfies the comparison against threshold.
func (c Comparison) Holds(value, threshold float64) bool {
	switch c {
	case CompareGT:
		return value > threshold
	case CompareGTE:
		return value >= threshold
	case CompareLT:
		return value < threshold
	case CompareLTE:
		return value <= threshold
	default:
		return false
	}
}

// TriggerAction is what a fired trigger does to matched subjects.
type TriggerAction string

const (
	ActionRecompute TriggerAction = "recompute"
	ActionReview    TriggerAction = "review"
)

// Selector picks subjects. Non-empty fields are ANDed; values within a
// field are ORed.
type Selector struct {
	SubjectIDs  []string      `json:"subject_ids,omitempty" yaml:"subject_ids,omitempty" mapstructure:"subject_ids"`
	Kinds       []SubjectKind `json:"kinds,omitempty" yaml:"kinds,omitempty" mapstructure:"kinds"`
	Dimensions  []string      `json:"dimensions,omitempty" yaml:"dimensions,omitempty" mapstructure:"dimensions"`
	Forces      []string      `json:"forces,omitempty" yaml:"forces,omitempty" mapstructure:"forces"`
	Sectors     []string      `json:"sectors,omitempty" yaml:"sectors,omitempty" mapstructure:"sectors"`
	Geographies []string      `json:"geographies,omitempty" yaml:"geographies,omitempty" mapstructure:"geographies"`
}

// Empty reports whether the selector constrains nothing.
func (s Selector) Empty() bool {
	return len(s.SubjectIDs) == 0 && len(s.Kinds) == 0 && len(s.Dimensions) == 0 &&
		len(s.Forces) == 0 && len(s.Sectors) == 0 && len(s.Geographies) == 0
}

// CascadeTrigger is a threshold rule bound to one metric.
type CascadeTrigger struct {
	ID         string        `json:"id" yaml:"id" mapstructure:"id"`
	MetricID   string        `json:"metric_id" yaml:"metric_id" mapstructure:"metric_id"`
	Comparison Comparison    `json:"comparison" yaml:"comparison" mapstructure:"comparison"`
	Threshold  float64       `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	Selector   Selector      `json:"selector" yaml:"selector" mapstructure:"selector"`
	Action     TriggerAction `json:"action" yaml:"action" mapstructure:"action"`
}

// Invalidation records one subject flagged by a fired trigger.
type Invalidation struct {
	TriggerID string        `json:"trigger_id"`
	MetricID  string        `json:"metric_id"`
	SubjectID string        `json:"subject_id"`
	Action    TriggerAction `json:"action"`
	Cycle     int           `json:"cycle"`
}
