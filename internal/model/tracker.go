package model

import "time"

// ConfidenceTier buckets a confidence value by the qualitative anchors.
type ConfidenceTier string

const (
	TierWeak        ConfidenceTier = "weak"
	TierEmerging    ConfidenceTier = "emerging"
	TierEstablished ConfidenceTier = "established"
	TierStrong      ConfidenceTier = "strong"
)

// ConfidencePoint is one cycle of a dimension's confidence history.
type ConfidencePoint struct {
	Cycle int     `json:"cycle"`
	Value float64 `json:"value"`
}

// ConfidenceEntry tracks how well-supported a knowledge dimension is.
type ConfidenceEntry struct {
	SchemaVersion      string            `json:"schema_version"`
	Dimension          string            `json:"dimension"`
	Value              float64           `json:"value"`
	SourceFactor       float64           `json:"source_factor"`
	IndependentSources int               `json:"independent_source_count"`
	Sources            []string          `json:"sources"`
	LastUpdatedCycle   int               `json:"last_updated_cycle"`
	History            []ConfidencePoint `json:"history"`
}

// StalenessStatus is the freshness classification of a source or dimension.
type StalenessStatus string

const (
	StatusFresh         StalenessStatus = "fresh"
	StatusAging         StalenessStatus = "aging"
	StatusStale         StalenessStatus = "stale"
	StatusCritical      StalenessStatus = "critical"
	StatusNeverMeasured StalenessStatus = "never_measured"
)

// TrackedKind says whether a staleness entry watches a source or a dimension.
type TrackedKind string

const (
	TrackedSource    TrackedKind = "source"
	TrackedDimension TrackedKind = "dimension"
)

// StalenessEntry is the refresh state of one source or dimension. Status is
// filled in on read and never persisted as truth.
type StalenessEntry struct {
	SchemaVersion string          `json:"schema_version"`
	ID            string          `json:"id"`
	Kind          TrackedKind     `json:"kind"`
	LastRefresh   *time.Time      `json:"last_refresh,omitempty"`
	TTL           time.Duration   `json:"ttl"`
	DataLag       time.Duration   `json:"data_lag"`
	Status        StalenessStatus `json:"status,omitempty"`
}
