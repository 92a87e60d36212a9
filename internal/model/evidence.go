package model

import "time"

// SchemaVersion is stamped on every record the engine emits.
const SchemaVersion = "1"

// ConfidenceLabel is the raw confidence a producer assigns to a record.
type ConfidenceLabel string

const (
	ConfidenceLow    ConfidenceLabel = "low"
	ConfidenceMedium ConfidenceLabel = "medium"
	ConfidenceHigh   ConfidenceLabel = "high"
)

// SourceKind classifies where an observation came from.
type SourceKind string

const (
	SourceOfficial SourceKind = "official"
	SourceDataset  SourceKind = "dataset"
	SourceFiling   SourceKind = "filing"
	SourceAnalyst  SourceKind = "analyst"
	SourceNews     SourceKind = "news"
	SourceSocial   SourceKind = "social"
	SourceOther    SourceKind = "other"
)

// Provenance records who produced an observation and when it was pulled.
type Provenance struct {
	SourceName  string     `json:"source_name" yaml:"source_name" validate:"required"`
	SourceKind  SourceKind `json:"source_kind" yaml:"source_kind" validate:"required,oneof=official dataset filing analyst news social other"`
	RetrievedAt time.Time  `json:"retrieved_at" yaml:"retrieved_at" validate:"required"`
	ExternalRef string     `json:"external_ref,omitempty" yaml:"external_ref,omitempty"`
}

// Tags place a record within the topical space.
type Tags struct {
	Dimensions  []string `json:"dimensions" yaml:"dimensions" validate:"required,min=1,dive,required"`
	Sectors     []string `json:"sectors,omitempty" yaml:"sectors,omitempty" validate:"dive,required"`
	Geographies []string `json:"geographies,omitempty" yaml:"geographies,omitempty" validate:"dive,required"`
	Horizon     string   `json:"horizon,omitempty" yaml:"horizon,omitempty"`
	Metrics     []string `json:"metrics,omitempty" yaml:"metrics,omitempty" validate:"dive,required"`
}

// DataPoint is one supporting figure attached to a headline.
type DataPoint struct {
	Label string  `json:"label" yaml:"label" validate:"required"`
	Value float64 `json:"value" yaml:"value"`
	Unit  string  `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Payload is the factual body of a record. Dropped on compaction.
type Payload struct {
	Headline   string      `json:"headline" yaml:"headline" validate:"required,max=500"`
	DataPoints []DataPoint `json:"data_points,omitempty" yaml:"data_points,omitempty" validate:"dive"`
}

// EvidenceRecord is one atomic, timestamped, sourced observation. Records
// are immutable once written; corrections arrive as new records that point
// at the old id through Supersedes or Contradicts.
type EvidenceRecord struct {
	SchemaVersion string          `json:"schema_version" yaml:"schema_version,omitempty"`
	ID            string          `json:"id" yaml:"id" validate:"required,max=128"`
	IngestedAt    time.Time       `json:"ingested_at" yaml:"ingested_at,omitempty"`
	Cycle         int             `json:"cycle" yaml:"cycle,omitempty" validate:"gte=0"`
	Provenance    Provenance      `json:"provenance" yaml:"provenance"`
	Tags          Tags            `json:"tags" yaml:"tags"`
	Payload       Payload         `json:"payload" yaml:"payload"`
	Confidence    ConfidenceLabel `json:"confidence" yaml:"confidence" validate:"required,oneof=low medium high"`
	Supersedes    string          `json:"supersedes,omitempty" yaml:"supersedes,omitempty"`
	Contradicts   string          `json:"contradicts,omitempty" yaml:"contradicts,omitempty"`

	// Ledger-owned fields.
	ClusterID string   `json:"cluster_id,omitempty" yaml:"-"`
	Compacted bool     `json:"compacted,omitempty" yaml:"-"`
	Summary   string   `json:"summary,omitempty" yaml:"-"`
	Score     *float64 `json:"score,omitempty" yaml:"-"`
}

// Decision is the forwarding outcome of grading a record.
type Decision string

const (
	DecisionForward Decision = "forward"
	DecisionPark    Decision = "park"
	DecisionCompact Decision = "compact"
)

// DecisionEntry is one row of the append-only forwarding decision log.
type DecisionEntry struct {
	SchemaVersion string             `json:"schema_version"`
	EvidenceID    string             `json:"evidence_id"`
	Cycle         int                `json:"cycle"`
	Score         float64            `json:"score"`
	Weights       map[string]float64 `json:"weights"`
	Decision      Decision           `json:"decision"`
	Revisit       bool               `json:"revisit,omitempty"`
	DecidedAt     time.Time          `json:"decided_at"`
}

// GradedEvidence is a record paired with the score it earned under a
// particular weight set. Derived, never stored on its own.
type GradedEvidence struct {
	Record    EvidenceRecord     `json:"record"`
	Score     float64            `json:"score"`
	Breakdown map[string]float64 `json:"breakdown"`
	Weights   map[string]float64 `json:"weights"`
	Cycle     int                `json:"cycle"`
}

// Cluster groups records that describe the same underlying observation.
type Cluster struct {
	ID             string   `json:"id"`
	HeadID         string   `json:"head_id"`
	RecordIDs      []string `json:"record_ids"`
	Sources        []string `json:"sources"`
	Contradicting  []string `json:"contradicting,omitempty"`
	Reinforcements int      `json:"reinforcements"`
	Dimensions     []string `json:"dimensions"`
	PatternID      string   `json:"pattern_id,omitempty"`
	LastCycle      int      `json:"last_cycle"`
}

// Observation is a same-source near-duplicate folded into a cluster instead
// of being stored as its own record.
type Observation struct {
	RecordID   string    `json:"record_id"`
	ClusterID  string    `json:"cluster_id"`
	SourceName string    `json:"source_name"`
	Cycle      int       `json:"cycle"`
	ObservedAt time.Time `json:"observed_at"`
}

// LedgerState is the serialisable content of the evidence ledger.
type LedgerState struct {
	Records      []EvidenceRecord `json:"records"`
	Clusters     []Cluster        `json:"clusters"`
	Observations []Observation    `json:"observations,omitempty"`
	Decisions    []DecisionEntry  `json:"decisions"`
}
