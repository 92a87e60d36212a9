package model

import "time"

// CycleStatus represents the state of a cycle run.
type CycleStatus string

const (
	CycleStatusRunning  CycleStatus = "running"
	CycleStatusComplete CycleStatus = "complete"
	CycleStatusFailed   CycleStatus = "failed"
)

// CycleRun is the persisted record of one engine pass.
type CycleRun struct {
	ID        string       `json:"id"`
	Cycle     int          `json:"cycle"`
	Status    CycleStatus  `json:"status"`
	Report    *CycleReport `json:"report,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// PhaseStatus represents the current state of a cycle phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// CyclePhase tracks one phase of a cycle.
type CyclePhase struct {
	ID        string       `json:"id"`
	CycleID   string       `json:"cycle_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// PhaseResult holds the outcome of a cycle phase.
type PhaseResult struct {
	Name     string         `json:"name"`
	Status   PhaseStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorKind classifies an isolated per-record or per-subject failure.
type ErrorKind string

const (
	ErrorMalformedInput    ErrorKind = "malformed_input"
	ErrorInconsistentState ErrorKind = "inconsistent_state"
)

// CycleError is one isolated failure reported with a cycle.
type CycleError struct {
	Kind      ErrorKind `json:"kind"`
	Stage     string    `json:"stage"`
	RecordID  string    `json:"record_id,omitempty"`
	SubjectID string    `json:"subject_id,omitempty"`
	Message   string    `json:"message"`
}

// CycleReport summarises what a cycle did.
type CycleReport struct {
	SchemaVersion   string         `json:"schema_version"`
	Cycle           int            `json:"cycle"`
	SnapshotVersion int            `json:"snapshot_version"`
	Ingested        int            `json:"ingested"`
	Reinforcements  int            `json:"reinforcements"`
	Forwarded       []string       `json:"forwarded"`
	Parked          []string       `json:"parked"`
	Compacted       []string       `json:"compacted"`
	Promoted        []string       `json:"promoted,omitempty"`
	Invalidations   []Invalidation `json:"invalidations"`
	Rerated         []string       `json:"rerated"`
	PatternsCreated []string       `json:"patterns_created,omitempty"`
	Errors          []CycleError   `json:"errors"`
	Phases          []PhaseResult  `json:"phases"`
	DurationMs      int64          `json:"duration_ms"`
}

// QuarantineEntry is a rejected upstream record kept for inspection.
type QuarantineEntry struct {
	ID         string    `json:"id"`
	Cycle      int       `json:"cycle"`
	RecordKind string    `json:"record_kind"`
	RecordID   string    `json:"record_id,omitempty"`
	Payload    []byte    `json:"payload"`
	Error      string    `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
}
