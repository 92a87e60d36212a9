package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Snapshot is the complete engine state between cycles. A cycle receives a
// copy and returns a replacement; the previous snapshot is never mutated.
type Snapshot struct {
	SchemaVersion string            `json:"schema_version"`
	Version       int               `json:"version"`
	ParentVersion int               `json:"parent_version,omitempty"`
	Cycle         int               `json:"cycle"`
	CreatedAt     time.Time         `json:"created_at"`
	Ledger        LedgerState       `json:"ledger"`
	Subjects      []Subject         `json:"subjects"`
	Metrics       []ForceMetric     `json:"metrics"`
	Confidence    []ConfidenceEntry `json:"confidence"`
	Staleness     []StalenessEntry  `json:"staleness"`
	Patterns      []Pattern         `json:"patterns"`
	Directive     *Directive        `json:"directive,omitempty"`
}

// NewSnapshot returns the empty state a fresh deployment starts from.
func NewSnapshot() Snapshot {
	return Snapshot{SchemaVersion: SchemaVersion}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() (Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "model: marshal snapshot")
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return Snapshot{}, eris.Wrap(err, "model: unmarshal snapshot")
	}
	return out, nil
}

// SubjectByID returns the subject with id, if present.
func (s *Snapshot) SubjectByID(id string) (Subject, bool) {
	for _, sub := range s.Subjects {
		if sub.ID == id {
			return sub, true
		}
	}
	return Subject{}, false
}
