package store

import (
	"context"
	"errors"

	"github.com/sells-group/evidence-engine/internal/model"
)

// ErrStaleParent is returned by SaveSnapshot when the snapshot was built on a
// version that is no longer active.
var ErrStaleParent = errors.New("store: snapshot parent is no longer active")

// CycleFilter specifies criteria for listing cycle runs.
type CycleFilter struct {
	Status model.CycleStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// QuarantineFilter specifies criteria for listing quarantined records.
type QuarantineFilter struct {
	Cycle int `json:"cycle,omitempty"`
	Limit int `json:"limit,omitempty"`
}

// SnapshotInfo describes a stored snapshot version without its content.
type SnapshotInfo struct {
	Version       int  `json:"version"`
	ParentVersion int  `json:"parent_version"`
	Cycle         int  `json:"cycle"`
	Active        bool `json:"active"`
}

// Store defines the persistence interface for the evidence engine.
type Store interface {
	// Cycles
	CreateCycle(ctx context.Context, cycle int) (*model.CycleRun, error)
	CompleteCycle(ctx context.Context, id string, report *model.CycleReport) error
	FailCycle(ctx context.Context, id string, reason string) error
	ListCycles(ctx context.Context, filter CycleFilter) ([]model.CycleRun, error)

	// Phases
	CreatePhase(ctx context.Context, cycleID string, name string) (*model.CyclePhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error

	// Snapshots. SaveSnapshot assigns the next version, stores the snapshot,
	// appends the cycle's decisions and moves the active pointer in one
	// transaction. It fails with ErrStaleParent unless snap.ParentVersion is
	// the active version.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot, decisions []model.DecisionEntry) (int, error)
	LoadActiveSnapshot(ctx context.Context) (*model.Snapshot, error)
	GetSnapshot(ctx context.Context, version int) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error)
	ActivateSnapshot(ctx context.Context, version int) error

	// Decision log
	ListDecisions(ctx context.Context, evidenceID string) ([]model.DecisionEntry, error)

	// Quarantine
	EnqueueQuarantine(ctx context.Context, entries []model.QuarantineEntry) error
	ListQuarantine(ctx context.Context, filter QuarantineFilter) ([]model.QuarantineEntry, error)
	CountQuarantine(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
